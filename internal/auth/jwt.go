package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims identify the user and the server-side session a token belongs to.
type Claims struct {
	UserID    int64
	SessionID string
	ExpiresAt time.Time
}

// Issuer signs and verifies access tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer whose tokens live for ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID bound to sessionID.
func (i *Issuer) Issue(userID int64, sessionID string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry of token.
func (i *Issuer) Verify(token string) (*Claims, error) {
	return i.parse(token, false)
}

// VerifyAllowExpired checks only the signature, so an expired token can
// still be exchanged while its session lives.
func (i *Issuer) VerifyAllowExpired(token string) (*Claims, error) {
	return i.parse(token, true)
}

func (i *Issuer) parse(token string, allowExpired bool) (*Claims, error) {
	var rc jwt.RegisteredClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	_, err := parser.ParseWithClaims(token, &rc, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil && !(allowExpired && errors.Is(err, jwt.ErrTokenExpired)) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, perr := strconv.ParseInt(rc.Subject, 10, 64)
	if perr != nil || rc.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", ErrInvalidToken)
	}
	c := &Claims{UserID: userID, SessionID: rc.ID}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}
