package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"expense-sync/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Date is an expense date. A date without a time of day travels as
// YYYY-MM-DD; anything else as RFC 3339.
type Date time.Time

func (d Date) MarshalJSON() ([]byte, error) {
	t := time.Time(d)
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return json.Marshal(t.Format(dateLayout))
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{dateLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = Date(t)
			return nil
		}
	}
	return fmt.Errorf("unrecognised date %q", s)
}

// Expense is an expense as the remote API returns it.
type Expense struct {
	ID          int64           `json:"id"`
	ClientID    string          `json:"client_id,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        Date            `json:"date"`
	CategoryID  *int64          `json:"category_id,omitempty"`
	UserID      int64           `json:"user_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Record converts e to a local record owned by its user.
func (e Expense) Record() models.ExpenseRecord {
	id := e.ID
	return models.ExpenseRecord{
		LocalID:     e.ClientID,
		RemoteID:    &id,
		OwnerUserID: e.UserID,
		Description: e.Description,
		Amount:      e.Amount,
		Date:        time.Time(e.Date),
		CategoryID:  e.CategoryID,
		SyncStatus:  models.StatusSynced,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// ExpenseInput is the body of create and update requests.
type ExpenseInput struct {
	ClientID    string          `json:"client_id,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        Date            `json:"date"`
	CategoryID  *int64          `json:"category_id,omitempty"`
}

// InputFromRecord builds the request body for r.
func InputFromRecord(r models.ExpenseRecord) ExpenseInput {
	return ExpenseInput{
		ClientID:    r.LocalID,
		Description: r.Description,
		Amount:      r.Amount,
		Date:        Date(r.Date),
		CategoryID:  r.CategoryID,
	}
}

// AuthResponse is returned by login, register and refresh.
type AuthResponse struct {
	Token       string             `json:"token"`
	AccessToken string             `json:"access_token,omitempty"`
	ExpiresIn   *int64             `json:"expires_in,omitempty"`
	ExpiresAt   json.RawMessage    `json:"expires_at,omitempty"`
	User        models.UserProfile `json:"user"`
}

// AuthToken extracts the token and its expiry. The expiry comes from
// expires_at, then expires_in, then the JWT exp claim; without any of
// them the token never expires.
func (a AuthResponse) AuthToken(now time.Time) models.AuthToken {
	value := a.AccessToken
	if value == "" {
		value = a.Token
	}
	tok := models.AuthToken{Value: value, Expiry: models.NeverExpires()}

	if at, ok := parseExpiresAt(a.ExpiresAt); ok {
		tok.Expiry = models.ExpiresAt(at)
		return tok
	}
	if a.ExpiresIn != nil && *a.ExpiresIn > 0 {
		tok.Expiry = models.ExpiresAt(now.Add(time.Duration(*a.ExpiresIn) * time.Second))
		return tok
	}
	if at, ok := jwtExpiry(value); ok {
		tok.Expiry = models.ExpiresAt(at)
	}
	return tok
}

func parseExpiresAt(raw json.RawMessage) (time.Time, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// jwtExpiry reads the exp claim without verifying the signature; the client
// only needs to know when to refresh, the remote does the verifying.
func jwtExpiry(value string) (time.Time, bool) {
	if strings.Count(value, ".") != 2 {
		return time.Time{}, false
	}
	token, _, err := jwt.NewParser().ParseUnverified(value, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// CategoryStats is one category's share of a month's spending.
type CategoryStats struct {
	CategoryID *int64          `json:"category_id"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
	Percentage decimal.Decimal `json:"percentage"`
}

// MonthStats summarises one month of a user's expenses, largest category first.
type MonthStats struct {
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	Total      decimal.Decimal `json:"total"`
	Categories []CategoryStats `json:"categories"`
	Expenses   []Expense       `json:"expenses"`
}
