// Package remote is a stateless client for the expense API. It holds no
// token of its own; every authorized call takes the token to send.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"expense-sync/internal/models"
)

// Client calls the expense API rooted at a base URL.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient returns a Client for baseURL, e.g. "https://api.example.com".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.log = c.log.With("component", "remote")
	return c
}

// Credentials is the body of login and register.
type Credentials struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", Credentials{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register creates an account and returns its first token.
func (c *Client) Register(ctx context.Context, name, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", Credentials{Name: name, Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout invalidates token on the remote.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
}

// Refresh exchanges the current token for a new one.
func (c *Client) Refresh(ctx context.Context, token string) (models.AuthToken, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", token, nil, &resp); err != nil {
		return models.AuthToken{}, err
	}
	tok := resp.AuthToken(c.now())
	if tok.Value == "" {
		return models.AuthToken{}, errors.New("remote: refresh response carries no token")
	}
	return tok, nil
}

// ListExpenses returns every expense of the token's user.
func (c *Client) ListExpenses(ctx context.Context, token string) ([]Expense, error) {
	var out []Expense
	if err := c.do(ctx, http.MethodGet, "/expense", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateExpense creates an expense and returns it with its remote id.
func (c *Client) CreateExpense(ctx context.Context, token string, in ExpenseInput) (*Expense, error) {
	var out Expense
	if err := c.do(ctx, http.MethodPost, "/expense", token, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateExpense replaces the expense with remote id id.
func (c *Client) UpdateExpense(ctx context.Context, token string, id int64, in ExpenseInput) (*Expense, error) {
	var out Expense
	if err := c.do(ctx, http.MethodPut, "/expense/"+strconv.FormatInt(id, 10), token, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteExpense deletes the expense with remote id id. An expense that is
// already gone counts as deleted.
func (c *Client) DeleteExpense(ctx context.Context, token string, id int64) error {
	err := c.do(ctx, http.MethodDelete, "/expense/"+strconv.FormatInt(id, 10), token, nil, nil)
	if Classify(err) == KindNotFound {
		return nil
	}
	return err
}

// Stats returns the spending summary of the given month.
func (c *Client) Stats(ctx context.Context, token string, year, month int) (*MonthStats, error) {
	var out MonthStats
	path := fmt.Sprintf("/expense/stats?year=%d&month=%d", year, month)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type bulkDeleteRequest struct {
	ExpenseIDs []int64 `json:"expense_ids"`
}

// BulkDelete deletes every expense in ids with one request.
func (c *Client) BulkDelete(ctx context.Context, token string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/expenses/bulk", token, bulkDeleteRequest{ExpenseIDs: ids}, nil)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", slog.String("method", method), slog.String("path", path), slog.String("error", err.Error()))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Message = eb.Error
			if apiErr.Message == "" {
				apiErr.Message = eb.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
