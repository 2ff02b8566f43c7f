package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// UsageEvent is the event name ingested by the billing provider for every
// enqueued generation.
const UsageEvent = "generation"

// Meter is one usage readout (consumed vs allowed for the current period).
type Meter struct {
	Name     string `json:"name"`
	Consumed int    `json:"consumed"`
	Limit    int    `json:"limit"` // 0 = unmetered
}

// CustomerState is the provider's view of a customer: active plan, remaining
// generation balance and per-period usage meters.
type CustomerState struct {
	Plan               string  `json:"plan"` // "free", "pro", "usage-based"
	ActiveSubscription bool    `json:"active_subscription"`
	Balance            int     `json:"balance"` // remaining generations this period
	CurrentPeriodEnd   string  `json:"current_period_end,omitempty"`
	Meters             []Meter `json:"meters,omitempty"`
}

// FreeTier reports whether the customer is on the zero-cost plan.
func (s *CustomerState) FreeTier() bool { return s == nil || !s.ActiveSubscription }

// Gate actions shown when a submission is refused for lack of balance.
const (
	ActionClaimFree  = "claim_free_credits"
	ActionBuyCredits = "buy_credits"
)

// Decision is the balance gate outcome evaluated before any job is enqueued.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Action  string `json:"action,omitempty"`
}

// Gate refuses submission when the balance is exhausted and no paid plan
// covers it. Free-tier customers are pointed at their free credits, paying
// customers at a top-up.
func Gate(st *CustomerState) Decision {
	if st == nil {
		// Provider unreachable or unconfigured: fail open, metering is
		// advisory and the provider settles usage from tracked events.
		return Decision{Allowed: true}
	}
	if st.Balance > 0 {
		return Decision{Allowed: true}
	}
	if st.FreeTier() {
		return Decision{Allowed: false, Action: ActionClaimFree}
	}
	return Decision{Allowed: false, Action: ActionBuyCredits}
}

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func New(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("billing URL required")
	}
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		token:   token,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("billing: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CustomerState fetches the balance/usage state for a customer.
func (c *Client) CustomerState(ctx context.Context, customerID string) (*CustomerState, error) {
	var st CustomerState
	if err := c.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID)+"/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Track ingests a usage event. Callers treat it as fire-and-forget: a lost
// event is not compensated and never rolls back a submission.
func (c *Client) Track(ctx context.Context, customerID, event string, metadata map[string]string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"customer_id": customerID,
		"event":       event,
		"metadata":    metadata,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/events", bytes.NewReader(payload), nil)
}

// PortalURL is where an existing customer manages their subscription.
func (c *Client) PortalURL(customerID string) string {
	return c.baseURL + "/v1/portal?customer_id=" + url.QueryEscape(customerID)
}

// CheckoutURL starts a checkout for a plan slug ("pro", "usage-based").
func (c *Client) CheckoutURL(customerID, slug string) string {
	q := url.Values{"customer_id": {customerID}, "plan": {slug}}
	return c.baseURL + "/v1/checkout?" + q.Encode()
}
