package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Queue statuses reported by fal.ai. A request moves through IN_QUEUE →
// IN_PROGRESS → COMPLETED; failures surface as FAILED with a message.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// rank orders statuses so Watch never emits a regression.
func rank(s Status) int {
	switch s {
	case StatusInQueue:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// QueueUpdate is one progress notification for a submitted request.
type QueueUpdate struct {
	RequestID     string `json:"request_id"`
	Status        Status `json:"status"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Image is one produced output image with its metadata.
type Image struct {
	URL         string  `json:"url"`
	Width       *int    `json:"width,omitempty"`
	Height      *int    `json:"height,omitempty"`
	ContentType *string `json:"content_type,omitempty"`
	FileName    *string `json:"file_name,omitempty"`
	FileSize    *int    `json:"file_size,omitempty"`
}

// Result is the payload fetched once per completed request.
type Result struct {
	Images []Image `json:"images"`
}

// Input is the enqueue payload: the canonical image reference plus an
// optional prompt. Prompt must be absent (not empty) for promptless models.
type Input struct {
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt,omitempty"`
}

type Client struct {
	http         *http.Client
	baseURL      string
	key          string
	PollInterval time.Duration
}

func New(key, baseURL string) (*Client, error) {
	if key == "" {
		return nil, errors.New("fal key required")
	}
	if baseURL == "" {
		baseURL = "https://queue.fal.run"
	}
	return &Client{
		http:         &http.Client{Timeout: 2 * time.Minute},
		baseURL:      baseURL,
		key:          key,
		PollInterval: 2 * time.Second,
	}, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.key)
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
		return fmt.Errorf("fal: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit enqueues a job and returns the provider-issued request id.
func (c *Client) Submit(ctx context.Context, model string, in Input) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	var ack struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/"+model, bytes.NewReader(payload), &ack); err != nil {
		return "", err
	}
	if ack.RequestID == "" {
		return "", errors.New("fal: enqueue returned no request id")
	}
	return ack.RequestID, nil
}

// StatusOf fetches the current queue status for a request.
func (c *Client) StatusOf(ctx context.Context, model, requestID string) (QueueUpdate, error) {
	var u QueueUpdate
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, model, requestID), nil, &u)
	if err != nil {
		return QueueUpdate{}, err
	}
	u.RequestID = requestID
	return u, nil
}

// Result fetches the produced images for a completed request. Call it
// exactly once per request.
func (c *Client) Result(ctx context.Context, model, requestID string) (*Result, error) {
	var r Result
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/requests/%s", c.baseURL, model, requestID), nil, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Watch polls the queue and delivers updates on the returned channel in
// non-decreasing progress order: the enqueue ack, zero or more progress
// updates, then exactly one terminal event, after which the channel closes.
// Consumers may run on a different goroutine than the submitter. Cancelling
// ctx abandons the watch; the remote job keeps running.
func (c *Client) Watch(ctx context.Context, model, requestID string) <-chan QueueUpdate {
	ch := make(chan QueueUpdate, 4)
	go func() {
		defer close(ch)
		last := -1
		emit := func(u QueueUpdate) bool {
			if rank(u.Status) < last {
				return true // ignore out-of-order poll result
			}
			last = rank(u.Status)
			select {
			case ch <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit(QueueUpdate{RequestID: requestID, Status: StatusInQueue}) {
			return
		}
		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			u, err := c.StatusOf(ctx, model, requestID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(QueueUpdate{RequestID: requestID, Status: StatusFailed, Error: err.Error()})
				return
			}
			if !emit(u) {
				return
			}
			if u.Status.Terminal() {
				return
			}
		}
	}()
	return ch
}
