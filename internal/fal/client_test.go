package fal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testModel = "fal-ai/image-editing/cartoonify"

func newTestServer(t *testing.T, polls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/"+testModel:
			body, _ := io.ReadAll(r.Body)
			var in map[string]interface{}
			if err := json.Unmarshal(body, &in); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if in["image_url"] == "" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
		case strings.HasSuffix(r.URL.Path, "/requests/req-1/status"):
			n := polls.Add(1)
			u := QueueUpdate{Status: StatusInProgress}
			if n >= 2 {
				u.Status = StatusCompleted
			}
			json.NewEncoder(w).Encode(u)
		case strings.HasSuffix(r.URL.Path, "/requests/req-1"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"images": []map[string]interface{}{
					{"url": "https://out/a.jpg", "width": 512, "height": 512},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestSubmitAndResult(t *testing.T) {
	var polls atomic.Int32
	srv := newTestServer(t, &polls)
	defer srv.Close()

	c, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := c.Submit(ctx, testModel, Input{ImageURL: "https://ex.com/a.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "req-1" {
		t.Fatalf("request id = %q", id)
	}
	res, err := c.Result(ctx, testModel, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 1 || res.Images[0].URL != "https://out/a.jpg" {
		t.Fatalf("result = %+v", res)
	}
	if res.Images[0].Width == nil || *res.Images[0].Width != 512 {
		t.Fatalf("width = %v", res.Images[0].Width)
	}
}

func TestSubmitOmitsEmptyPrompt(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"request_id": "req-2"})
	}))
	defer srv.Close()

	c, _ := New("test-key", srv.URL)
	if _, err := c.Submit(context.Background(), testModel, Input{ImageURL: "https://ex.com/a.jpg"}); err != nil {
		t.Fatal(err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(got, &payload); err != nil {
		t.Fatal(err)
	}
	if _, has := payload["prompt"]; has {
		t.Fatalf("payload carries prompt field: %s", got)
	}
}

func TestWatchOrderedUpdates(t *testing.T) {
	var polls atomic.Int32
	srv := newTestServer(t, &polls)
	defer srv.Close()

	c, _ := New("test-key", srv.URL)
	c.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var updates []QueueUpdate
	for u := range c.Watch(ctx, testModel, "req-1") {
		updates = append(updates, u)
	}
	if len(updates) < 3 {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].Status != StatusInQueue {
		t.Fatalf("first update = %+v", updates[0])
	}
	last := -1
	terminals := 0
	for _, u := range updates {
		if rank(u.Status) < last {
			t.Fatalf("progress regressed: %+v", updates)
		}
		last = rank(u.Status)
		if u.Status.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}
	if updates[len(updates)-1].Status != StatusCompleted {
		t.Fatalf("terminal = %+v", updates[len(updates)-1])
	}
}

func TestWatchReportsPollFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := New("test-key", srv.URL)
	c.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last QueueUpdate
	for u := range c.Watch(ctx, testModel, "req-9") {
		last = u
	}
	if last.Status != StatusFailed || last.Error == "" {
		t.Fatalf("last = %+v", last)
	}
}
