package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/noelrohi/imahe/internal/generate"
	"github.com/noelrohi/imahe/internal/store"
)

func TestFailureMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"balance", &generate.BalanceError{Action: "buy_credits"}, "insufficient balance"},
		{"empty image", generate.ErrEmptyImage, generate.ErrEmptyImage.Error()},
		{"unknown model", fmt.Errorf("%w: %q", generate.ErrUnknownModel, "nope"), `unknown model: "nope"`},
		{"duplicate", store.ErrDuplicateRequest, "request already recorded"},
		{"provider", errors.New("upstream exploded"), "Failed to generate image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := failureMessage(tc.err); got != tc.want {
				t.Errorf("failureMessage() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewGenerateTaskRoundTrip(t *testing.T) {
	p := GeneratePayload{ModelKey: "professional", ImageRef: "https://example.com/a.png"}
	task, err := NewGenerateTask(p)
	if err != nil {
		t.Fatalf("NewGenerateTask: %v", err)
	}
	if task.Type() != TypeGenerate {
		t.Errorf("type = %q", task.Type())
	}
}

func TestExtFromContentType(t *testing.T) {
	cases := map[string]string{
		"image/png":             ".png",
		"image/jpeg":            ".jpg",
		"image/webp":            ".webp",
		"image/gif":             ".gif",
		"application/octet-stream": ".png",
	}
	for ct, want := range cases {
		if got := extFromContentType(ct); got != want {
			t.Errorf("extFromContentType(%q) = %q, want %q", ct, got, want)
		}
	}
}
