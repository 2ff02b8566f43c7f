package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/noelrohi/imahe/internal/billing"
	"github.com/noelrohi/imahe/internal/fal"
	"github.com/noelrohi/imahe/internal/models"
)

var (
	ErrEmptyImage   = errors.New("image reference required")
	ErrUnknownModel = errors.New("unknown model")
	ErrBusy         = errors.New("a generation is already in flight")
)

// BalanceError refuses a submission before anything is enqueued. Action
// tells the UI which affordance to show.
type BalanceError struct {
	Action string
}

func (e *BalanceError) Error() string { return "insufficient balance" }

// Request is one user submission.
type Request struct {
	ImageRef string
	ModelKey string
	Prompt   string
}

// Validate applies the submission guards that need no remote call: non-empty
// canonical image reference and a known model. The returned input carries a
// prompt only when the model accepts one and the user typed one; a stale
// prompt left over from a previous model selection never reaches the wire.
func Validate(req Request) (models.Descriptor, fal.Input, error) {
	ref := strings.TrimSpace(req.ImageRef)
	if ref == "" {
		return models.Descriptor{}, fal.Input{}, ErrEmptyImage
	}
	desc, ok := models.Find(req.ModelKey)
	if !ok {
		return models.Descriptor{}, fal.Input{}, fmt.Errorf("%w: %q", ErrUnknownModel, req.ModelKey)
	}
	in := fal.Input{ImageURL: ref}
	if desc.HasPrompt() {
		in.Prompt = strings.TrimSpace(req.Prompt)
	}
	return desc, in, nil
}

// Queue is the remote inference provider's job queue.
type Queue interface {
	Submit(ctx context.Context, model string, in fal.Input) (string, error)
	Watch(ctx context.Context, model, requestID string) <-chan fal.QueueUpdate
	Result(ctx context.Context, model, requestID string) (*fal.Result, error)
}

// Meter is the billing provider scoped to one customer.
type Meter interface {
	State(ctx context.Context) (*billing.CustomerState, error)
	Track(ctx context.Context, event string, metadata map[string]string) error
}

// Sink persists the produced images of a completed request. prompt is nil
// when the submission carried none.
type Sink interface {
	Record(ctx context.Context, requestID string, images []fal.Image, prompt *string) error
}

// Session drives one generation request through
// idle → submitting → in_progress → completed | failed. It is the single
// consumer of the provider's queue-update channel, so each request sees
// exactly one terminal transition even though updates arrive on a different
// goroutine than the submitter's.
type Session struct {
	Queue Queue
	Meter Meter // nil disables the balance gate and usage events
	Sink  Sink

	// OnUpdate observes every queue update (for relaying to clients).
	OnUpdate func(fal.QueueUpdate)
	// OnCompleted fires after a successful persist: gallery cache
	// invalidation and balance readout refresh hook.
	OnCompleted func(ctx context.Context, requestID string)

	mu      sync.Mutex
	state   State
	failMsg string
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureMessage is the single human-readable message for the last failure.
func (s *Session) FailureMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failMsg
}

func (s *Session) transition(e EventKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Next(s.state, e)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Session) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, err := Next(s.state, EventFailed); err == nil {
		s.state = next
	}
	s.failMsg = msg
}

// Run performs one full submission: guards, enqueue, usage event, polling,
// one result fetch, persist. It returns the provider request id once known.
// Errors reported to the user are a single message; nothing here retries.
// Cancelling ctx abandons the watch; the remote job keeps running.
func (s *Session) Run(ctx context.Context, req Request) (string, error) {
	desc, in, err := Validate(req)
	if err != nil {
		return "", err
	}
	if s.Meter != nil {
		st, err := s.Meter.State(ctx)
		if err != nil {
			log.Printf("generate: customer state: %v", err)
			st = nil // fail open, see billing.Gate
		}
		if d := billing.Gate(st); !d.Allowed {
			return "", &BalanceError{Action: d.Action}
		}
	}
	if err := s.transition(EventSubmit); err != nil {
		return "", ErrBusy
	}

	requestID, err := s.Queue.Submit(ctx, desc.WireID, in)
	if err != nil {
		log.Printf("generate: enqueue %s: %v", desc.Key, err)
		s.fail("Failed to generate image")
		return "", err
	}
	if err := s.transition(EventEnqueued); err != nil {
		return requestID, err
	}
	if s.Meter != nil {
		// Fire-and-forget: a lost usage event never rolls back the job.
		go func() {
			if err := s.Meter.Track(context.WithoutCancel(ctx), billing.UsageEvent, map[string]string{
				"request_id": requestID,
				"model":      desc.Key,
			}); err != nil {
				log.Printf("generate: track usage %s: %v", requestID, err)
			}
		}()
	}

	for u := range s.Queue.Watch(ctx, desc.WireID, requestID) {
		if s.OnUpdate != nil {
			s.OnUpdate(u)
		}
		switch u.Status {
		case fal.StatusFailed:
			msg := u.Error
			if msg == "" {
				msg = "Failed to generate image"
			}
			s.fail(msg)
			return requestID, errors.New(msg)
		case fal.StatusCompleted:
			if err := s.complete(ctx, desc, in, requestID); err != nil {
				return requestID, err
			}
			return requestID, nil
		default:
			_ = s.transition(EventProgress)
		}
	}
	// Channel closed without a terminal event: either the watch was
	// abandoned with the request, or the provider stream ended early.
	if err := ctx.Err(); err != nil {
		return requestID, err
	}
	s.fail("Failed to generate image")
	return requestID, errors.New("queue watch ended without a terminal update")
}

// complete performs exactly one result fetch for the request and hands the
// produced images to the sink with the original prompt (or its absence).
func (s *Session) complete(ctx context.Context, desc models.Descriptor, in fal.Input, requestID string) error {
	res, err := s.Queue.Result(ctx, desc.WireID, requestID)
	if err != nil {
		log.Printf("generate: result %s: %v", requestID, err)
		s.fail("Failed to generate image")
		return err
	}
	if len(res.Images) == 0 {
		s.fail("Failed to generate image")
		return errors.New("provider returned no images")
	}
	var prompt *string
	if in.Prompt != "" {
		prompt = &in.Prompt
	}
	if err := s.Sink.Record(ctx, requestID, res.Images, prompt); err != nil {
		log.Printf("generate: record %s: %v", requestID, err)
		s.fail("Failed to generate image")
		return err
	}
	if err := s.transition(EventCompleted); err != nil {
		return err
	}
	if s.OnCompleted != nil {
		s.OnCompleted(ctx, requestID)
	}
	return nil
}
