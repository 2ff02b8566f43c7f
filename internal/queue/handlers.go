package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/noelrohi/imahe/internal/billing"
	"github.com/noelrohi/imahe/internal/cache"
	"github.com/noelrohi/imahe/internal/fal"
	"github.com/noelrohi/imahe/internal/generate"
	"github.com/noelrohi/imahe/internal/storage"
	"github.com/noelrohi/imahe/internal/store"
	"github.com/noelrohi/imahe/internal/stream"
)

type Handlers struct {
	DB      *store.DB
	Fal     *fal.Client
	Billing *billing.Client // nil disables the balance gate and usage events
	Store   *storage.Store  // nil disables the durable mirror
	Stream  *stream.Publisher
	Cache   *cache.Redis
}

// customerMeter scopes the billing client to one customer for a session run.
type customerMeter struct {
	c          *billing.Client
	customerID string
}

func (m customerMeter) State(ctx context.Context) (*billing.CustomerState, error) {
	return m.c.CustomerState(ctx, m.customerID)
}

func (m customerMeter) Track(ctx context.Context, event string, metadata map[string]string) error {
	return m.c.Track(ctx, m.customerID, event, metadata)
}

// dbSink persists a completed request's images for one user.
type dbSink struct {
	db     *store.DB
	userID uuid.UUID
}

func (s dbSink) Record(ctx context.Context, requestID string, images []fal.Image, prompt *string) error {
	rows := make([]store.GenerationImage, 0, len(images))
	for _, img := range images {
		rows = append(rows, store.GenerationImage{
			URL:         img.URL,
			ContentType: img.ContentType,
			FileName:    img.FileName,
			FileSize:    img.FileSize,
			Width:       img.Width,
			Height:      img.Height,
		})
	}
	return s.db.InsertGenerations(ctx, s.userID, requestID, rows, prompt)
}

// GenerateHandler runs one submission end to end: balance gate, remote
// enqueue, queue watch, result fetch, persist. Progress is relayed over
// Redis pub/sub keyed by the tracking job id.
func (h *Handlers) GenerateHandler(ctx context.Context, t *asynq.Task) error {
	var p GeneratePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	if h.Fal == nil {
		if h.Stream != nil {
			_ = h.Stream.Publish(ctx, p.JobID, stream.Update{Status: string(fal.StatusFailed), Error: "provider not configured", Done: true})
		}
		return nil
	}

	sess := &generate.Session{
		Queue: h.Fal,
		Sink:  dbSink{db: h.DB, userID: p.UserID},
		OnUpdate: func(u fal.QueueUpdate) {
			if h.Stream == nil {
				return
			}
			_ = h.Stream.Publish(ctx, p.JobID, stream.Update{
				Status:        string(u.Status),
				QueuePosition: u.QueuePosition,
				Error:         u.Error,
				Done:          u.Status.Terminal(),
			})
		},
		OnCompleted: func(ctx context.Context, requestID string) {
			if h.Cache != nil {
				// Gallery keys carry paging suffixes; clear every window.
				_ = h.Cache.DeleteByPrefix(ctx, cache.GenerationsKey(p.UserID))
			}
			go h.mirrorImages(p.UserID, requestID)
		},
	}
	if h.Billing != nil {
		sess.Meter = customerMeter{c: h.Billing, customerID: p.UserID.String()}
	}

	requestID, err := sess.Run(ctx, generate.Request{
		ImageRef: p.ImageRef,
		ModelKey: p.ModelKey,
		Prompt:   p.Prompt,
	})
	if err != nil {
		log.Printf("queue: generate job %s (request %q): %v", p.JobID, requestID, err)
		// Guard refusals and persist errors never reach the provider's watch,
		// so the client would otherwise wait on a channel that stays silent.
		// Subscribers stop at the first final message, duplicates go nowhere.
		if h.Stream != nil {
			msg := sess.FailureMessage()
			if msg == "" {
				msg = failureMessage(err)
			}
			_ = h.Stream.Publish(ctx, p.JobID, stream.Update{Status: string(fal.StatusFailed), Error: msg, Done: true})
		}
		return nil // no automatic retry; the user resubmits
	}
	return nil
}

func failureMessage(err error) string {
	var be *generate.BalanceError
	switch {
	case errors.As(err, &be):
		return "insufficient balance"
	case errors.Is(err, generate.ErrEmptyImage), errors.Is(err, generate.ErrUnknownModel):
		return err.Error()
	case errors.Is(err, store.ErrDuplicateRequest):
		return "request already recorded"
	}
	return "Failed to generate image"
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeGenerate, h.GenerateHandler)
}
