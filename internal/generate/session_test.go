package generate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/noelrohi/imahe/internal/billing"
	"github.com/noelrohi/imahe/internal/fal"
)

type fakeQueue struct {
	mu          sync.Mutex
	submits     int
	lastModel   string
	lastInput   fal.Input
	updates     []fal.QueueUpdate
	resultCalls int
	result      *fal.Result
	submitErr   error
	resultErr   error
}

func (q *fakeQueue) Submit(ctx context.Context, model string, in fal.Input) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submits++
	q.lastModel = model
	q.lastInput = in
	if q.submitErr != nil {
		return "", q.submitErr
	}
	return "req-1", nil
}

func (q *fakeQueue) Watch(ctx context.Context, model, requestID string) <-chan fal.QueueUpdate {
	ch := make(chan fal.QueueUpdate)
	go func() {
		defer close(ch)
		for _, u := range q.updates {
			u.RequestID = requestID
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (q *fakeQueue) Result(ctx context.Context, model, requestID string) (*fal.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resultCalls++
	if q.resultErr != nil {
		return nil, q.resultErr
	}
	return q.result, nil
}

type fakeMeter struct {
	mu      sync.Mutex
	state   *billing.CustomerState
	tracked []map[string]string
}

func (m *fakeMeter) State(ctx context.Context) (*billing.CustomerState, error) {
	return m.state, nil
}

func (m *fakeMeter) Track(ctx context.Context, event string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := map[string]string{"event": event}
	for k, v := range metadata {
		md[k] = v
	}
	m.tracked = append(m.tracked, md)
	return nil
}

func (m *fakeMeter) trackedEvents() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.tracked...)
}

type recorded struct {
	requestID string
	images    []fal.Image
	prompt    *string
}

type fakeSink struct {
	mu      sync.Mutex
	records []recorded
	err     error
}

func (s *fakeSink) Record(ctx context.Context, requestID string, images []fal.Image, prompt *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, recorded{requestID, images, prompt})
	return nil
}

func intp(v int) *int { return &v }

func completedQueue() *fakeQueue {
	return &fakeQueue{
		updates: []fal.QueueUpdate{
			{Status: fal.StatusInQueue},
			{Status: fal.StatusInProgress},
			{Status: fal.StatusCompleted},
		},
		result: &fal.Result{Images: []fal.Image{
			{URL: "https://out/a.jpg", Width: intp(512), Height: intp(512)},
		}},
	}
}

func TestRunProfessionalEndToEnd(t *testing.T) {
	q := completedQueue()
	meter := &fakeMeter{state: &billing.CustomerState{Plan: "free", Balance: 5}}
	sink := &fakeSink{}
	completions := 0
	s := &Session{Queue: q, Meter: meter, Sink: sink,
		OnCompleted: func(ctx context.Context, requestID string) { completions++ }}

	id, err := s.Run(context.Background(), Request{
		ImageRef: "https://ex.com/a.jpg",
		ModelKey: "professional",
		Prompt:   "left over from a previous model", // must never reach the wire
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "req-1" {
		t.Fatalf("request id = %q", id)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
	if q.lastModel != "fal-ai/image-editing/professional-photo" {
		t.Fatalf("model = %q", q.lastModel)
	}
	if q.lastInput.Prompt != "" {
		t.Fatalf("promptless model submitted prompt %q", q.lastInput.Prompt)
	}
	if q.resultCalls != 1 {
		t.Fatalf("result fetches = %d, want exactly 1", q.resultCalls)
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.requestID != "req-1" || rec.prompt != nil {
		t.Fatalf("record = %+v", rec)
	}
	img := rec.images[0]
	if img.URL != "https://out/a.jpg" || *img.Width != 512 || *img.Height != 512 {
		t.Fatalf("image = %+v", img)
	}
	if completions != 1 {
		t.Fatalf("completions = %d", completions)
	}
}

func TestRunStyleTransferEmptyPromptOmitted(t *testing.T) {
	q := completedQueue()
	sink := &fakeSink{}
	s := &Session{Queue: q, Sink: sink}

	if _, err := s.Run(context.Background(), Request{
		ImageRef: "https://ex.com/a.jpg",
		ModelKey: "styleTransfer",
		Prompt:   "   ",
	}); err != nil {
		t.Fatal(err)
	}
	if q.lastInput.Prompt != "" {
		t.Fatalf("empty prompt submitted as %q", q.lastInput.Prompt)
	}
	if sink.records[0].prompt != nil {
		t.Fatalf("persisted prompt = %q", *sink.records[0].prompt)
	}
}

func TestRunStyleTransferCarriesPrompt(t *testing.T) {
	q := completedQueue()
	sink := &fakeSink{}
	s := &Session{Queue: q, Sink: sink}

	if _, err := s.Run(context.Background(), Request{
		ImageRef: "https://ex.com/a.jpg",
		ModelKey: "styleTransfer",
		Prompt:   " oil painting ",
	}); err != nil {
		t.Fatal(err)
	}
	if q.lastInput.Prompt != "oil painting" {
		t.Fatalf("prompt = %q", q.lastInput.Prompt)
	}
	if sink.records[0].prompt == nil || *sink.records[0].prompt != "oil painting" {
		t.Fatalf("persisted prompt = %v", sink.records[0].prompt)
	}
}

func TestRunEmptyImageNeverEnqueues(t *testing.T) {
	q := completedQueue()
	s := &Session{Queue: q, Sink: &fakeSink{}}
	for _, ref := range []string{"", "   ", "\n\t"} {
		_, err := s.Run(context.Background(), Request{ImageRef: ref, ModelKey: "cartoonify"})
		if !errors.Is(err, ErrEmptyImage) {
			t.Fatalf("ref %q: err = %v", ref, err)
		}
	}
	if q.submits != 0 {
		t.Fatalf("submits = %d, want 0", q.submits)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRunUnknownModelRefused(t *testing.T) {
	q := completedQueue()
	s := &Session{Queue: q, Sink: &fakeSink{}}
	_, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "vhs"})
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v", err)
	}
	if q.submits != 0 {
		t.Fatalf("submits = %d", q.submits)
	}
}

func TestRunExhaustedBalanceRefusedWithoutEnqueue(t *testing.T) {
	q := completedQueue()
	meter := &fakeMeter{state: &billing.CustomerState{Plan: "free", Balance: 0}}
	s := &Session{Queue: q, Meter: meter, Sink: &fakeSink{}}

	_, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "cartoonify"})
	var be *BalanceError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v", err)
	}
	if be.Action != billing.ActionClaimFree {
		t.Fatalf("action = %q", be.Action)
	}
	if q.submits != 0 {
		t.Fatalf("submits = %d, want 0", q.submits)
	}

	meter.state = &billing.CustomerState{Plan: "pro", ActiveSubscription: true, Balance: 0}
	_, err = s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "cartoonify"})
	if !errors.As(err, &be) || be.Action != billing.ActionBuyCredits {
		t.Fatalf("paid plan: err = %v", err)
	}
}

func TestRunEmitsUsageEventOnEnqueue(t *testing.T) {
	q := completedQueue()
	meter := &fakeMeter{state: &billing.CustomerState{Plan: "free", Balance: 5}}
	s := &Session{Queue: q, Meter: meter, Sink: &fakeSink{}}

	if _, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "hairChange", Prompt: "bald"}); err != nil {
		t.Fatal(err)
	}
	// Track is fire-and-forget on its own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if evs := meter.trackedEvents(); len(evs) == 1 {
			ev := evs[0]
			if ev["event"] != billing.UsageEvent || ev["request_id"] != "req-1" || ev["model"] != "hairChange" {
				t.Fatalf("event = %+v", ev)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("usage event never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunProviderFailure(t *testing.T) {
	q := &fakeQueue{updates: []fal.QueueUpdate{
		{Status: fal.StatusInProgress},
		{Status: fal.StatusFailed, Error: "nsfw content detected"},
	}}
	sink := &fakeSink{}
	s := &Session{Queue: q, Sink: sink}

	_, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "baby"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s", s.State())
	}
	if s.FailureMessage() != "nsfw content detected" {
		t.Fatalf("message = %q", s.FailureMessage())
	}
	if q.resultCalls != 0 {
		t.Fatalf("result fetched after failure")
	}
	if len(sink.records) != 0 {
		t.Fatal("partial record persisted after failure")
	}
}

func TestRunSinkFailureSurfacesGenericMessage(t *testing.T) {
	q := completedQueue()
	sink := &fakeSink{err: errors.New("pq: connection reset")}
	s := &Session{Queue: q, Sink: sink}

	_, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "baby"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s", s.State())
	}
	// Operators see the storage error in logs; users get one generic line.
	if s.FailureMessage() != "Failed to generate image" {
		t.Fatalf("message = %q", s.FailureMessage())
	}
}

func TestRunWatchEndedWithoutTerminal(t *testing.T) {
	q := &fakeQueue{updates: []fal.QueueUpdate{
		{Status: fal.StatusInQueue},
		{Status: fal.StatusInProgress},
	}}
	sink := &fakeSink{}
	s := &Session{Queue: q, Sink: sink}

	_, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "baby"})
	if err == nil {
		t.Fatal("expected failure when the update stream ends early")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want a non-cancellation failure", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s", s.State())
	}
	if s.FailureMessage() != "Failed to generate image" {
		t.Fatalf("message = %q", s.FailureMessage())
	}
	if q.resultCalls != 0 {
		t.Fatal("result fetched without a completed update")
	}
	if len(sink.records) != 0 {
		t.Fatal("record persisted without a completed update")
	}
}

func TestRunRefusedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	q := &fakeQueue{}
	s := &Session{Queue: q, Sink: &fakeSink{}}

	// Hold the session in in_progress by blocking the watch.
	blocking := &blockingQueue{fakeQueue: q, release: release}
	s.Queue = blocking

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(context.Background(), Request{ImageRef: "https://ex.com/a.jpg", ModelKey: "baby"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateInProgress {
		if time.Now().After(deadline) {
			t.Fatal("session never reached in_progress")
		}
		time.Sleep(time.Millisecond)
	}
	_, err := s.Run(context.Background(), Request{ImageRef: "https://ex.com/b.jpg", ModelKey: "baby"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v", err)
	}
	close(release)
	<-done
}

type blockingQueue struct {
	*fakeQueue
	release chan struct{}
}

func (q *blockingQueue) Watch(ctx context.Context, model, requestID string) <-chan fal.QueueUpdate {
	ch := make(chan fal.QueueUpdate)
	go func() {
		defer close(ch)
		<-q.release
		ch <- fal.QueueUpdate{RequestID: requestID, Status: fal.StatusFailed, Error: "released"}
	}()
	return ch
}
