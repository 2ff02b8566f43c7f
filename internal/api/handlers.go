package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/noelrohi/imahe/internal/billing"
	"github.com/noelrohi/imahe/internal/cache"
	"github.com/noelrohi/imahe/internal/generate"
	"github.com/noelrohi/imahe/internal/imageref"
	"github.com/noelrohi/imahe/internal/middleware"
	"github.com/noelrohi/imahe/internal/models"
	"github.com/noelrohi/imahe/internal/queue"
	"github.com/noelrohi/imahe/internal/store"
	"github.com/noelrohi/imahe/internal/stream"
	"github.com/redis/go-redis/v9"
)

// Store is the subset of the database the API touches.
type Store interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, id uuid.UUID, email string) error
	UserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	UpdateUserPlan(ctx context.Context, id uuid.UUID, plan string) error
	ListGenerationsByUser(ctx context.Context, userID uuid.UUID, offset, limit int) ([]store.Generation, error)
	InsertGenerations(ctx context.Context, userID uuid.UUID, requestID string, images []store.GenerationImage, prompt *string) error
}

// Streamer delivers worker job updates to the API side.
type Streamer interface {
	Subscribe(ctx context.Context, jobID uuid.UUID, onUpdate func(stream.Update)) error
	Final(ctx context.Context, jobID uuid.UUID) (stream.Update, bool)
}

type Server struct {
	DB      Store
	Asynq   *asynq.Client
	Stream  Streamer
	Cache   *cache.Redis
	Billing *billing.Client

	redisURL      string
	authJWTSecret string
	jwks          *keyfunc.JWKS
}

// NewServer builds the API server.
func NewServer(db Store, asynqClient *asynq.Client, streamSub Streamer, cacheR *cache.Redis, billingC *billing.Client, redisURL, authJWTSecret string, jwks *keyfunc.JWKS) *Server {
	return &Server{
		DB: db, Asynq: asynqClient, Stream: streamSub, Cache: cacheR, Billing: billingC,
		redisURL: redisURL, authJWTSecret: authJWTSecret, jwks: jwks,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Get("/health/ready", s.healthReady)

	// Public, rate-limited by IP (no auth = no UserID)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(60))
		r.Get("/api/models", s.listModels)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SessionAuth(s.authJWTSecret, s.jwks, s.DB))
		r.Use(middleware.RateLimit(300)) // SSE reconnects + gallery polling
		r.Get("/me", s.me)
		r.Post("/upload", s.upload)
		r.Get("/generations", s.listGenerations)
		r.Post("/generations", s.createGenerations)
		r.Post("/generate", s.submitGenerate)
		r.Get("/generate/{id}/events", s.generateEventsSSE)
		r.Get("/billing/state", s.billingState)
		r.Get("/billing/portal", s.billingPortal)
		r.Get("/billing/checkout", s.billingCheckout)
	})
	return r
}

// invalidateGenerationsCache clears every cached paging window of the
// user's gallery.
func (s *Server) invalidateGenerationsCache(ctx context.Context, userID uuid.UUID) {
	if s.Cache == nil {
		return
	}
	_ = s.Cache.DeleteByPrefix(ctx, cache.GenerationsKey(userID))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		log.Printf("health/ready: db ping: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "database unavailable"})
		return
	}

	if s.redisURL != "" {
		u := s.redisURL
		if !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
			u = "redis://" + u
		}
		opt, err := redis.ParseURL(u)
		if err != nil {
			log.Printf("health/ready: redis parse: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "redis config invalid"})
			return
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("health/ready: redis ping: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "redis unavailable"})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(map[string]interface{}{"models": models.All()})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	user, err := s.DB.UserByID(r.Context(), userID)
	if err != nil || user == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// upload turns an image file into the canonical self-contained reference the
// submit endpoint accepts, so clients need no separate storage step.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, imageref.MaxFileSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"file required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()
	contentType := header.Header.Get("Content-Type")
	var ref imageref.Resolver
	if err := ref.SetFile(file, contentType, nil); err != nil {
		if errors.Is(err, imageref.ErrFileTooLarge) {
			http.Error(w, `{"error":"file too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error":"invalid file"}`, http.StatusBadRequest)
		return
	}
	image, err := ref.Reference()
	if err != nil {
		http.Error(w, `{"error":"invalid file"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"image": image})
}

func (s *Server) listGenerations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	offset := 0
	if limit > 0 {
		offset = (page - 1) * limit
	}
	ctx := r.Context()
	cacheKey := cache.GenerationsKey(userID) + ":" + strconv.Itoa(offset) + ":" + strconv.Itoa(limit)
	if s.Cache != nil {
		if b, _ := s.Cache.Get(ctx, cacheKey); len(b) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Write(b)
			return
		}
	}
	list, err := s.DB.ListGenerationsByUser(ctx, userID, offset, limit)
	if err != nil {
		http.Error(w, `{"error":"list generations"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.Generation{}
	}
	out := map[string]interface{}{"generations": list}
	b, err := json.Marshal(out)
	if err != nil {
		http.Error(w, `{"error":"list generations"}`, http.StatusInternalServerError)
		return
	}
	if s.Cache != nil {
		_ = s.Cache.Set(ctx, cacheKey, b)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// createGenerations records completed images directly (the mutation used by
// clients that drive the provider queue themselves). The worker path persists
// through the same store call.
func (s *Server) createGenerations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req struct {
		RequestID string  `json:"request_id"`
		Prompt    *string `json:"prompt,omitempty"`
		Images    []struct {
			URL         string  `json:"url"`
			ContentType *string `json:"content_type,omitempty"`
			FileName    *string `json:"file_name,omitempty"`
			FileSize    *int    `json:"file_size,omitempty"`
			Width       *int    `json:"width,omitempty"`
			Height      *int    `json:"height,omitempty"`
		} `json:"images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.RequestID) == "" {
		http.Error(w, `{"error":"request_id required"}`, http.StatusBadRequest)
		return
	}
	rows := make([]store.GenerationImage, 0, len(req.Images))
	for _, img := range req.Images {
		if strings.TrimSpace(img.URL) == "" {
			http.Error(w, `{"error":"image url required"}`, http.StatusBadRequest)
			return
		}
		rows = append(rows, store.GenerationImage{
			URL:         img.URL,
			ContentType: img.ContentType,
			FileName:    img.FileName,
			FileSize:    img.FileSize,
			Width:       img.Width,
			Height:      img.Height,
		})
	}
	if len(rows) == 0 {
		http.Error(w, `{"error":"at least one image required"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt != nil && strings.TrimSpace(*req.Prompt) == "" {
		req.Prompt = nil
	}
	ctx := r.Context()
	if err := s.DB.InsertGenerations(ctx, userID, strings.TrimSpace(req.RequestID), rows, req.Prompt); err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			http.Error(w, `{"error":"request already recorded"}`, http.StatusConflict)
			return
		}
		log.Printf("api: insert generations %s: %v", req.RequestID, err)
		http.Error(w, `{"error":"Failed to generate image"}`, http.StatusInternalServerError)
		return
	}
	s.invalidateGenerationsCache(ctx, userID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request_id": strings.TrimSpace(req.RequestID),
		"count":      len(rows),
	})
}

// submitGenerate validates and balance-gates a submission, then hands it to
// the worker. A refused submission never reaches the queue.
func (s *Server) submitGenerate(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var req struct {
		Image  string `json:"image"`
		Model  string `json:"model"`
		Prompt string `json:"prompt,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if _, _, err := generate.Validate(generate.Request{ImageRef: req.Image, ModelKey: req.Model, Prompt: req.Prompt}); err != nil {
		switch {
		case errors.Is(err, generate.ErrEmptyImage):
			http.Error(w, `{"error":"image required"}`, http.StatusBadRequest)
		case errors.Is(err, generate.ErrUnknownModel):
			http.Error(w, `{"error":"unknown model"}`, http.StatusBadRequest)
		default:
			http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		}
		return
	}
	ctx := r.Context()
	if s.Billing != nil {
		st, err := s.Billing.CustomerState(ctx, userID.String())
		if err != nil {
			log.Printf("api: customer state %s: %v", userID, err)
			st = nil // fail open, see billing.Gate
		}
		if d := billing.Gate(st); !d.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]string{"error": "insufficient balance", "action": d.Action})
			return
		}
	}
	jobID := uuid.New()
	task, err := queue.NewGenerateTask(queue.GeneratePayload{
		JobID:    jobID,
		UserID:   userID,
		ModelKey: req.Model,
		ImageRef: req.Image,
		Prompt:   req.Prompt,
	})
	if err != nil {
		http.Error(w, `{"error":"create task"}`, http.StatusInternalServerError)
		return
	}
	if _, err := s.Asynq.Enqueue(task); err != nil {
		log.Printf("api: enqueue job %s: %v", jobID, err)
		http.Error(w, `{"error":"enqueue"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID.String()})
}

// generateEventsSSE relays worker progress for one job over SSE. The relay
// ends at the first final message (completed or failed) or on disconnect.
// Jobs that finished before the client attached are answered from the
// stored final update.
func (s *Server) generateEventsSSE(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if _, ok := middleware.UserID(r.Context()); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.Stream == nil {
		http.Error(w, "streaming unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	send := func(u stream.Update) {
		b, _ := json.Marshal(u)
		w.Write([]byte("data: " + string(b) + "\n\n"))
		flusher.Flush()
	}
	if u, ok := s.Stream.Final(ctx, jobID); ok {
		send(u)
		return
	}
	ch := make(chan stream.Update, 64)
	go func() {
		_ = s.Stream.Subscribe(ctx, jobID, func(u stream.Update) {
			select {
			case ch <- u:
			case <-ctx.Done():
			}
		})
		close(ch)
	}()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			send(u)
			if u.Done {
				return
			}
		case <-ticker.C:
			// Covers a final message published between the first check and
			// the subscription becoming active.
			if u, ok := s.Stream.Final(ctx, jobID); ok {
				send(u)
				return
			}
			w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) billingState(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if s.Billing == nil {
		http.Error(w, `{"error":"billing not configured"}`, http.StatusServiceUnavailable)
		return
	}
	st, err := s.Billing.CustomerState(r.Context(), userID.String())
	if err != nil {
		log.Printf("api: billing state %s: %v", userID, err)
		http.Error(w, `{"error":"billing unavailable"}`, http.StatusBadGateway)
		return
	}
	// Keep users.plan in step with the provider; best effort only.
	if st != nil && st.Plan != "" && s.DB != nil {
		if err := s.DB.UpdateUserPlan(r.Context(), userID, st.Plan); err != nil {
			log.Printf("api: sync plan %s: %v", userID, err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"state": st, "gate": billing.Gate(st)})
}

func (s *Server) billingPortal(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if s.Billing == nil {
		http.Error(w, `{"error":"billing not configured"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": s.Billing.PortalURL(userID.String())})
}

func (s *Server) billingCheckout(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if s.Billing == nil {
		http.Error(w, `{"error":"billing not configured"}`, http.StatusServiceUnavailable)
		return
	}
	product := strings.TrimSpace(r.URL.Query().Get("product"))
	if product == "" {
		http.Error(w, `{"error":"product required"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": s.Billing.CheckoutURL(userID.String(), product)})
}
