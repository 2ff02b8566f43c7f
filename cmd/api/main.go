package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/noelrohi/imahe/internal/api"
	"github.com/noelrohi/imahe/internal/billing"
	"github.com/noelrohi/imahe/internal/cache"
	"github.com/noelrohi/imahe/internal/config"
	"github.com/noelrohi/imahe/internal/fal"
	"github.com/noelrohi/imahe/internal/queue"
	"github.com/noelrohi/imahe/internal/storage"
	"github.com/noelrohi/imahe/internal/store"
	"github.com/noelrohi/imahe/internal/stream"
	"github.com/rs/cors"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.PGURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Printf("migrate (non-fatal): %v", err)
	}

	var redisOpt asynq.RedisConnOpt
	if parsed, err := asynq.ParseRedisURI(cfg.Redis); err == nil {
		redisOpt = parsed
	} else {
		// Fallback: host:port only (no auth)
		redisAddr := cfg.Redis
		if strings.HasPrefix(redisAddr, "rediss://") {
			redisAddr = strings.TrimPrefix(redisAddr, "rediss://")
		} else if strings.HasPrefix(redisAddr, "redis://") {
			redisAddr = strings.TrimPrefix(redisAddr, "redis://")
		}
		redisOpt = asynq.RedisClientOpt{Addr: redisAddr}
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	var streamPub *stream.Publisher
	var streamSub *stream.Subscriber
	if streamPub, _ = stream.NewPublisher(cfg.Redis); streamPub != nil {
		defer streamPub.Close()
		log.Print("stream: Redis Pub/Sub enabled for SSE")
	}
	if streamSub, _ = stream.NewSubscriber(cfg.Redis); streamSub != nil {
		defer streamSub.Close()
	}

	redisCache, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		log.Printf("cache: %v (gallery served uncached)", err)
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	falClient, err := fal.New(cfg.FalKey, cfg.FalQueueURL)
	if err != nil {
		log.Printf("fal client not configured (set FAL_KEY): %v", err)
		falClient = nil
	}

	var billingClient *billing.Client
	if cfg.BillingURL != "" {
		billingClient, err = billing.New(cfg.BillingURL, cfg.BillingToken)
		if err != nil {
			log.Printf("billing: %v (balance gate disabled)", err)
			billingClient = nil
		}
	} else {
		log.Print("billing not configured (set BILLING_URL); balance gate disabled")
	}

	s3Store, err := storage.NewS3(ctx, storage.S3Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		Bucket:        cfg.S3Bucket,
		Key:           cfg.S3AccessKey,
		Secret:        cfg.S3SecretKey,
		UseSSL:        cfg.S3UseSSL,
		PublicBaseURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Printf("s3/r2 storage: %v", err)
	} else if s3Store != nil {
		log.Print("s3/r2 storage configured (image mirror enabled)")
	}

	qHandlers := &queue.Handlers{
		DB: db, Fal: falClient, Billing: billingClient,
		Store: s3Store, Stream: streamPub, Cache: redisCache,
	}
	mux := asynq.NewServeMux()
	qHandlers.Register(mux)
	concurrency := cfg.AsynqConcurrency
	if concurrency < 1 {
		concurrency = 4
	}
	asynqSrv := asynq.NewServer(redisOpt, asynq.Config{Concurrency: concurrency})
	log.Printf("asynq worker: concurrency=%d", concurrency)
	go func() {
		if err := asynqSrv.Run(mux); err != nil {
			log.Printf("asynq: %v", err)
		}
	}()
	defer asynqSrv.Shutdown()

	var jwks *keyfunc.JWKS
	if cfg.AuthURL != "" {
		jwksURL := cfg.AuthURL + "/.well-known/jwks.json"
		var errJWKS error
		jwks, errJWKS = keyfunc.Get(jwksURL, keyfunc.Options{})
		if errJWKS != nil {
			log.Printf("auth JWKS: %v (auth will use legacy secret if set)", errJWKS)
			jwks = nil
		}
	}
	var streamer api.Streamer
	if streamSub != nil {
		streamer = streamSub
	}
	srv := api.NewServer(db, asynqClient, streamer, redisCache, billingClient, cfg.Redis, cfg.AuthJWTSecret, jwks)

	origins := []string{"*"}
	if cfg.CORSOrigins != "" {
		origins = strings.Split(cfg.CORSOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(srv.Routes())

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		log.Printf("api listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	_ = httpSrv.Shutdown(ctx)
}
