package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Update is published per provider queue transition; Done marks the final
// message for a job (completed or failed).
type Update struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Error         string `json:"error,omitempty"`
	Done          bool   `json:"done,omitempty"`
}

func channelKey(jobID uuid.UUID) string {
	return "gen:" + jobID.String()
}

// The final update is also kept under a short-lived key so subscribers that
// attach after a job finished still learn its outcome.
const finalTTL = 10 * time.Minute

func finalKey(jobID uuid.UUID) string {
	return "gen:final:" + jobID.String()
}

// Publisher publishes job updates to Redis (worker-side)
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(redisURL string) (*Publisher, error) {
	u := redisURL
	if u != "" && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		u = "redis://" + u
	}
	opt, err := redis.ParseURL(u)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Publisher{rdb: rdb}, nil
}

func (p *Publisher) Publish(ctx context.Context, jobID uuid.UUID, u Update) error {
	if p == nil || p.rdb == nil {
		return nil
	}
	b, _ := json.Marshal(u)
	if u.Done {
		_ = p.rdb.Set(ctx, finalKey(jobID), b, finalTTL).Err()
	}
	return p.rdb.Publish(ctx, channelKey(jobID), string(b)).Err()
}

func (p *Publisher) Close() error {
	if p != nil && p.rdb != nil {
		return p.rdb.Close()
	}
	return nil
}

// Subscriber receives job updates from Redis (API-side)
type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(redisURL string) (*Subscriber, error) {
	u := redisURL
	if u != "" && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		u = "redis://" + u
	}
	opt, err := redis.ParseURL(u)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Subscriber{rdb: rdb}, nil
}

// Subscribe delivers updates for jobID to onUpdate until the final message
// arrives or ctx is canceled.
func (s *Subscriber) Subscribe(ctx context.Context, jobID uuid.UUID, onUpdate func(Update)) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	pubsub := s.rdb.Subscribe(ctx, channelKey(jobID))
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u Update
			if json.Unmarshal([]byte(msg.Payload), &u) == nil {
				onUpdate(u)
				if u.Done {
					return nil
				}
			}
		}
	}
}

// Final reports the stored final update for a job that already finished.
func (s *Subscriber) Final(ctx context.Context, jobID uuid.UUID) (Update, bool) {
	if s == nil || s.rdb == nil {
		return Update{}, false
	}
	b, err := s.rdb.Get(ctx, finalKey(jobID)).Bytes()
	if err != nil {
		return Update{}, false
	}
	var u Update
	if json.Unmarshal(b, &u) != nil {
		return Update{}, false
	}
	return u, true
}

func (s *Subscriber) Close() error {
	if s != nil && s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
