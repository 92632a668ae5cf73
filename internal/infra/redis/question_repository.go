package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"majority-vote-service/internal/domain"
	"majority-vote-service/internal/infra/memory"
)

// QuestionRepository caches each room's question set in Redis as one JSON
// value under room:{roomID}:questions and falls back to a loader on cache miss.
type QuestionRepository struct {
	client *redis.Client
	loader memory.QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuestionRepository(client *redis.Client, loader memory.QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuestionRepository) Questions(ctx context.Context, roomID string) ([]domain.Question, error) {
	if qs, ok := r.cached(ctx, roomID); ok {
		return qs, nil
	}

	// The load is shared by every waiter, so one caller canceling must not fail the rest.
	loadCtx := context.WithoutCancel(ctx)
	result, err, _ := r.sf.Do(roomID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if qs, ok := r.cached(loadCtx, roomID); ok {
			return qs, nil
		}

		qs, err := r.loader.LoadQuestions(loadCtx, roomID)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(qs); err == nil {
			// best-effort; a failed write only costs a reload
			_ = r.client.Set(loadCtx, r.key(roomID), data, r.ttlWithJitter()).Err()
		}
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (r *QuestionRepository) cached(ctx context.Context, roomID string) ([]domain.Question, bool) {
	data, err := r.client.Get(ctx, r.key(roomID)).Bytes()
	if err != nil {
		return nil, false
	}
	var qs []domain.Question
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil, false
	}
	return qs, true
}

func (r *QuestionRepository) key(roomID string) string {
	return "room:" + roomID + ":questions"
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
