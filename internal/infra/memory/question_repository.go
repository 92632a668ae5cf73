package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"majority-vote-service/internal/domain"
)

// QuestionLoader fetches a room's questions from the backing store.
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, roomID string) ([]domain.Question, error)
}

// QuestionRepository caches question sets with TTL. Questions never change
// after a room is created, so a stale entry is never wrong.
type QuestionRepository struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedQuestions
}

type cachedQuestions struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionRepository(loader QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuestions),
	}
}

func (r *QuestionRepository) Questions(ctx context.Context, roomID string) ([]domain.Question, error) {
	if qs, ok := r.cached(roomID); ok {
		return qs, nil
	}

	// Waiters share this load; it outlives any one caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	result, err, _ := r.sf.Do(roomID, func() (interface{}, error) {
		if qs, ok := r.cached(roomID); ok {
			return qs, nil
		}
		qs, err := r.loader.LoadQuestions(loadCtx, roomID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[roomID] = cachedQuestions{questions: qs, expiresAt: r.clock().Add(r.ttlWithJitter())}
		r.mu.Unlock()
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]domain.Question(nil), result.([]domain.Question)...), nil
}

func (r *QuestionRepository) cached(roomID string) ([]domain.Question, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[roomID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return nil, false
	}
	return append([]domain.Question(nil), entry.questions...), true
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
