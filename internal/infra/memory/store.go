package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"majority-vote-service/internal/domain"
	"majority-vote-service/internal/scoring"
)

// Store is an in-memory implementation of app.Store. A single mutex guards
// all rooms, which makes every method atomic.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomData
}

type roomData struct {
	room      domain.Room
	questions []domain.Question
	players   []domain.Player
	answers   []domain.Answer
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*roomData)}
}

func (s *Store) CreateRoom(_ context.Context, room domain.Room, host domain.Player, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("%w: room %s already exists", domain.ErrConflict, room.ID)
	}
	seen := make(map[int]struct{}, len(questions))
	for _, q := range questions {
		if _, dup := seen[q.OrderIndex]; dup {
			return fmt.Errorf("%w: duplicate question order %d", domain.ErrConflict, q.OrderIndex)
		}
		seen[q.OrderIndex] = struct{}{}
	}
	qs := append([]domain.Question(nil), questions...)
	sort.Slice(qs, func(i, j int) bool { return qs[i].OrderIndex < qs[j].OrderIndex })
	s.rooms[room.ID] = &roomData{room: room, questions: qs, players: []domain.Player{host}}
	return nil
}

func (s *Store) GetRoom(_ context.Context, roomID string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return data.room, nil
}

// LoadQuestions also makes Store a QuestionLoader for the cache.
func (s *Store) LoadQuestions(_ context.Context, roomID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return append([]domain.Question(nil), data.questions...), nil
}

func (s *Store) GetPlayer(_ context.Context, roomID, playerID string) (domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return domain.Player{}, domain.ErrRoomNotFound
	}
	for _, p := range data.players {
		if p.ID == playerID {
			return p, nil
		}
	}
	return domain.Player{}, domain.ErrPlayerNotFound
}

func (s *Store) ListPlayers(_ context.Context, roomID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return sortedPlayers(data.players), nil
}

func (s *Store) AddPlayer(_ context.Context, player domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.rooms[player.RoomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	for _, p := range data.players {
		if p.ID == player.ID {
			return fmt.Errorf("%w: player %s already in room", domain.ErrConflict, player.ID)
		}
	}
	data.players = append(data.players, player)
	return nil
}

func (s *Store) RemovePlayer(_ context.Context, roomID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	for i, p := range data.players {
		if p.ID != playerID {
			continue
		}
		data.players = append(data.players[:i], data.players[i+1:]...)
		kept := data.answers[:0]
		for _, a := range data.answers {
			if a.PlayerID != playerID {
				kept = append(kept, a)
			}
		}
		data.answers = kept
		return nil
	}
	return domain.ErrPlayerNotFound
}

func (s *Store) AddAnswer(_ context.Context, answer domain.Answer, expected domain.RoomState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.rooms[answer.RoomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if data.room.State() != expected {
		return domain.ErrStaleState
	}
	for _, a := range data.answers {
		if a.QuestionID == answer.QuestionID && a.PlayerID == answer.PlayerID {
			return fmt.Errorf("%w: player %s already answered question %s", domain.ErrConflict, answer.PlayerID, answer.QuestionID)
		}
	}
	data.answers = append(data.answers, answer)
	return nil
}

func (s *Store) ListAnswers(_ context.Context, roomID, questionID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	out := make([]domain.Answer, 0)
	for _, a := range data.answers {
		if a.QuestionID == questionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) TransitionRoom(_ context.Context, roomID string, from, to domain.RoomState) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if data.room.State() != from {
		return domain.Room{}, fmt.Errorf("%w: room moved to %s", domain.ErrInvalidState, data.room.Status)
	}
	data.room.Status = to.Status
	data.room.CurrentQuestionIndex = to.CurrentQuestionIndex
	return data.room, nil
}

func (s *Store) CommitReveal(_ context.Context, roomID string, from domain.RoomState, questionID string, scored []domain.Answer) (domain.Room, []domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.rooms[roomID]
	if !ok {
		return domain.Room{}, nil, domain.ErrRoomNotFound
	}
	if data.room.State() != from || from.Status != domain.StatusAnswering {
		return domain.Room{}, nil, fmt.Errorf("%w: room moved to %s", domain.ErrInvalidState, data.room.Status)
	}

	byID := make(map[string]domain.Answer, len(scored))
	for _, a := range scored {
		byID[a.ID] = a
	}
	for _, a := range data.answers {
		if _, ok := byID[a.ID]; !ok && a.QuestionID == questionID && !a.IsLateAnswer && a.Unscored() {
			return domain.Room{}, nil, domain.ErrStaleState
		}
	}
	for i, a := range data.answers {
		if sa, ok := byID[a.ID]; ok && a.Unscored() {
			data.answers[i].IsCorrectPrediction = sa.IsCorrectPrediction
			data.answers[i].PointsEarned = sa.PointsEarned
		}
	}

	totals := scoring.Totals(data.players, data.answers)
	for i := range data.players {
		data.players[i].Score = totals[data.players[i].ID]
	}
	data.room.Status = domain.StatusShowingResult
	return data.room, sortedPlayers(data.players), nil
}

func sortedPlayers(players []domain.Player) []domain.Player {
	out := append([]domain.Player(nil), players...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
