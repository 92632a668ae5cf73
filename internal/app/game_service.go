package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"majority-vote-service/internal/domain"
	"majority-vote-service/internal/scoring"
)

// Store is the durable relational state behind rooms. Implementations enforce
// uniqueness of (questionID, playerID) answers and (roomID, orderIndex)
// questions, and apply transitions only if the room is still in the expected state.
type Store interface {
	CreateRoom(ctx context.Context, room domain.Room, host domain.Player, questions []domain.Question) error
	GetRoom(ctx context.Context, roomID string) (domain.Room, error)
	LoadQuestions(ctx context.Context, roomID string) ([]domain.Question, error)

	GetPlayer(ctx context.Context, roomID, playerID string) (domain.Player, error)
	// ListPlayers orders by score desc, then join time asc.
	ListPlayers(ctx context.Context, roomID string) ([]domain.Player, error)
	AddPlayer(ctx context.Context, player domain.Player) error
	RemovePlayer(ctx context.Context, roomID, playerID string) error

	// AddAnswer stores the answer only while the room is still in expected,
	// returning domain.ErrStaleState otherwise, and domain.ErrConflict if the
	// player already answered the question.
	AddAnswer(ctx context.Context, answer domain.Answer, expected domain.RoomState) error
	// ListAnswers returns the answers for one question in submission order.
	ListAnswers(ctx context.Context, roomID, questionID string) ([]domain.Answer, error)

	// TransitionRoom moves the room from one state to another, failing with
	// domain.ErrInvalidState if it is no longer in from.
	TransitionRoom(ctx context.Context, roomID string, from, to domain.RoomState) (domain.Room, error)
	// CommitReveal atomically writes the scored answers (only where still
	// unscored), recomputes every player's total, and moves the room to
	// showing_result. It returns the updated room and players. If the question
	// holds an on-time unscored answer missing from scored, nothing is written
	// and domain.ErrStaleState is returned.
	CommitReveal(ctx context.Context, roomID string, from domain.RoomState, questionID string, scored []domain.Answer) (domain.Room, []domain.Player, error)
}

// QuestionRepository loads question sets (through a cache where available).
type QuestionRepository interface {
	Questions(ctx context.Context, roomID string) ([]domain.Question, error)
}

// SessionRepository tracks the live coordinator of each room (in-memory, Redis, etc).
type SessionRepository interface {
	GetOrCreate(roomID string) *Session
	Get(roomID string) (*Session, bool)
	DeleteIfIdle(roomID string, cutoff time.Time) bool
	RoomIDs() []string
}

// EventPublisher forwards events beyond this process. Failures are logged, never fatal.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// maxStaleRetries bounds how often a write is re-judged after another
// instance changed the room first.
const maxStaleRetries = 3

// CreateRoomRequest carries everything needed to set up a room.
type CreateRoomRequest struct {
	HostPlayerID string               `json:"hostPlayerId"`
	HostNickname string               `json:"hostNickname"`
	RoomName     string               `json:"roomName"`
	Questions    []domain.NewQuestion `json:"questions"`
}

// GameService contains the room use cases.
type GameService struct {
	sessions  SessionRepository
	store     Store
	questions QuestionRepository
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option customizes a GameService.
type Option func(*GameService)

func WithPublisher(p EventPublisher) Option { return func(s *GameService) { s.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(s *GameService) { s.logger = l } }

// WithClock is test-only for deterministic timestamps.
func WithClock(now func() time.Time) Option { return func(s *GameService) { s.now = now } }

func NewGameService(sessions SessionRepository, store Store, questions QuestionRepository, opts ...Option) *GameService {
	s := &GameService{
		sessions:  sessions,
		store:     store,
		questions: questions,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSession is exported for infrastructure layers that keep sessions.
func NewSession() *Session {
	return newSession()
}

// CreateRoom sets up a waiting room with its question set and host player.
func (s *GameService) CreateRoom(ctx context.Context, req CreateRoomRequest) (domain.Room, domain.Player, error) {
	if strings.TrimSpace(req.HostNickname) == "" {
		return domain.Room{}, domain.Player{}, fmt.Errorf("%w: host nickname is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.RoomName) == "" {
		return domain.Room{}, domain.Player{}, fmt.Errorf("%w: room name is required", domain.ErrValidation)
	}
	if len(req.Questions) == 0 {
		return domain.Room{}, domain.Player{}, fmt.Errorf("%w: at least one question is required", domain.ErrValidation)
	}

	hostID := req.HostPlayerID
	if hostID == "" {
		hostID = s.newID()
	}
	now := s.now()
	room := domain.Room{
		ID:           s.newID(),
		Name:         req.RoomName,
		Status:       domain.StatusWaiting,
		HostPlayerID: hostID,
		CreatedAt:    now,
	}
	host := domain.Player{ID: hostID, RoomID: room.ID, Nickname: req.HostNickname, IsHost: true, JoinedAt: now}

	questions := make([]domain.Question, 0, len(req.Questions))
	for i, q := range req.Questions {
		if strings.TrimSpace(q.Text) == "" {
			return domain.Room{}, domain.Player{}, fmt.Errorf("%w: question %d has no text", domain.ErrValidation, i)
		}
		questions = append(questions, domain.Question{
			ID:         s.newID(),
			RoomID:     room.ID,
			Text:       q.Text,
			ChoiceA:    q.ChoiceA,
			ChoiceB:    q.ChoiceB,
			OrderIndex: i,
		})
	}

	if err := s.store.CreateRoom(ctx, room, host, questions); err != nil {
		return domain.Room{}, domain.Player{}, err
	}
	s.logger.Info("room created", "room_id", room.ID, "host_id", hostID, "questions", len(questions))
	return room, host, nil
}

// JoinRoom registers a participant. Joining again returns the existing membership.
func (s *GameService) JoinRoom(ctx context.Context, roomID, playerID, nickname string) (domain.Player, error) {
	if playerID == "" {
		return domain.Player{}, fmt.Errorf("%w: player id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(nickname) == "" {
		return domain.Player{}, fmt.Errorf("%w: nickname is required", domain.ErrValidation)
	}

	var joined domain.Player
	err := s.withRoom(ctx, roomID, func(ctx context.Context, session *Session) error {
		room, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		existing, err := s.store.GetPlayer(ctx, roomID, playerID)
		if err == nil {
			joined = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if room.Status == domain.StatusFinished {
			return fmt.Errorf("%w: room has finished", domain.ErrInvalidState)
		}

		joined = domain.Player{ID: playerID, RoomID: roomID, Nickname: nickname, JoinedAt: s.now()}
		if err := s.store.AddPlayer(ctx, joined); err != nil {
			return err
		}
		s.emit(ctx, session, domain.PlayerEvent(domain.EventPlayerJoined, joined, s.now()))
		return nil
	})
	return joined, err
}

// LeaveRoom removes a participant before the game starts. The host cannot leave.
func (s *GameService) LeaveRoom(ctx context.Context, roomID, playerID string) error {
	return s.withRoom(ctx, roomID, func(ctx context.Context, session *Session) error {
		room, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		player, err := s.store.GetPlayer(ctx, roomID, playerID)
		if err != nil {
			return err
		}
		if player.IsHost {
			return fmt.Errorf("%w: the host cannot leave the room", domain.ErrForbidden)
		}
		if room.Status != domain.StatusWaiting {
			return fmt.Errorf("%w: players can only leave before the game starts", domain.ErrInvalidState)
		}
		if err := s.store.RemovePlayer(ctx, roomID, playerID); err != nil {
			return err
		}
		s.emit(ctx, session, domain.PlayerEvent(domain.EventPlayerLeft, player, s.now()))
		return nil
	})
}

// SubmitAnswer records a player's answer. Answers to a closed round are stored
// as late answers without a prediction and are never scored.
func (s *GameService) SubmitAnswer(ctx context.Context, roomID, playerID, questionID string, payload domain.AnswerPayload) (domain.Answer, error) {
	if strings.TrimSpace(payload.Answer) == "" {
		return domain.Answer{}, fmt.Errorf("%w: answer is required", domain.ErrValidation)
	}

	var saved domain.Answer
	err := s.withRoom(ctx, roomID, func(ctx context.Context, session *Session) error {
		if _, err := s.store.GetPlayer(ctx, roomID, playerID); err != nil {
			return err
		}
		question, err := s.question(ctx, roomID, questionID)
		if err != nil {
			return err
		}

		// Another instance may move the room between the window check and the
		// insert; the store then refuses and the window is judged again.
		for attempt := 0; ; attempt++ {
			saved, err = s.recordAnswer(ctx, roomID, playerID, question, payload)
			if errors.Is(err, domain.ErrStaleState) && attempt < maxStaleRetries {
				continue
			}
			if err != nil {
				return err
			}
			break
		}
		s.emit(ctx, session, domain.AnswerEvent(domain.EventAnswerSubmitted, saved, s.now()))
		return nil
	})
	return saved, err
}

func (s *GameService) recordAnswer(ctx context.Context, roomID, playerID string, question domain.Question, payload domain.AnswerPayload) (domain.Answer, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Answer{}, err
	}
	late, err := answerWindow(room, question)
	if err != nil {
		return domain.Answer{}, err
	}

	prediction := payload.Prediction
	if late {
		prediction = nil
	} else if prediction == nil || strings.TrimSpace(*prediction) == "" {
		return domain.Answer{}, fmt.Errorf("%w: prediction is required", domain.ErrValidation)
	}

	answer := domain.Answer{
		ID:           s.newID(),
		RoomID:       roomID,
		QuestionID:   question.ID,
		PlayerID:     playerID,
		Answer:       payload.Answer,
		Prediction:   prediction,
		Comment:      payload.Comment,
		IsLateAnswer: late,
		CreatedAt:    s.now(),
	}
	if err := s.store.AddAnswer(ctx, answer, room.State()); err != nil {
		return domain.Answer{}, err
	}
	return answer, nil
}

// StartGame moves a waiting room to answering its first question.
func (s *GameService) StartGame(ctx context.Context, roomID, actorID string) (domain.Room, error) {
	return s.transition(ctx, roomID, actorID, ActionStart)
}

// AdvanceOrFinish opens the next question, or finishes the room after the last one.
func (s *GameService) AdvanceOrFinish(ctx context.Context, roomID, actorID string) (domain.Room, error) {
	return s.transition(ctx, roomID, actorID, ActionAdvance)
}

// RevealResults closes the current round: it scores every pending prediction
// and shows results in one commit, so no caller observes a half-applied reveal.
func (s *GameService) RevealResults(ctx context.Context, roomID, actorID string) (domain.Room, error) {
	var revealed domain.Room
	err := s.withRoom(ctx, roomID, func(ctx context.Context, session *Session) error {
		var (
			r   reveal
			err error
		)
		// An answer stored by another instance after scoring makes the commit
		// stale; score again with it included.
		for attempt := 0; ; attempt++ {
			r, err = s.scoreRound(ctx, roomID, actorID)
			if errors.Is(err, domain.ErrStaleState) && attempt < maxStaleRetries {
				continue
			}
			if err != nil {
				return err
			}
			break
		}
		revealed = r.room

		now := s.now()
		events := make([]domain.Event, 0, len(r.result.Scored)+len(r.players)+1)
		for _, a := range r.result.Correct() {
			events = append(events, domain.AnswerEvent(domain.EventAnswerScored, a, now))
		}
		previous := make(map[string]int, len(r.before))
		for _, p := range r.before {
			previous[p.ID] = p.Score
		}
		for _, p := range r.players {
			if prev, ok := previous[p.ID]; !ok || prev != p.Score {
				events = append(events, domain.PlayerEvent(domain.EventPlayerUpdated, p, now))
			}
		}
		events = append(events, domain.RoomUpdated(r.room, now))
		s.emit(ctx, session, events...)

		s.logger.Info("results revealed",
			"room_id", roomID,
			"question_index", r.room.CurrentQuestionIndex,
			"answers", r.answers,
			"majority", r.result.MajorityLabel,
			"correct", len(r.result.Correct()),
		)
		return nil
	})
	return revealed, err
}

type reveal struct {
	room    domain.Room
	before  []domain.Player
	players []domain.Player
	answers int
	result  scoring.Result
}

func (s *GameService) scoreRound(ctx context.Context, roomID, actorID string) (reveal, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return reveal{}, err
	}
	questions, err := s.questions.Questions(ctx, roomID)
	if err != nil {
		return reveal{}, err
	}
	if _, err := nextState(room, actorID, ActionReveal, len(questions), 1); err != nil {
		return reveal{}, err
	}
	if room.CurrentQuestionIndex >= len(questions) {
		return reveal{}, fmt.Errorf("%w: no question at index %d", domain.ErrInvalidState, room.CurrentQuestionIndex)
	}
	question := questions[room.CurrentQuestionIndex]

	before, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return reveal{}, err
	}
	answers, err := s.store.ListAnswers(ctx, roomID, question.ID)
	if err != nil {
		return reveal{}, err
	}
	result := scoring.Score(answers, question.ChoiceA, question.ChoiceB)

	updated, players, err := s.store.CommitReveal(ctx, roomID, room.State(), question.ID, result.Scored)
	if err != nil {
		return reveal{}, err
	}
	return reveal{room: updated, before: before, players: players, answers: len(answers), result: result}, nil
}

func (s *GameService) transition(ctx context.Context, roomID, actorID string, action Action) (domain.Room, error) {
	var moved domain.Room
	err := s.withRoom(ctx, roomID, func(ctx context.Context, session *Session) error {
		room, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		questions, err := s.questions.Questions(ctx, roomID)
		if err != nil {
			return err
		}
		players, err := s.store.ListPlayers(ctx, roomID)
		if err != nil {
			return err
		}
		next, err := nextState(room, actorID, action, len(questions), len(players))
		if err != nil {
			return err
		}
		moved, err = s.store.TransitionRoom(ctx, roomID, room.State(), next)
		if err != nil {
			return err
		}
		s.emit(ctx, session, domain.RoomUpdated(moved, s.now()))
		s.logger.Info("room transition",
			"room_id", roomID,
			"action", string(action),
			"status", string(moved.Status),
			"question_index", moved.CurrentQuestionIndex,
		)
		return nil
	})
	return moved, err
}

// Subscribe returns the room's event streams. The caller must Cancel the
// subscription and should fetch a Snapshot right after subscribing.
func (s *GameService) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		sub, err := s.sessions.GetOrCreate(roomID).subscribe()
		if errors.Is(err, errSessionClosed) && attempt < 3 {
			continue
		}
		return sub, err
	}
}

// Relay delivers an event that originated in another process to local subscribers.
func (s *GameService) Relay(event domain.Event) {
	if session, ok := s.sessions.Get(event.RoomID); ok {
		session.broadcast(event)
	}
}

// ReapIdle stops the coordinators of rooms without subscribers or activity since cutoff.
func (s *GameService) ReapIdle(cutoff time.Time) int {
	reaped := 0
	for _, id := range s.sessions.RoomIDs() {
		if s.sessions.DeleteIfIdle(id, cutoff) {
			reaped++
		}
	}
	return reaped
}

// RunReaper calls ReapIdle periodically until ctx is done.
func (s *GameService) RunReaper(ctx context.Context, idle time.Duration) error {
	if idle <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.ReapIdle(s.now().Add(-idle)); n > 0 {
				s.logger.Debug("reaped idle rooms", "count", n)
			}
		}
	}
}

// withRoom serializes fn with every other mutation of the room.
func (s *GameService) withRoom(ctx context.Context, roomID string, fn func(ctx context.Context, session *Session) error) error {
	if roomID == "" {
		return domain.ErrRoomNotFound
	}
	for attempt := 0; ; attempt++ {
		err := s.sessions.GetOrCreate(roomID).do(ctx, fn)
		// The reaper may close a session between lookup and use; a fresh one
		// picks up from the store.
		if errors.Is(err, errSessionClosed) && attempt < 3 {
			continue
		}
		return err
	}
}

func (s *GameService) emit(ctx context.Context, session *Session, events ...domain.Event) {
	session.broadcast(events...)
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish event failed", "room_id", ev.RoomID, "type", string(ev.Type), "error", err)
		}
	}
}

func (s *GameService) question(ctx context.Context, roomID, questionID string) (domain.Question, error) {
	questions, err := s.questions.Questions(ctx, roomID)
	if err != nil {
		return domain.Question{}, err
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return domain.Question{}, domain.ErrQuestionNotFound
}
