package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"majority-vote-service/internal/domain"
)

const uniqueViolation = "23505"

const (
	roomColumns   = `id, name, status, current_question_index, host_player_id, created_at`
	playerColumns = `id, room_id, nickname, is_host, score, joined_at`
	answerColumns = `id, room_id, question_id, player_id, answer, prediction, comment,
		is_correct_prediction, points_earned, is_late_answer, created_at`
)

// Store implements app.Store on Postgres. Uniqueness and conditional
// transitions are enforced by the database, so several service instances can
// share one schema.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) CreateRoom(ctx context.Context, room domain.Room, host domain.Player, questions []domain.Question) error {
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rooms (id, name, status, current_question_index, host_player_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			room.ID, room.Name, string(room.Status), room.CurrentQuestionIndex, room.HostPlayerID, room.CreatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO players (room_id, id, nickname, is_host, score, joined_at) VALUES ($1, $2, $3, TRUE, 0, $4)`,
			room.ID, host.ID, host.Nickname, host.JoinedAt,
		); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, q := range questions {
			batch.Queue(
				`INSERT INTO questions (id, room_id, text, choice_a, choice_b, order_index) VALUES ($1, $2, $3, $4, $5, $6)`,
				q.ID, room.ID, q.Text, q.ChoiceA, q.ChoiceB, q.OrderIndex,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapError(err, "create room")
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, mapError(err, "get room")
}

func (s *Store) LoadQuestions(ctx context.Context, roomID string) ([]domain.Question, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, text, choice_a, choice_b, order_index FROM questions WHERE room_id = $1 ORDER BY order_index`,
		roomID,
	)
	if err != nil {
		return nil, mapError(err, "load questions")
	}
	defer rows.Close()

	questions := make([]domain.Question, 0)
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.RoomID, &q.Text, &q.ChoiceA, &q.ChoiceB, &q.OrderIndex); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, mapError(rows.Err(), "load questions")
}

func (s *Store) GetPlayer(ctx context.Context, roomID, playerID string) (domain.Player, error) {
	p, err := scanPlayer(s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE room_id = $1 AND id = $2`, roomID, playerID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, roomErr := s.GetRoom(ctx, roomID); roomErr != nil {
			return domain.Player{}, roomErr
		}
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return p, mapError(err, "get player")
}

func (s *Store) ListPlayers(ctx context.Context, roomID string) ([]domain.Player, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return listPlayers(ctx, s.pool, roomID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func listPlayers(ctx context.Context, q querier, roomID string) ([]domain.Player, error) {
	rows, err := q.Query(ctx,
		`SELECT `+playerColumns+` FROM players WHERE room_id = $1 ORDER BY score DESC, joined_at ASC, join_seq ASC`,
		roomID,
	)
	if err != nil {
		return nil, mapError(err, "list players")
	}
	defer rows.Close()

	players := make([]domain.Player, 0)
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, mapError(rows.Err(), "list players")
}

func (s *Store) AddPlayer(ctx context.Context, player domain.Player) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (room_id, id, nickname, is_host, score, joined_at) VALUES ($1, $2, $3, $4, 0, $5)`,
		player.RoomID, player.ID, player.Nickname, player.IsHost, player.JoinedAt,
	)
	return mapError(err, "add player")
}

func (s *Store) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM players WHERE room_id = $1 AND id = $2`, roomID, playerID)
	if err != nil {
		return mapError(err, "remove player")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// AddAnswer holds a share lock on the room row while inserting, so a reveal
// committed by another instance either sees the answer or makes this fail
// with domain.ErrStaleState.
func (s *Store) AddAnswer(ctx context.Context, a domain.Answer, expected domain.RoomState) error {
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var locked int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM rooms WHERE id = $1 AND status = $2 AND current_question_index = $3 FOR SHARE`,
			a.RoomID, string(expected.Status), expected.CurrentQuestionIndex,
		).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := s.GetRoom(ctx, a.RoomID); err != nil {
				return err
			}
			return domain.ErrStaleState
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO answers (id, room_id, question_id, player_id, answer, prediction, comment,
				is_correct_prediction, points_earned, is_late_answer, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			a.ID, a.RoomID, a.QuestionID, a.PlayerID, a.Answer, a.Prediction, a.Comment,
			a.IsCorrectPrediction, a.PointsEarned, a.IsLateAnswer, a.CreatedAt,
		)
		return err
	})
	return mapError(err, "add answer")
}

func (s *Store) ListAnswers(ctx context.Context, roomID, questionID string) ([]domain.Answer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE room_id = $1 AND question_id = $2 ORDER BY submit_seq`,
		roomID, questionID,
	)
	if err != nil {
		return nil, mapError(err, "list answers")
	}
	defer rows.Close()

	answers := make([]domain.Answer, 0)
	for rows.Next() {
		var a domain.Answer
		if err := rows.Scan(&a.ID, &a.RoomID, &a.QuestionID, &a.PlayerID, &a.Answer, &a.Prediction, &a.Comment,
			&a.IsCorrectPrediction, &a.PointsEarned, &a.IsLateAnswer, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, mapError(rows.Err(), "list answers")
}

func (s *Store) TransitionRoom(ctx context.Context, roomID string, from, to domain.RoomState) (domain.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx,
		`UPDATE rooms SET status = $4, current_question_index = $5
		 WHERE id = $1 AND status = $2 AND current_question_index = $3
		 RETURNING `+roomColumns,
		roomID, string(from.Status), from.CurrentQuestionIndex, string(to.Status), to.CurrentQuestionIndex,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, s.staleState(ctx, roomID)
	}
	return room, mapError(err, "transition room")
}

func (s *Store) CommitReveal(ctx context.Context, roomID string, from domain.RoomState, questionID string, scored []domain.Answer) (domain.Room, []domain.Player, error) {
	var (
		room    domain.Room
		players []domain.Player
	)
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		room, err = scanRoom(tx.QueryRow(ctx,
			`UPDATE rooms SET status = $4
			 WHERE id = $1 AND status = $2 AND current_question_index = $3
			 RETURNING `+roomColumns,
			roomID, string(from.Status), from.CurrentQuestionIndex, string(domain.StatusShowingResult),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.staleState(ctx, roomID)
		}
		if err != nil {
			return err
		}

		// The room row is locked now; any answer inserted before the lock
		// must be among the scored ones.
		ids := make([]string, 0, len(scored))
		for _, a := range scored {
			ids = append(ids, a.ID)
		}
		var missed int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM answers
			 WHERE room_id = $1 AND question_id = $2 AND NOT is_late_answer
			   AND points_earned = 0 AND NOT is_correct_prediction AND NOT (id = ANY($3))`,
			roomID, questionID, ids,
		).Scan(&missed); err != nil {
			return err
		}
		if missed > 0 {
			return domain.ErrStaleState
		}

		if len(scored) > 0 {
			batch := &pgx.Batch{}
			for _, a := range scored {
				batch.Queue(
					`UPDATE answers SET is_correct_prediction = $2, points_earned = $3
					 WHERE id = $1 AND points_earned = 0 AND NOT is_correct_prediction AND NOT is_late_answer`,
					a.ID, a.IsCorrectPrediction, a.PointsEarned,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE players p SET score = COALESCE(
				(SELECT SUM(a.points_earned) FROM answers a WHERE a.room_id = p.room_id AND a.player_id = p.id), 0)
			 WHERE p.room_id = $1`,
			roomID,
		); err != nil {
			return err
		}

		players, err = listPlayers(ctx, tx, roomID)
		return err
	})
	if err != nil {
		return domain.Room{}, nil, mapError(err, "commit reveal")
	}
	return room, players, nil
}

// staleState explains why a conditional update matched no row.
func (s *Store) staleState(ctx context.Context, roomID string) error {
	current, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: room moved to %s", domain.ErrInvalidState, current.Status)
}

func scanRoom(row rowScanner) (domain.Room, error) {
	var (
		r      domain.Room
		status string
	)
	if err := row.Scan(&r.ID, &r.Name, &status, &r.CurrentQuestionIndex, &r.HostPlayerID, &r.CreatedAt); err != nil {
		return domain.Room{}, err
	}
	r.Status = domain.RoomStatus(status)
	return r, nil
}

func scanPlayer(row rowScanner) (domain.Player, error) {
	var p domain.Player
	err := row.Scan(&p.ID, &p.RoomID, &p.Nickname, &p.IsHost, &p.Score, &p.JoinedAt)
	return p, err
}

// mapError translates driver errors into domain errors. Domain errors pass through.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{domain.ErrNotFound, domain.ErrInvalidState, domain.ErrConflict} {
		if errors.Is(err, known) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
