package app

import (
	"context"

	"majority-vote-service/internal/domain"
	"majority-vote-service/internal/scoring"
)

// Room returns the current room row.
func (s *GameService) Room(ctx context.Context, roomID string) (domain.Room, error) {
	return s.store.GetRoom(ctx, roomID)
}

// Questions returns the room's questions in order.
func (s *GameService) Questions(ctx context.Context, roomID string) ([]domain.Question, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.questions.Questions(ctx, roomID)
}

// Players returns the members ordered by score, then join time.
func (s *GameService) Players(ctx context.Context, roomID string) ([]domain.Player, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.store.ListPlayers(ctx, roomID)
}

// Answers returns the answers to one question in submission order.
func (s *GameService) Answers(ctx context.Context, roomID, questionID string) ([]domain.Answer, error) {
	if _, err := s.question(ctx, roomID, questionID); err != nil {
		return nil, err
	}
	return s.store.ListAnswers(ctx, roomID, questionID)
}

// AnswerGroups derives the majority grouping for one question. Late answers
// are included, so groups may shift after a reveal; awards never do.
func (s *GameService) AnswerGroups(ctx context.Context, roomID, questionID string) ([]domain.AnswerGroup, error) {
	q, err := s.question(ctx, roomID, questionID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.ListAnswers(ctx, roomID, questionID)
	if err != nil {
		return nil, err
	}
	groups := scoring.Groups(answers, q.ChoiceA, q.ChoiceB)
	if groups == nil {
		groups = []domain.AnswerGroup{}
	}
	return groups, nil
}

// Leaderboard ranks players by score. Tied scores share a rank.
func (s *GameService) Leaderboard(ctx context.Context, roomID string) (domain.Leaderboard, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return domain.Leaderboard{}, err
	}

	entries := make([]domain.LeaderboardEntry, 0, len(players))
	for i, p := range players {
		rank := i + 1
		if i > 0 && p.Score == players[i-1].Score {
			rank = entries[i-1].Rank
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:     rank,
			PlayerID: p.ID,
			Nickname: p.Nickname,
			Score:    p.Score,
			IsHost:   p.IsHost,
		})
	}
	return domain.Leaderboard{
		RoomID:    roomID,
		Status:    room.Status,
		Entries:   entries,
		UpdatedAt: s.now(),
	}, nil
}

// Snapshot returns everything a client needs to render the room, including the
// answers to the current question.
func (s *GameService) Snapshot(ctx context.Context, roomID string) (domain.Snapshot, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	questions, err := s.questions.Questions(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	current := []domain.Answer{}
	if room.Status != domain.StatusWaiting && room.CurrentQuestionIndex < len(questions) {
		current, err = s.store.ListAnswers(ctx, roomID, questions[room.CurrentQuestionIndex].ID)
		if err != nil {
			return domain.Snapshot{}, err
		}
	}
	return domain.Snapshot{Room: room, Questions: questions, Players: players, CurrentAnswers: current}, nil
}
