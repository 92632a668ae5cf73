package domain

import "time"

// RoomStatus is the lifecycle phase of a room.
type RoomStatus string

const (
	StatusWaiting       RoomStatus = "waiting"
	StatusAnswering     RoomStatus = "answering"
	StatusShowingResult RoomStatus = "showing_result"
	StatusFinished      RoomStatus = "finished"
)

// PointsPerCorrectPrediction is awarded once for each correct majority prediction.
const PointsPerCorrectPrediction = 10

// Room is one play session. Status and CurrentQuestionIndex change only through
// the room state machine.
type Room struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Status               RoomStatus `json:"status"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex"`
	HostPlayerID         string     `json:"hostPlayerId"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// State returns the mutable part of the room.
func (r Room) State() RoomState {
	return RoomState{Status: r.Status, CurrentQuestionIndex: r.CurrentQuestionIndex}
}

// RoomState is the pair owned by the state machine. Stores use it as the
// expected value for conditional transitions.
type RoomState struct {
	Status               RoomStatus `json:"status"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex"`
}

// Question is immutable after creation.
type Question struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	Text       string `json:"text"`
	ChoiceA    string `json:"choiceA"`
	ChoiceB    string `json:"choiceB"`
	OrderIndex int    `json:"orderIndex"`
}

// NewQuestion is the client input for a question when creating a room.
type NewQuestion struct {
	Text    string `json:"text"`
	ChoiceA string `json:"choiceA"`
	ChoiceB string `json:"choiceB"`
}

// Player is a member of a room. The same ID may appear in several rooms.
type Player struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"roomId"`
	Nickname string    `json:"nickname"`
	IsHost   bool      `json:"isHost"`
	Score    int       `json:"score"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Answer is one player's response to one question.
type Answer struct {
	ID                  string    `json:"id"`
	RoomID              string    `json:"roomId"`
	QuestionID          string    `json:"questionId"`
	PlayerID            string    `json:"playerId"`
	Answer              string    `json:"answer"`
	Prediction          *string   `json:"prediction,omitempty"`
	Comment             *string   `json:"comment,omitempty"`
	IsCorrectPrediction bool      `json:"isCorrectPrediction"`
	PointsEarned        int       `json:"pointsEarned"`
	IsLateAnswer        bool      `json:"isLateAnswer"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Unscored reports whether the scoring pass has not yet awarded this answer.
// An incorrect prediction stays in this state; re-scoring it is deterministic.
func (a Answer) Unscored() bool {
	return a.PointsEarned == 0 && !a.IsCorrectPrediction
}

// AnswerPayload models the submission signal from clients.
type AnswerPayload struct {
	Answer     string  `json:"answer"`
	Prediction *string `json:"prediction,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

// AnswerGroup is derived on demand and never stored.
type AnswerGroup struct {
	CanonicalAnswer string   `json:"canonicalAnswer"`
	Count           int      `json:"count"`
	Percentage      float64  `json:"percentage"`
	MemberPlayerIDs []string `json:"memberPlayerIds"`
	IsMajority      bool     `json:"isMajority"`
}

// LeaderboardEntry is a ranked view of a player.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
	IsHost   bool   `json:"isHost"`
}

// Leaderboard captures the ordered scoreboard for a room.
type Leaderboard struct {
	RoomID    string             `json:"roomId"`
	Status    RoomStatus         `json:"status"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Snapshot is the full state a client needs after (re)subscribing.
type Snapshot struct {
	Room           Room       `json:"room"`
	Questions      []Question `json:"questions"`
	Players        []Player   `json:"players"`
	CurrentAnswers []Answer   `json:"currentAnswers"`
}
