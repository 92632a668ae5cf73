package domain

import "time"

// Topic groups events that share one delivery stream. No ordering holds
// between topics of the same room.
type Topic string

const (
	TopicRoom   Topic = "room"
	TopicPlayer Topic = "player"
	TopicAnswer Topic = "answer"
)

// EventType names a change notification.
type EventType string

const (
	EventRoomUpdated     EventType = "RoomUpdated"
	EventPlayerJoined    EventType = "PlayerJoined"
	EventPlayerLeft      EventType = "PlayerLeft"
	EventPlayerUpdated   EventType = "PlayerUpdated"
	EventAnswerSubmitted EventType = "AnswerSubmitted"
	EventAnswerScored    EventType = "AnswerScored"
)

// Event carries the full current row it describes, so a consumer can apply
// the latest event per row without knowing what it missed.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId"`
	Room   *Room     `json:"room,omitempty"`
	Player *Player   `json:"player,omitempty"`
	Answer *Answer   `json:"answer,omitempty"`
	At     time.Time `json:"at"`
}

// Topic returns the stream the event is delivered on.
func (e Event) Topic() Topic {
	switch e.Type {
	case EventPlayerJoined, EventPlayerLeft, EventPlayerUpdated:
		return TopicPlayer
	case EventAnswerSubmitted, EventAnswerScored:
		return TopicAnswer
	default:
		return TopicRoom
	}
}

func RoomUpdated(room Room, at time.Time) Event {
	return Event{Type: EventRoomUpdated, RoomID: room.ID, Room: &room, At: at}
}

func PlayerEvent(typ EventType, player Player, at time.Time) Event {
	return Event{Type: typ, RoomID: player.RoomID, Player: &player, At: at}
}

func AnswerEvent(typ EventType, answer Answer, at time.Time) Event {
	return Event{Type: typ, RoomID: answer.RoomID, Answer: &answer, At: at}
}
