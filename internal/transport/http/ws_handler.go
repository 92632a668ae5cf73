package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"majority-vote-service/internal/app"
	"majority-vote-service/internal/domain"
)

type WSHandler struct {
	service  *app.GameService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.GameService, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Nickname string `json:"nickname"`
}

type answerPayload struct {
	QuestionID string `json:"questionId"`
	domain.AnswerPayload
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ServeWS upgrades HTTP requests to websockets. The connection subscribes to
// the room before sending a snapshot, so no change can fall between the two;
// after that it streams room, player and answer events and accepts commands
// on behalf of playerId.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	playerID := r.URL.Query().Get("playerId")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing roomId")
		return
	}

	ctx := r.Context()
	sub, err := h.service.Subscribe(ctx, roomID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer sub.Cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "room_id", roomID, "error", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		// unblocks the read loop once writes fail
		defer conn.Close()
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write error", "room_id", roomID, "error", err)
				return
			}
		}
	}()

	push := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-writerDone:
		}
	}

	if err := h.sendSnapshot(ctx, roomID, push); err != nil {
		push(errorMessage(err))
		close(send)
		<-writerDone
		return
	}

	go func() {
		defer close(eventsDone)
		// A closed stream means the room coordinator went away; drop the
		// client so it reconnects and resyncs.
		defer conn.Close()
		rooms, players, answers := sub.Rooms, sub.Players, sub.Answers
		for {
			var (
				ev domain.Event
				ok bool
			)
			select {
			case ev, ok = <-rooms:
			case ev, ok = <-players:
			case ev, ok = <-answers:
			case <-closeSignals:
				return
			}
			if !ok {
				return
			}
			select {
			case send <- outboundMessage{Type: string(ev.Topic()), Payload: ev}:
			case <-writerDone:
				return
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if reply, ok := h.handle(ctx, roomID, playerID, inbound, push); ok {
			push(reply)
		}
	}

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}

// handle runs one client command and returns the direct reply, if any.
func (h *WSHandler) handle(ctx context.Context, roomID, playerID string, in inboundMessage, push func(outboundMessage)) (outboundMessage, bool) {
	if in.Type == "resync" {
		if err := h.sendSnapshot(ctx, roomID, push); err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{}, false
	}
	if playerID == "" {
		return errorMessage(fmt.Errorf("%w: playerId is required", domain.ErrValidation)), true
	}

	switch in.Type {
	case "join":
		var payload joinPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return invalidPayload(in.Type), true
		}
		player, err := h.service.JoinRoom(ctx, roomID, playerID, payload.Nickname)
		if err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{Type: "joined", Payload: player}, true

	case "leave":
		if err := h.service.LeaveRoom(ctx, roomID, playerID); err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{Type: "left", Payload: map[string]string{"playerId": playerID}}, true

	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return invalidPayload(in.Type), true
		}
		answer, err := h.service.SubmitAnswer(ctx, roomID, playerID, payload.QuestionID, payload.AnswerPayload)
		if err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{Type: "answerAccepted", Payload: answer}, true

	case "start", "reveal", "advance":
		var action func(context.Context, string, string) (domain.Room, error)
		switch in.Type {
		case "start":
			action = h.service.StartGame
		case "reveal":
			action = h.service.RevealResults
		default:
			action = h.service.AdvanceOrFinish
		}
		if _, err := action(ctx, roomID, playerID); err != nil {
			return errorMessage(err), true
		}
		// The new room state arrives on the room stream.
		return outboundMessage{}, false

	default:
		return outboundMessage{Type: "error", Payload: errorBody{Code: "validation", Message: "unsupported message type"}}, true
	}
}

func (h *WSHandler) sendSnapshot(ctx context.Context, roomID string, push func(outboundMessage)) error {
	snap, err := h.service.Snapshot(ctx, roomID)
	if err != nil {
		return err
	}
	push(outboundMessage{Type: "snapshot", Payload: snap})
	return nil
}

func errorMessage(err error) outboundMessage {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return outboundMessage{Type: "error", Payload: errorBody{Code: code, Message: msg}}
}

func invalidPayload(typ string) outboundMessage {
	return outboundMessage{Type: "error", Payload: errorBody{Code: "validation", Message: "invalid " + typ + " payload"}}
}
