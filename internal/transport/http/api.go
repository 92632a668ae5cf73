package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"majority-vote-service/internal/app"
	"majority-vote-service/internal/domain"
)

// playerHeader identifies the caller on host actions, answers and leaving.
const playerHeader = "X-Player-ID"

// API exposes the room use cases as JSON over HTTP.
type API struct {
	service *app.GameService
	logger  *slog.Logger
}

func NewAPI(service *app.GameService, logger *slog.Logger) *API {
	return &API{service: service, logger: logger}
}

func (a *API) routes(r chi.Router) {
	r.Post("/rooms", a.handleCreateRoom)
	r.Route("/rooms/{roomID}", func(r chi.Router) {
		r.Get("/", a.handleSnapshot)
		r.Get("/questions", a.handleQuestions)
		r.Get("/questions/{questionID}/answers", a.handleAnswers)
		r.Get("/questions/{questionID}/groups", a.handleGroups)
		r.Get("/players", a.handlePlayers)
		r.Get("/leaderboard", a.handleLeaderboard)

		r.Post("/players", a.handleJoin)
		r.Delete("/players/{playerID}", a.handleLeave)
		r.Post("/answers", a.handleSubmitAnswer)
		r.Post("/start", a.handleAction(a.service.StartGame))
		r.Post("/reveal", a.handleAction(a.service.RevealResults))
		r.Post("/advance", a.handleAction(a.service.AdvanceOrFinish))
	})
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req app.CreateRoomRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON")
		return
	}
	room, host, err := a.service.CreateRoom(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"room": room, "host": host})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.Snapshot(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := a.service.Questions(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (a *API) handleAnswers(w http.ResponseWriter, r *http.Request) {
	answers, err := a.service.Answers(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "questionID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.service.AnswerGroups(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "questionID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (a *API) handlePlayers(w http.ResponseWriter, r *http.Request) {
	players, err := a.service.Players(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, players)
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := a.service.Leaderboard(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

type joinRequest struct {
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON")
		return
	}
	player, err := a.service.JoinRoom(r.Context(), chi.URLParam(r, "roomID"), req.PlayerID, req.Nickname)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, player)
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	if caller := r.Header.Get(playerHeader); caller != playerID {
		writeError(w, http.StatusForbidden, "forbidden", "players can only remove themselves")
		return
	}
	if err := a.service.LeaveRoom(r.Context(), chi.URLParam(r, "roomID"), playerID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitAnswerRequest struct {
	QuestionID string `json:"questionId"`
	domain.AnswerPayload
}

func (a *API) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON")
		return
	}
	playerID := r.Header.Get(playerHeader)
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "validation", playerHeader+" header required")
		return
	}
	answer, err := a.service.SubmitAnswer(r.Context(), chi.URLParam(r, "roomID"), playerID, req.QuestionID, req.AnswerPayload)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, answer)
}

// handleAction serves the host-only transitions.
func (a *API) handleAction(action func(ctx context.Context, roomID, actorID string) (domain.Room, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := action(r.Context(), chi.URLParam(r, "roomID"), r.Header.Get(playerHeader))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := classify(err); status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeServiceError(w, err)
}
