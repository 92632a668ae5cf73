package app_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"majority-vote-service/internal/app"
	"majority-vote-service/internal/domain"
	"majority-vote-service/internal/infra/memory"
)

func str(s string) *string { return &s }

func answer(value, prediction string) domain.AnswerPayload {
	return domain.AnswerPayload{Answer: value, Prediction: str(prediction)}
}

type fixture struct {
	service  *app.GameService
	sessions *memory.SessionStore
	room     domain.Room
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newFixture(t *testing.T, questions ...domain.NewQuestion) *fixture {
	t.Helper()
	if len(questions) == 0 {
		questions = []domain.NewQuestion{
			{Text: "Cats or dogs?", ChoiceA: "Cats", ChoiceB: "Dogs"},
			{Text: "Tea or coffee?", ChoiceA: "Tea", ChoiceB: "Coffee"},
		}
	}
	store := memory.NewStore()
	sessions := memory.NewSessionStore()
	t.Cleanup(sessions.CloseAll)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	service := app.NewGameService(sessions, store, memory.NewQuestionRepository(store, time.Minute), app.WithClock(clock.Now))

	room, _, err := service.CreateRoom(context.Background(), app.CreateRoomRequest{
		HostPlayerID: "host",
		HostNickname: "Hana",
		RoomName:     "Friday night",
		Questions:    questions,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return &fixture{service: service, sessions: sessions, room: room, clock: clock}
}

func (f *fixture) join(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := f.service.JoinRoom(context.Background(), f.room.ID, id, "nick-"+id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
}

func (f *fixture) questions(t *testing.T) []domain.Question {
	t.Helper()
	qs, err := f.service.Questions(context.Background(), f.room.ID)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	return qs
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)
	if f.room.Status != domain.StatusWaiting || f.room.CurrentQuestionIndex != 0 || f.room.HostPlayerID != "host" {
		t.Fatalf("unexpected room %+v", f.room)
	}

	_, _, err := f.service.CreateRoom(context.Background(), app.CreateRoomRequest{HostNickname: "Hana", RoomName: "Empty"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without questions, got %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1")

	if _, err := f.service.RevealResults(ctx, f.room.ID, "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("reveal while waiting: expected invalid state, got %v", err)
	}
	if _, err := f.service.StartGame(ctx, f.room.ID, "p1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("start by non-host: expected forbidden, got %v", err)
	}

	room, err := f.service.StartGame(ctx, f.room.ID, "host")
	if err != nil || room.Status != domain.StatusAnswering || room.CurrentQuestionIndex != 0 {
		t.Fatalf("start: %+v %v", room, err)
	}
	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double start: expected invalid state, got %v", err)
	}
	if _, err := f.service.AdvanceOrFinish(ctx, f.room.ID, "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("advance while answering: expected invalid state, got %v", err)
	}

	steps := []struct {
		do     func(context.Context, string, string) (domain.Room, error)
		status domain.RoomStatus
		index  int
	}{
		{f.service.RevealResults, domain.StatusShowingResult, 0},
		{f.service.AdvanceOrFinish, domain.StatusAnswering, 1},
		{f.service.RevealResults, domain.StatusShowingResult, 1},
		{f.service.AdvanceOrFinish, domain.StatusFinished, 1},
	}
	for i, step := range steps {
		room, err := step.do(ctx, f.room.ID, "host")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if room.Status != step.status || room.CurrentQuestionIndex != step.index {
			t.Fatalf("step %d: got %s/%d, want %s/%d", i, room.Status, room.CurrentQuestionIndex, step.status, step.index)
		}
	}

	if _, err := f.service.AdvanceOrFinish(ctx, f.room.ID, "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("advance after finish: expected invalid state, got %v", err)
	}
	if _, err := f.service.JoinRoom(ctx, f.room.ID, "late", "Late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("join finished room: expected invalid state, got %v", err)
	}
}

func TestUnknownRoom(t *testing.T) {
	f := newFixture(t)
	if _, err := f.service.StartGame(context.Background(), "nope", "host"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	if _, err := f.service.Subscribe(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on subscribe, got %v", err)
	}
}

func TestNonHostCannotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1")

	before, err := f.service.Snapshot(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, action := range []func(context.Context, string, string) (domain.Room, error){
		f.service.StartGame, f.service.RevealResults, f.service.AdvanceOrFinish,
	} {
		if _, err := action(ctx, f.room.ID, "p1"); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	}
	after, err := f.service.Snapshot(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed:\n%+v\n%+v", before, after)
	}
}

func TestConcurrentSubmissionsKeepOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1")
	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	q := f.questions(t)[0]

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.SubmitAnswer(ctx, f.room.ID, "p1", q.ID, answer(fmt.Sprintf("answer-%d", i), "A"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}
	answers, err := f.service.Answers(ctx, f.room.ID, q.ID)
	if err != nil || len(answers) != 1 {
		t.Fatalf("expected one stored answer, got %d (%v)", len(answers), err)
	}
}

func TestSubmitAnswerWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1", "p2")
	qs := f.questions(t)

	if _, err := f.service.SubmitAnswer(ctx, f.room.ID, "p1", qs[0].ID, answer("A", "A")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("answer before start: expected invalid state, got %v", err)
	}
	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, f.room.ID, "p1", qs[1].ID, answer("A", "A")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("answer to future question: expected invalid state, got %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, f.room.ID, "stranger", qs[0].ID, answer("A", "A")); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("answer by non-member: expected player not found, got %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, f.room.ID, "p1", qs[0].ID, domain.AnswerPayload{Answer: "A"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("answer without prediction: expected validation error, got %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, f.room.ID, "p1", qs[0].ID, answer("A", "A")); err != nil {
		t.Fatalf("on-time answer: %v", err)
	}
	if _, err := f.service.RevealResults(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	late, err := f.service.SubmitAnswer(ctx, f.room.ID, "p2", qs[0].ID, answer("B", "B"))
	if err != nil {
		t.Fatalf("late answer: %v", err)
	}
	if !late.IsLateAnswer || late.Prediction != nil || late.PointsEarned != 0 {
		t.Fatalf("expected late answer without prediction, got %+v", late)
	}

	groups, err := f.service.AnswerGroups(ctx, f.room.ID, qs[0].ID)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected late answer included in groups, got %+v", groups)
	}
}

func TestFullGameScoring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1", "p2")
	qs := f.questions(t)

	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Round 1: Cats wins 2-1.
	submit(t, f, "host", qs[0].ID, answer("A", "A"))
	submit(t, f, "p1", qs[0].ID, answer("A", "Dogs"))
	submit(t, f, "p2", qs[0].ID, answer("B", "Cats"))
	if _, err := f.service.RevealResults(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("reveal 1: %v", err)
	}

	groups, err := f.service.AnswerGroups(ctx, f.room.ID, qs[0].ID)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if groups[0].CanonicalAnswer != "Cats" || groups[0].Count != 2 || !groups[0].IsMajority {
		t.Fatalf("unexpected groups %+v", groups)
	}

	if _, err := f.service.AdvanceOrFinish(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// Round 2: everyone picks Coffee.
	submit(t, f, "host", qs[1].ID, answer("B", "Tea"))
	submit(t, f, "p1", qs[1].ID, answer("Coffee", "B"))
	submit(t, f, "p2", qs[1].ID, answer("B", "offee"))
	if _, err := f.service.RevealResults(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("reveal 2: %v", err)
	}
	if _, err := f.service.AdvanceOrFinish(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	lb, err := f.service.Leaderboard(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if lb.Status != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", lb.Status)
	}
	got := make([]string, 0, len(lb.Entries))
	for _, e := range lb.Entries {
		got = append(got, fmt.Sprintf("%d:%s:%d", e.Rank, e.PlayerID, e.Score))
	}
	// p2 scores twice; host and p1 tie at 10 and keep join order.
	want := []string{"1:p2:20", "2:host:10", "2:p1:10"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("leaderboard = %v, want %v", got, want)
	}

	// Totals are the sum of points over answers.
	for _, p := range []string{"host", "p1", "p2"} {
		sum := 0
		for _, q := range qs {
			answers, _ := f.service.Answers(ctx, f.room.ID, q.ID)
			for _, a := range answers {
				if a.PlayerID == p {
					sum += a.PointsEarned
				}
			}
		}
		for _, e := range lb.Entries {
			if e.PlayerID == p && e.Score != sum {
				t.Fatalf("player %s score %d, answers sum %d", p, e.Score, sum)
			}
		}
	}
}

func TestRevealIsNotRepeatable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1")
	qs := f.questions(t)

	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	submit(t, f, "p1", qs[0].ID, answer("A", "A"))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.RevealResults(ctx, f.room.ID, "host")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one reveal, got %d", succeeded)
	}
	players, _ := f.service.Players(ctx, f.room.ID)
	if players[0].ID != "p1" || players[0].Score != 10 {
		t.Fatalf("expected single award, got %+v", players)
	}
}

func TestJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1")

	again, err := f.service.JoinRoom(ctx, f.room.ID, "p1", "other name")
	if err != nil || again.Nickname != "nick-p1" {
		t.Fatalf("rejoin should return existing membership, got %+v %v", again, err)
	}
	if err := f.service.LeaveRoom(ctx, f.room.ID, "host"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("host leave: expected forbidden, got %v", err)
	}
	if err := f.service.LeaveRoom(ctx, f.room.ID, "p1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	players, _ := f.service.Players(ctx, f.room.ID)
	if len(players) != 1 {
		t.Fatalf("expected only host left, got %+v", players)
	}

	f.join(t, "p2")
	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.service.LeaveRoom(ctx, f.room.ID, "p2"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("leave after start: expected invalid state, got %v", err)
	}
}

func TestSubscriptionReceivesEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, err := f.service.Subscribe(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	f.join(t, "p1")
	expectEvent(t, sub.Players, domain.EventPlayerJoined)

	if _, err := f.service.StartGame(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := expectEvent(t, sub.Rooms, domain.EventRoomUpdated)
	if ev.Room == nil || ev.Room.Status != domain.StatusAnswering {
		t.Fatalf("expected answering room in event, got %+v", ev.Room)
	}

	q := f.questions(t)[0]
	submit(t, f, "p1", q.ID, answer("A", "A"))
	expectEvent(t, sub.Answers, domain.EventAnswerSubmitted)

	if _, err := f.service.RevealResults(ctx, f.room.ID, "host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	scored := expectEvent(t, sub.Answers, domain.EventAnswerScored)
	if scored.Answer.PointsEarned != 10 {
		t.Fatalf("expected scored answer in event, got %+v", scored.Answer)
	}
	updated := expectEvent(t, sub.Players, domain.EventPlayerUpdated)
	if updated.Player.ID != "p1" || updated.Player.Score != 10 {
		t.Fatalf("expected p1 score update, got %+v", updated.Player)
	}
	expectEvent(t, sub.Rooms, domain.EventRoomUpdated)
}

func TestSlowSubscriberKeepsNewest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub, err := f.service.Subscribe(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	for i := 0; i < 100; i++ {
		f.join(t, fmt.Sprintf("p%03d", i))
	}

	var last domain.Event
	for {
		select {
		case ev := <-sub.Players:
			last = ev
			continue
		default:
		}
		break
	}
	if last.Player == nil || last.Player.ID != "p099" {
		t.Fatalf("expected newest event retained, got %+v", last.Player)
	}
}

func TestReapIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "p1")

	sub, err := f.service.Subscribe(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := f.service.ReapIdle(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("subscribed room must not be reaped, reaped %d", n)
	}
	sub.Cancel()
	if n := f.service.ReapIdle(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected idle room reaped, reaped %d", n)
	}
	if _, ok := f.sessions.Get(f.room.ID); ok {
		t.Fatalf("expected session gone")
	}

	// Durable state survives the coordinator.
	room, err := f.service.StartGame(ctx, f.room.ID, "host")
	if err != nil || room.Status != domain.StatusAnswering {
		t.Fatalf("start after reap: %+v %v", room, err)
	}
}

func submit(t *testing.T, f *fixture, playerID, questionID string, payload domain.AnswerPayload) {
	t.Helper()
	if _, err := f.service.SubmitAnswer(context.Background(), f.room.ID, playerID, questionID, payload); err != nil {
		t.Fatalf("submit %s: %v", playerID, err)
	}
}

func expectEvent(t *testing.T, ch <-chan domain.Event, typ domain.EventType) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed waiting for %s", typ)
		}
		if ev.Type != typ {
			t.Fatalf("expected %s, got %s", typ, ev.Type)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", typ)
	}
	return domain.Event{}
}
