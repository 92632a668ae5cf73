package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"majority-vote-service/internal/app"
	"majority-vote-service/internal/domain"
	"majority-vote-service/internal/infra/postgres"
	pgmigrations "majority-vote-service/internal/infra/postgres/migrations"
	infraredis "majority-vote-service/internal/infra/redis"
)

func TestGameEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateSchema(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	// Two instances share the database and relay events over Redis.
	first, firstSessions := newInstance(store, redisClient)
	defer firstSessions.CloseAll()
	second, secondSessions := newInstance(store, redisClient)
	defer secondSessions.CloseAll()

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	listener, err := second.bus.Listen(relayCtx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = listener.Run(relayCtx, second.service.Relay) }()

	room, _, err := first.service.CreateRoom(ctx, app.CreateRoomRequest{
		HostPlayerID: "host",
		HostNickname: "Hana",
		RoomName:     "Integration",
		Questions: []domain.NewQuestion{
			{Text: "Cats or dogs?", ChoiceA: "Cats", ChoiceB: "Dogs"},
			{Text: "Tea or coffee?", ChoiceA: "Tea", ChoiceB: "Coffee"},
		},
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	remote, err := second.service.Subscribe(ctx, room.ID)
	if err != nil {
		t.Fatalf("subscribe on second instance: %v", err)
	}
	defer remote.Cancel()

	for _, id := range []string{"p1", "p2"} {
		if _, err := first.service.JoinRoom(ctx, room.ID, id, "nick-"+id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if _, err := first.service.StartGame(ctx, room.ID, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, remote.Rooms, func(ev domain.Event) bool {
		return ev.Room != nil && ev.Room.Status == domain.StatusAnswering
	})

	qs, err := first.service.Questions(ctx, room.ID)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}

	// Concurrent duplicates across instances: the unique constraint keeps one.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	for i := 0; i < 6; i++ {
		svc := first.service
		if i%2 == 1 {
			svc = second.service
		}
		wg.Add(1)
		go func(svc *app.GameService) {
			defer wg.Done()
			_, err := svc.SubmitAnswer(ctx, room.ID, "p1", qs[0].ID, domain.AnswerPayload{Answer: "A", Prediction: str("A")})
			if errors.Is(err, domain.ErrConflict) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			} else if err != nil {
				t.Errorf("submit: %v", err)
			}
		}(svc)
	}
	wg.Wait()
	if conflicts != 5 {
		t.Fatalf("expected 5 conflicts, got %d", conflicts)
	}

	if _, err := second.service.SubmitAnswer(ctx, room.ID, "p2", qs[0].ID, domain.AnswerPayload{Answer: "B", Prediction: str("Cats")}); err != nil {
		t.Fatalf("submit p2: %v", err)
	}
	if _, err := first.service.SubmitAnswer(ctx, room.ID, "host", qs[0].ID, domain.AnswerPayload{Answer: "Cats", Prediction: str("Dogs")}); err != nil {
		t.Fatalf("submit host: %v", err)
	}

	if _, err := second.service.RevealResults(ctx, room.ID, "host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if _, err := first.service.RevealResults(ctx, room.ID, "host"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second reveal from another instance: expected invalid state, got %v", err)
	}

	late, err := first.service.SubmitAnswer(ctx, room.ID, "p2", qs[0].ID, domain.AnswerPayload{Answer: "A", Prediction: str("A")})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for repeated answer after reveal, got %+v %v", late, err)
	}

	lb, err := first.service.Leaderboard(ctx, room.ID)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	got := make([]string, 0, len(lb.Entries))
	for _, e := range lb.Entries {
		got = append(got, fmt.Sprintf("%s:%d", e.PlayerID, e.Score))
	}
	if strings.Join(got, ",") != "p1:10,p2:10,host:0" {
		t.Fatalf("unexpected leaderboard %v", got)
	}

	if _, err := first.service.AdvanceOrFinish(ctx, room.ID, "host"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	snap, err := second.service.Snapshot(ctx, room.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Room.Status != domain.StatusAnswering || snap.Room.CurrentQuestionIndex != 1 || len(snap.CurrentAnswers) != 0 {
		t.Fatalf("unexpected snapshot room %+v answers %d", snap.Room, len(snap.CurrentAnswers))
	}
}

type instance struct {
	service *app.GameService
	bus     *infraredis.EventBus
}

func newInstance(store *postgres.Store, client *goredis.Client) (instance, *infraredis.SessionStore) {
	sessions := infraredis.NewSessionStore(client, 5*time.Minute)
	questions := infraredis.NewQuestionRepository(client, store, 5*time.Minute)
	bus := infraredis.NewEventBus(client, nil)
	service := app.NewGameService(sessions, store, questions, app.WithPublisher(bus))
	return instance{service: service, bus: bus}, sessions
}

func waitFor(t *testing.T, ch <-chan domain.Event, match func(domain.Event) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed")
			}
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for relayed event")
		}
	}
}

func str(s string) *string { return &s }

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "vote", "POSTGRES_PASSWORD": "votepass", "POSTGRES_DB": "votedb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://vote:votepass@%s:%s/votedb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
