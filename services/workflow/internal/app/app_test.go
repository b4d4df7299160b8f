package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"battledecks/internal/util"
	"battledecks/pkg/ai"
	"battledecks/pkg/domain"
	"battledecks/pkg/queue"
	"battledecks/pkg/storage"
	"battledecks/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type failingRunner struct{}

func (failingRunner) Run(context.Context, string, ai.Params, ai.Gateway) (*ai.Response, error) {
	return nil, errors.New("inference unavailable")
}

// countingRunner wraps the stub runner, counting calls and the peak number
// of calls in flight.
type countingRunner struct {
	next  ai.Runner
	delay time.Duration

	mu       sync.Mutex
	calls    int
	inflight int
	peak     int
}

func (c *countingRunner) Run(ctx context.Context, model string, params ai.Params, gw ai.Gateway) (*ai.Response, error) {
	c.mu.Lock()
	c.calls++
	c.inflight++
	if c.inflight > c.peak {
		c.peak = c.inflight
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.next.Run(ctx, model, params, gw)
}

func (c *countingRunner) stats() (calls, peak int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.peak
}

func newTestApp(t *testing.T, runner ai.Runner, maxRetries int) (*App, *store.MemoryStore) {
	t.Helper()
	a, st, _ := newTestAppWithQueue(t, runner, queue.Config{MaxRetries: maxRetries})
	return a, st
}

func newTestAppWithQueue(t *testing.T, runner ai.Runner, qcfg queue.Config) (*App, *store.MemoryStore, *redis.Client) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	qcfg.Addr = redisSrv.Addr()
	qcfg.Stream = "test:workflow"
	qcfg.Group = "workers"
	qcfg.Block = 50 * time.Millisecond
	qcfg.RetryDelay = time.Millisecond
	q, err := queue.New(qcfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	st := store.NewMemoryStore()
	a, err := New(Config{
		Store:         st,
		Objects:       storage.NewMemoryStore(),
		Runner:        runner,
		Queue:         q,
		StorageDomain: "https://cdn.example.com",
		BatchSize:     5,
		StepTimeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return a, st, client
}

func seedDeck(t *testing.T, st store.Store, deckID string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := st.SaveDeck(ctx, domain.Deck{ID: deckID, Email: "u@example.com", Name: "deck"}); err != nil {
		t.Fatalf("save deck: %v", err)
	}
	slides := make([]domain.Slide, 0, n)
	for i := 0; i < n; i++ {
		slides = append(slides, domain.Slide{
			ID:      fmt.Sprintf("%s-%d", deckID, i),
			DeckID:  deckID,
			Order:   i,
			Caption: fmt.Sprintf("a slide about topic %d", i),
		})
	}
	if err := st.SaveSlides(ctx, slides); err != nil {
		t.Fatalf("save slides: %v", err)
	}
}

func waitForStatus(t *testing.T, a *App, id string, want domain.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last domain.RunStatus
	for time.Now().Before(deadline) {
		resp, err := a.Workflow(context.Background(), WorkflowRequest{InstanceID: id})
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		last = resp.Status
		if last == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s status = %s, want %s", id, last, want)
}

func TestWorkflowRunsDeckToCompletion(t *testing.T) {
	a, st := newTestApp(t, ai.NewStubRunner(ai.DefaultImageModel), 3)
	seedDeck(t, st, "deck-1", 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, err := a.Workflow(ctx, WorkflowRequest{DeckID: "deck-1", DeckType: domain.DeckTypeAI})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if resp.ID == "" || resp.Details == nil || resp.Details.Status != domain.RunQueued {
		t.Fatalf("unexpected start response: %+v", resp)
	}

	a.StartWorkers(ctx, 1)
	waitForStatus(t, a, resp.ID, domain.RunComplete)

	slides, _ := st.ListSlides(ctx, "deck-1")
	for _, sl := range slides {
		if sl.Status != domain.SlideCompleted || sl.ImageURL == "" {
			t.Fatalf("slide not completed: %+v", sl)
		}
	}
	deck, _, _ := st.GetDeck(ctx, "deck-1")
	if deck.Status != domain.DeckCompleted || deck.HeroImageURL != slides[0].ImageURL {
		t.Fatalf("unexpected deck: %+v", deck)
	}
	run, err := a.GetRun(ctx, resp.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Output.Completed != 7 || run.Step != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestWorkflowStatusQueryDoesNotStartRun(t *testing.T) {
	a, st := newTestApp(t, ai.NewStubRunner(""), 3)
	seedDeck(t, st, "deck-1", 1)
	ctx := context.Background()

	started, err := a.Workflow(ctx, WorkflowRequest{DeckID: "deck-1", DeckType: domain.DeckTypeAI})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := a.Workflow(ctx, WorkflowRequest{InstanceID: started.ID, DeckID: "deck-1", DeckType: domain.DeckTypeAI})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Status != domain.RunQueued || resp.ID != "" || resp.Details != nil {
		t.Fatalf("unexpected status response: %+v", resp)
	}
	runs, _ := a.ListRuns(ctx, "deck-1")
	if len(runs) != 1 {
		t.Fatalf("expected a single run, got %d", len(runs))
	}
}

func TestWorkflowRejectsInvalidRequests(t *testing.T) {
	a, st := newTestApp(t, ai.NewStubRunner(""), 3)
	seedDeck(t, st, "deck-1", 1)
	ctx := context.Background()

	cases := []struct {
		name string
		req  WorkflowRequest
		want error
	}{
		{"missing deck", WorkflowRequest{DeckType: domain.DeckTypeHuman}, ErrInvalidRequest},
		{"unknown type", WorkflowRequest{DeckID: "deck-1", DeckType: "mixed"}, ErrInvalidRequest},
		{"unknown deck", WorkflowRequest{DeckID: "nope", DeckType: domain.DeckTypeHuman}, ErrDeckNotFound},
		{"unknown instance", WorkflowRequest{InstanceID: "missing"}, ErrRunNotFound},
	}
	for _, c := range cases {
		if _, err := a.Workflow(ctx, c.req); !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
	runs, _ := st.ListRunsByDeck(ctx, "deck-1")
	if len(runs) != 0 {
		t.Fatalf("rejected requests must not create runs, got %d", len(runs))
	}
}

func TestExhaustedRetriesMarkRunErrored(t *testing.T) {
	a, st := newTestApp(t, failingRunner{}, 2)
	seedDeck(t, st, "deck-1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := a.Workflow(ctx, WorkflowRequest{DeckID: "deck-1", DeckType: domain.DeckTypeAI})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	a.StartWorkers(ctx, 1)
	waitForStatus(t, a, resp.ID, domain.RunErrored)

	deck, _, _ := st.GetDeck(ctx, "deck-1")
	if deck.Status != domain.DeckPending {
		t.Fatalf("deck status = %s, want pending", deck.Status)
	}
}

func TestHandleJobAcknowledgesTerminalFailures(t *testing.T) {
	a, st := newTestApp(t, ai.NewStubRunner(""), 3)
	seedDeck(t, st, "deck-1", 1)
	ctx := context.Background()
	if err := st.CreateRun(ctx, domain.Run{ID: "r1", DeckID: "deck-1", DeckType: "mixed", Status: domain.RunQueued}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := a.handleJob(ctx, queue.Delivery{MessageID: "m1", RunID: "r1", Attempt: 1}); !queue.IsPermanent(err) {
		t.Fatalf("terminal failures should not be retried: %v", err)
	}
	run, _ := a.GetRun(ctx, "r1")
	if run.Status != domain.RunErrored {
		t.Fatalf("run status = %s", run.Status)
	}
	if err := a.handleJob(ctx, queue.Delivery{MessageID: "m2", RunID: "missing", Attempt: 1}); err != nil {
		t.Fatalf("missing runs are dropped: %v", err)
	}
}

func TestAcknowledgeDeck(t *testing.T) {
	a, st := newTestApp(t, ai.NewStubRunner(""), 3)
	seedDeck(t, st, "deck-1", 1)
	ctx := context.Background()

	if ok, err := a.AcknowledgeDeck(ctx, "deck-1"); err != nil || ok {
		t.Fatalf("pending deck must not be acknowledged: ok=%v err=%v", ok, err)
	}
	_, _ = st.CompleteDeck(ctx, "deck-1")
	if ok, err := a.AcknowledgeDeck(ctx, "deck-1"); err != nil || !ok {
		t.Fatalf("acknowledge: ok=%v err=%v", ok, err)
	}
	if _, err := a.AcknowledgeDeck(ctx, "nope"); !errors.Is(err, ErrDeckNotFound) {
		t.Fatalf("expected deck not found, got %v", err)
	}
}

func TestSlowRunIsNotExecutedTwice(t *testing.T) {
	runner := &countingRunner{next: ai.NewStubRunner(ai.DefaultImageModel), delay: 150 * time.Millisecond}
	a, st, _ := newTestAppWithQueue(t, runner, queue.Config{MaxRetries: 3, ClaimIdle: 100 * time.Millisecond})
	seedDeck(t, st, "deck-1", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := a.Workflow(ctx, WorkflowRequest{DeckID: "deck-1", DeckType: domain.DeckTypeAI})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	a.StartWorkers(ctx, 2)
	waitForStatus(t, a, resp.ID, domain.RunComplete)
	time.Sleep(200 * time.Millisecond)

	calls, peak := runner.stats()
	if calls != 10 {
		t.Fatalf("inference calls = %d, want 10", calls)
	}
	if peak > 5 {
		t.Fatalf("peak in-flight calls = %d, want at most one batch", peak)
	}
	run, _ := a.GetRun(ctx, resp.ID)
	if run.Step != 2 || run.Output.Completed != 10 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestAbandonedRunResumesFromCursor(t *testing.T) {
	runner := &countingRunner{next: ai.NewStubRunner(ai.DefaultImageModel)}
	a, st, client := newTestAppWithQueue(t, runner, queue.Config{MaxRetries: 3, ClaimIdle: 100 * time.Millisecond})
	seedDeck(t, st, "deck-1", 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := a.Workflow(ctx, WorkflowRequest{DeckID: "deck-1", DeckType: domain.DeckTypeAI})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// A worker takes the run, checkpoints the first batch and dies without acking.
	if err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "crashed-worker",
		Streams:  []string{"test:workflow", ">"},
		Count:    1,
		Block:    -1,
	}).Err(); err != nil {
		t.Fatalf("read as crashed worker: %v", err)
	}
	if err := st.StartRun(ctx, resp.ID, 4); err != nil {
		t.Fatalf("start run: %v", err)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("deck-1-%d", i)
		if _, err := st.CompleteSlide(ctx, id, domain.SlideResult{Caption: "done", ImageURL: "https://cdn.example.com/" + id + ".png"}); err != nil {
			t.Fatalf("complete slide: %v", err)
		}
	}
	if err := st.AdvanceRun(ctx, resp.ID, 1, domain.RunOutput{Steps: 1, Completed: 5}); err != nil {
		t.Fatalf("advance run: %v", err)
	}

	a.StartWorkers(ctx, 1)
	waitForStatus(t, a, resp.ID, domain.RunComplete)

	if calls, _ := runner.stats(); calls != 2 {
		t.Fatalf("inference calls = %d, want only the 2 unprocessed slides", calls)
	}
	run, _ := a.GetRun(ctx, resp.ID)
	if run.Step != 2 || run.Output.Completed != 7 {
		t.Fatalf("unexpected run: %+v", run)
	}
	pending, err := client.XPending(ctx, "test:workflow", "workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("reclaimed message was not acked, %d pending", pending.Count)
	}
}

func TestHandleJobLogsRunIDOnce(t *testing.T) {
	a, st := newTestApp(t, ai.NewStubRunner(ai.DefaultImageModel), 3)
	seedDeck(t, st, "deck-1", 2)
	ctx := context.Background()
	if err := st.CreateRun(ctx, domain.Run{ID: "r1", DeckID: "deck-1", DeckType: domain.DeckTypeAI, Status: domain.RunQueued}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx = util.ContextWithLogger(ctx, logger.With("message_id", "m1", "attempt", 1))
	if err := a.handleJob(ctx, queue.Delivery{MessageID: "m1", RunID: "r1", Attempt: 1}); err != nil {
		t.Fatalf("handle job: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatalf("expected log output")
	}
	for _, line := range lines {
		if n := strings.Count(line, `"run_id":`); n > 1 {
			t.Fatalf("run_id logged %d times: %s", n, line)
		}
	}
}
