package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"battledecks/internal/util"

	"github.com/redis/go-redis/v9"
)

// Delivery is one attempt at executing a run.
type Delivery struct {
	RunID     string
	Attempt   int
	MessageID string
}

// Handler executes a run. A nil or Permanent error acks the message; any other
// error schedules another attempt until MaxRetries is reached.
type Handler func(ctx context.Context, d Delivery) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// A run is held by at most one worker at a time: the holder owns a lease key
// and keeps both the lease and its stream message fresh while the handler runs.
var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RunQueue dispatches workflow runs to workers through a Redis stream
// consumer group. Messages left idle for ClaimIdle (a crashed worker) are
// reclaimed by another consumer, which resumes the run.
type RunQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	heartbeat    time.Duration
	retryDelay   time.Duration
	stateTTL     time.Duration
	maxLen       int64
	once         sync.Once
}

type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	// ClaimIdle is how long a message may go without a heartbeat before
	// another worker takes it over. It is also the lease lifetime.
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	StateTTL   time.Duration
	MaxLen     int64
}

// New connects to Redis at cfg.Addr.
func New(cfg Config) (*RunQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

// NewWithClient builds a queue on an existing client; cfg.Addr is ignored.
func NewWithClient(client *redis.Client, cfg Config) (*RunQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RunQueue{
		client:       client,
		stream:       stream,
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		stateTTL:     cfg.StateTTL,
		maxLen:       cfg.MaxLen,
	}
	if q.group == "" {
		q.group = "default"
	}
	if q.consumerBase == "" {
		q.consumerBase = util.NewID()
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 30 * time.Second
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 2 * time.Second
	}
	if q.stateTTL <= 0 {
		q.stateTTL = 24 * time.Hour
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	q.heartbeat = q.claimIdle / 3
	if q.heartbeat < 10*time.Millisecond {
		q.heartbeat = 10 * time.Millisecond
	}
	return q, nil
}

// MaxRetries is the number of attempts a run gets before it is dropped.
func (q *RunQueue) MaxRetries() int {
	return q.maxRetries
}

// Close releases the underlying client.
func (q *RunQueue) Close() error {
	return q.client.Close()
}

// Enqueue schedules a run and returns the stream message id.
func (q *RunQueue) Enqueue(ctx context.Context, runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", errors.New("run id required")
	}
	q.ensureGroup(ctx)
	return q.client.XAdd(ctx, q.addArgs(runID)).Result()
}

// Start launches concurrency consumers; each executes one run at a time.
func (q *RunQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
}

func (q *RunQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so runs enqueued before the first worker started are still delivered.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("queue_group_create_failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RunQueue) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		msg, ok, err := q.next(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			util.LoggerFromContext(ctx).Warn("queue_read_failed", "consumer", consumer, "err", err)
			sleep(ctx, q.retryDelay)
			continue
		}
		if ok {
			q.handle(ctx, consumer, msg, handler)
		}
	}
}

// next prefers an abandoned message over a fresh one.
func (q *RunQueue) next(ctx context.Context, consumer string) (redis.XMessage, bool, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return redis.XMessage{}, false, err
	}
	if len(claimed) > 0 {
		util.LoggerFromContext(ctx).Info("queue_message_reclaimed", "consumer", consumer, "message_id", claimed[0].ID)
		return claimed[0], true, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err == redis.Nil {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return s.Messages[0], true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (q *RunQueue) handle(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	runID, _ := msg.Values["run_id"].(string)
	logger := util.LoggerFromContext(ctx).With("message_id", msg.ID, "run_id", runID)
	if runID == "" {
		q.ack(ctx, msg.ID)
		return
	}

	token := consumer + ":" + msg.ID
	held, err := q.client.SetNX(ctx, q.leaseKey(runID), token, q.claimIdle).Result()
	if err != nil {
		logger.Warn("queue_lease_failed", "err", err)
		return
	}
	if !held {
		// Another worker is executing this run. The message stays pending and
		// comes back after ClaimIdle if the holder disappears.
		logger.Info("queue_run_busy")
		return
	}

	attempt, err := q.nextAttempt(ctx, runID)
	if err != nil {
		logger.Warn("queue_attempt_count_failed", "err", err)
		q.releaseLease(ctx, runID, token)
		return
	}
	logger = logger.With("attempt", attempt)
	// The handler adds run fields itself.
	handlerLogger := util.LoggerFromContext(ctx).With("message_id", msg.ID, "attempt", attempt)

	runCtx, cancel := context.WithCancel(ctx)
	var lost bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !q.keepAlive(runCtx, consumer, msg.ID, runID, token) {
			lost = true
			cancel()
		}
	}()

	err = handler(util.ContextWithLogger(runCtx, handlerLogger), Delivery{RunID: runID, Attempt: attempt, MessageID: msg.ID})
	retry := err != nil && !IsPermanent(err) && attempt < q.maxRetries
	if retry {
		// Still heartbeating, so nobody reclaims the message while we wait.
		sleep(runCtx, q.retryDelay)
	}
	cancel()
	wg.Wait()

	if lost {
		logger.Warn("queue_lease_lost", "err", err)
		return
	}
	q.releaseLease(ctx, runID, token)

	switch {
	case err == nil:
		q.finish(ctx, msg.ID, runID)
	case IsPermanent(err):
		logger.Warn("queue_run_dropped", "err", err)
		q.finish(ctx, msg.ID, runID)
	case !retry:
		logger.Error("queue_run_exhausted", "err", err)
		q.finish(ctx, msg.ID, runID)
	default:
		logger.Warn("queue_run_retry", "err", err)
		if rerr := q.requeue(ctx, msg.ID, runID); rerr != nil {
			logger.Error("queue_requeue_failed", "err", rerr)
		}
	}
}

// keepAlive refreshes the message idle time and the lease until ctx ends.
// It returns false once the lease belongs to someone else.
func (q *RunQueue) keepAlive(ctx context.Context, consumer, msgID, runID, token string) bool {
	ticker := time.NewTicker(q.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
		if err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			Messages: []string{msgID},
		}).Err(); err != nil && ctx.Err() == nil {
			util.LoggerFromContext(ctx).Warn("queue_heartbeat_failed", "message_id", msgID, "err", err)
		}
		n, err := renewLeaseScript.Run(ctx, q.client, []string{q.leaseKey(runID)}, token, q.claimIdle.Milliseconds()).Int()
		if err != nil {
			continue
		}
		if n == 0 {
			return false
		}
	}
}

func (q *RunQueue) nextAttempt(ctx context.Context, runID string) (int, error) {
	key := q.attemptsKey(runID)
	pipe := q.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, q.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (q *RunQueue) releaseLease(ctx context.Context, runID, token string) {
	_ = releaseLeaseScript.Run(ctx, q.client, []string{q.leaseKey(runID)}, token).Err()
}

func (q *RunQueue) finish(ctx context.Context, msgID, runID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	pipe.Del(ctx, q.attemptsKey(runID))
	_, _ = pipe.Exec(ctx)
}

func (q *RunQueue) ack(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeue swaps the message for a fresh one at the tail in one transaction,
// so a failure leaves the original pending.
func (q *RunQueue) requeue(ctx context.Context, msgID, runID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(runID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RunQueue) addArgs(runID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"run_id": runID},
	}
}

func (q *RunQueue) leaseKey(runID string) string {
	return fmt.Sprintf("%s:lease:%s", q.stream, runID)
}

func (q *RunQueue) attemptsKey(runID string) string {
	return fmt.Sprintf("%s:attempts:%s", q.stream, runID)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
