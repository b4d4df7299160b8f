package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"battledecks/internal/util"
	"battledecks/pkg/ai"
	"battledecks/pkg/domain"
	"battledecks/pkg/queue"
	"battledecks/pkg/storage"
	"battledecks/pkg/store"
	"battledecks/pkg/workflow"

	"github.com/patrickmn/go-cache"
)

const defaultStatusCacheTTL = 10 * time.Minute

// Config holds runtime configuration. Injected backends take precedence over
// the settings used to build them.
type Config struct {
	Store       store.Store
	RecordStore string
	DatabaseURL string

	Objects       storage.ObjectStore
	ObjectStore   string
	Minio         MinioConfig
	S3            storage.S3Config
	StorageDomain string

	Runner                 ai.Runner
	Inference              string
	WorkersAI              ai.WorkersAIConfig
	InferenceRatePerSecond float64
	InferenceBurst         int
	Models                 workflow.Models
	Gateway                string

	Queue           *queue.RunQueue
	RedisAddr       string
	RedisPassword   string
	QueueName       string
	QueueGroup      string
	QueueMaxRetries int
	QueueRetryDelay time.Duration
	QueueClaimIdle  time.Duration

	BatchSize      int
	StepTimeout    time.Duration
	StatusCacheTTL time.Duration
}

// MinioConfig locates a MinIO bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// WorkflowRequest starts a run or, with InstanceID set, asks for its status.
type WorkflowRequest struct {
	InstanceID string          `json:"instanceId,omitempty"`
	DeckID     string          `json:"deck_id"`
	DeckType   domain.DeckType `json:"deck_type"`
}

// WorkflowResponse is {id, details:{status}} for a new run and {status} for a query.
type WorkflowResponse struct {
	ID      string           `json:"id,omitempty"`
	Details *RunDetails      `json:"details,omitempty"`
	Status  domain.RunStatus `json:"status,omitempty"`
}

type RunDetails struct {
	Status domain.RunStatus `json:"status"`
}

// App starts, tracks and executes deck workflow runs.
type App struct {
	store        store.Store
	queue        *queue.RunQueue
	orchestrator *workflow.Orchestrator
	statuses     *cache.Cache
}

// New constructs the workflow service.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		var err error
		dataStore, err = newRecordStore(cfg)
		if err != nil {
			return nil, err
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = newObjectStore(cfg)
		if err != nil {
			return nil, err
		}
	}
	runner := cfg.Runner
	if runner == nil {
		var err error
		runner, err = newRunner(cfg)
		if err != nil {
			return nil, err
		}
	}
	runner = ai.NewPacedRunner(runner, cfg.InferenceRatePerSecond, cfg.InferenceBurst)

	jobQueue := cfg.Queue
	if jobQueue == nil {
		var err error
		jobQueue, err = queue.New(queue.Config{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     strings.TrimSpace(cfg.QueueName),
			Group:      strings.TrimSpace(cfg.QueueGroup),
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: cfg.QueueRetryDelay,
			ClaimIdle:  cfg.QueueClaimIdle,
		})
		if err != nil {
			return nil, fmt.Errorf("init workflow queue: %w", err)
		}
	}

	ttl := cfg.StatusCacheTTL
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	orchestrator := workflow.NewOrchestrator(dataStore, workflow.Deps{
		Objects:       objects,
		Runner:        runner,
		Models:        cfg.Models,
		Gateway:       ai.DefaultGatewayOptions(cfg.Gateway),
		StorageDomain: cfg.StorageDomain,
	}, workflow.Config{
		BatchSize:   cfg.BatchSize,
		StepTimeout: cfg.StepTimeout,
	})
	return &App{
		store:        dataStore,
		queue:        jobQueue,
		orchestrator: orchestrator,
		statuses:     cache.New(ttl, 2*ttl),
	}, nil
}

func newRecordStore(cfg Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RecordStore)) {
	case "memory":
		return store.NewMemoryStore(), nil
	case "", "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown record store %q", cfg.RecordStore)
	}
}

func newObjectStore(cfg Config) (storage.ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStore)) {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := storage.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("init s3 store: %w", err)
		}
		return s, nil
	case "", "minio":
		s, err := storage.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown object store %q", cfg.ObjectStore)
	}
}

func newRunner(cfg Config) (ai.Runner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Inference)) {
	case "stub":
		return ai.NewStubRunner(cfg.Models.Image), nil
	case "", "workers-ai":
		client, err := ai.NewWorkersAIClient(cfg.WorkersAI)
		if err != nil {
			return nil, fmt.Errorf("init workers ai: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Inference)
	}
}

// Workflow is the single entry operation: with an instance id it reports that
// run's status, otherwise it starts a new run for the deck.
func (a *App) Workflow(ctx context.Context, req WorkflowRequest) (WorkflowResponse, error) {
	if id := strings.TrimSpace(req.InstanceID); id != "" {
		status, err := a.Status(ctx, id)
		if err != nil {
			return WorkflowResponse{}, err
		}
		return WorkflowResponse{Status: status}, nil
	}
	run, err := a.Start(ctx, req.DeckID, req.DeckType)
	if err != nil {
		return WorkflowResponse{}, err
	}
	return WorkflowResponse{ID: run.ID, Details: &RunDetails{Status: run.Status}}, nil
}

// Start records a queued run for the deck and hands it to the workers.
func (a *App) Start(ctx context.Context, deckID string, deckType domain.DeckType) (domain.Run, error) {
	deckID = strings.TrimSpace(deckID)
	if deckID == "" {
		return domain.Run{}, fmt.Errorf("%w: deck_id required", ErrInvalidRequest)
	}
	if !deckType.Valid() {
		return domain.Run{}, fmt.Errorf("%w: unknown deck_type %q", ErrInvalidRequest, deckType)
	}
	if _, ok, err := a.store.GetDeck(ctx, deckID); err != nil {
		return domain.Run{}, fmt.Errorf("load deck: %w", err)
	} else if !ok {
		return domain.Run{}, ErrDeckNotFound
	}

	now := time.Now().UTC()
	run := domain.Run{
		ID:        util.NewInstanceID(),
		DeckID:    deckID,
		DeckType:  deckType,
		Status:    domain.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, run.ID); err != nil {
		_ = a.store.SetRunStatus(ctx, run.ID, domain.RunErrored, "enqueue failed: "+err.Error())
		return domain.Run{}, fmt.Errorf("enqueue run: %w", err)
	}
	util.LoggerFromContext(ctx).Info("workflow_queued", "run_id", run.ID, "deck_id", deckID, "deck_type", string(deckType))
	return run, nil
}

// Status returns a run's current status. Terminal statuses are cached.
func (a *App) Status(ctx context.Context, id string) (domain.RunStatus, error) {
	if cached, ok := a.statuses.Get(id); ok {
		return cached.(domain.RunStatus), nil
	}
	run, err := a.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		a.statuses.SetDefault(id, run.Status)
	}
	return run.Status, nil
}

// GetRun returns a run record by id.
func (a *App) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, ok, err := a.store.GetRun(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Run{}, fmt.Errorf("load run: %w", err)
	}
	if !ok {
		return domain.Run{}, ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns every run started for a deck, oldest first.
func (a *App) ListRuns(ctx context.Context, deckID string) ([]domain.Run, error) {
	if _, ok, err := a.store.GetDeck(ctx, deckID); err != nil {
		return nil, fmt.Errorf("load deck: %w", err)
	} else if !ok {
		return nil, ErrDeckNotFound
	}
	return a.store.ListRunsByDeck(ctx, deckID)
}

// AcknowledgeDeck records that the owner has seen a completed deck.
// It reports false when the deck is not in the completed state.
func (a *App) AcknowledgeDeck(ctx context.Context, deckID string) (bool, error) {
	if _, ok, err := a.store.GetDeck(ctx, deckID); err != nil {
		return false, fmt.Errorf("load deck: %w", err)
	} else if !ok {
		return false, ErrDeckNotFound
	}
	return a.store.AcknowledgeDeck(ctx, deckID)
}

// StartWorkers launches queue consumers that execute runs until ctx is done.
func (a *App) StartWorkers(ctx context.Context, concurrency int) {
	a.queue.Start(ctx, concurrency, a.handleJob)
}

// Close releases the queue connection.
func (a *App) Close() error {
	return a.queue.Close()
}

func (a *App) handleJob(ctx context.Context, d queue.Delivery) error {
	logger := util.LoggerFromContext(ctx)

	run, ok, err := a.store.GetRun(ctx, d.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !ok {
		logger.Warn("workflow_run_missing", "run_id", d.RunID)
		return nil
	}

	_, err = a.orchestrator.Run(ctx, run)
	if err == nil {
		return nil
	}
	if workflow.IsTerminal(err) {
		return queue.Permanent(err)
	}
	// A canceled context means shutdown or a lost lease; the run resumes elsewhere.
	if ctx.Err() == nil && d.Attempt >= a.queue.MaxRetries() {
		logger.Error("workflow_failed", "run_id", run.ID, "err", err)
		if serr := a.store.SetRunStatus(ctx, run.ID, domain.RunErrored, err.Error()); serr != nil {
			logger.Error("workflow_mark_errored_failed", "err", serr)
		}
	}
	return err
}
