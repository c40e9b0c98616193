// Package app wires the BrewPass core together and exposes the surface the
// UI layer consumes. All methods return result values rather than panicking
// across the boundary; the store stays the source of truth and the in-memory
// mirrors here exist only to serve reads.
package app

import (
	"context"
	"sync"

	"github.com/tapcrew/brewpass/core/internal/checkin"
	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/errors"
	"github.com/tapcrew/brewpass/core/internal/lifecycle"
	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/optimistic"
	"github.com/tapcrew/brewpass/core/internal/queue"
	"github.com/tapcrew/brewpass/core/internal/refresh"
	"github.com/tapcrew/brewpass/core/internal/remote"
	"github.com/tapcrew/brewpass/core/internal/retrier"
	"github.com/tapcrew/brewpass/core/internal/telemetry"
)

// Config holds application configuration.
type Config struct {
	DataDir      string
	APIBaseURL   string
	SessionToken string
	CustomerID   string

	Queue   *queue.Config
	Tracker *optimistic.Config
	Retrier *retrier.Config
	Refresh *refresh.Config
	Client  *remote.ClientConfig
}

// App is the assembled core.
type App struct {
	db        *db.DB
	repo      *db.Repository
	queue     *queue.Queue
	tracker   *optimistic.Tracker
	remote    remote.Service
	bus       *lifecycle.Bus
	retrier   *retrier.Coordinator
	refresher *refresh.Coordinator
	checkin   *checkin.Orchestrator
	alerts    *alertSink

	readMu   sync.RWMutex
	beers    []*models.Beer
	tastings []*models.Tasting
	rewards  []*models.Reward
}

// QueueSnapshot is the queue-inspection view.
type QueueSnapshot struct {
	Operations []*models.QueuedOperation
	Stats      map[string]int
}

// New opens the store, runs migrations and crash recovery, and assembles the
// core. Call Start to begin background work and Close on teardown.
func New(cfg *Config) (*App, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open store", err)
	}

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrMigration, "failed to migrate store", err)
	}

	repo := db.NewRepository(database.DB)
	q := queue.New(repo, cfg.Queue)
	tracker := optimistic.NewTracker(repo, cfg.Tracker)
	bus := lifecycle.NewBus()
	alerts := &alertSink{}

	clientCfg := cfg.Client
	if clientCfg == nil {
		clientCfg = remote.DefaultClientConfig(cfg.APIBaseURL)
		clientCfg.SessionToken = cfg.SessionToken
	}
	client := remote.NewClient(clientCfg)

	session := &staticSession{customerID: cfg.CustomerID}
	orchestrator := checkin.NewOrchestrator(repo, q, tracker, client, bus, session)

	a := &App{
		db:      database,
		repo:    repo,
		queue:   q,
		tracker: tracker,
		remote:  client,
		bus:     bus,
		checkin: orchestrator,
		alerts:  alerts,
	}

	a.retrier = retrier.NewCoordinator(q, tracker, client, bus, alerts, orchestrator, cfg.Retrier)
	a.refresher = refresh.NewCoordinator(repo, client, tracker, a, cfg.Refresh)

	// Crash recovery: stale claims go back to PENDING, expired updates go away,
	// and the read path comes up from whatever the cache holds.
	if _, err := q.RecoverInFlight(); err != nil {
		logging.Error("Startup queue recovery failed", err)
	}
	if _, err := tracker.PurgeExpired(); err != nil {
		logging.Error("Startup update purge failed", err)
	}
	if err := a.ReloadFromStore(); err != nil {
		logging.Error("Startup read path load failed", err)
	}

	return a, nil
}

// Start begins background queue draining.
func (a *App) Start(ctx context.Context) {
	a.retrier.Start(ctx)
}

// Close tears the core down: coordinators stop, timers are cancelled, and the
// store is closed last.
func (a *App) Close() error {
	a.retrier.Stop()
	a.tracker.Close()
	a.bus.Close()
	a.repo.Close()
	return a.db.Close()
}

// EnqueueOrExecute performs the check-in action for one beer, immediately
// when online or queued when offline.
func (a *App) EnqueueOrExecute(ctx context.Context, beerID string) *checkin.Result {
	result := a.checkin.CheckIn(ctx, beerID)
	if result.Outcome == checkin.OutcomeQueued || result.Outcome == checkin.OutcomeSubmitted {
		if err := a.ReloadFromStore(); err != nil {
			logging.Error("Failed to reload read path", err)
		}
	}
	return result
}

// GetPendingUpdates returns optimistic updates still awaiting an outcome.
func (a *App) GetPendingUpdates() ([]*models.OptimisticUpdate, error) {
	return a.tracker.ListActive()
}

// RefreshAll reconciles every remote collection into the local cache.
func (a *App) RefreshAll(ctx context.Context) *refresh.Outcome {
	return a.refresher.RefreshAll(ctx)
}

// GetQueueSnapshot returns the queue-inspection view.
func (a *App) GetQueueSnapshot() (*QueueSnapshot, error) {
	ops, err := a.queue.ListAll()
	if err != nil {
		return nil, err
	}
	stats, err := a.queue.Stats()
	if err != nil {
		return nil, err
	}
	return &QueueSnapshot{Operations: ops, Stats: stats}, nil
}

// RetryOperation is the user-pressed retry for one queued operation.
func (a *App) RetryOperation(ctx context.Context, id string) error {
	return a.retrier.RetryNow(ctx, id)
}

// DeleteOperation discards a queued operation at the user's request.
func (a *App) DeleteOperation(id string) error {
	return a.queue.Delete(id)
}

// Alerts drains the one-time failure notifications.
func (a *App) Alerts() []Alert {
	return a.alerts.Drain()
}

// Publish forwards a lifecycle event from the host platform.
func (a *App) Publish(event lifecycle.Event) {
	a.bus.Publish(event)
}

// IsOnline reports the last known connectivity state.
func (a *App) IsOnline() bool {
	return a.bus.IsOnline()
}

// SetTelemetryEnabled toggles opt-in telemetry collection.
func (a *App) SetTelemetryEnabled(enabled bool) error {
	if enabled {
		return telemetry.Enable()
	}
	return telemetry.Disable()
}

// TelemetryEnabled reports whether telemetry collection is on.
func (a *App) TelemetryEnabled() bool {
	return telemetry.IsEnabled()
}

// ReloadFromStore rebuilds the in-memory mirrors from the store. Implements
// the refresh coordinator's Reloader.
func (a *App) ReloadFromStore() error {
	beers, err := a.repo.ListBeers()
	if err != nil {
		return err
	}
	tastings, err := a.repo.ListTastings()
	if err != nil {
		return err
	}
	rewards, err := a.repo.ListRewards()
	if err != nil {
		return err
	}

	a.readMu.Lock()
	a.beers = beers
	a.tastings = tastings
	a.rewards = rewards
	a.readMu.Unlock()
	return nil
}

// Beers returns the mirrored catalog.
func (a *App) Beers() []*models.Beer {
	a.readMu.RLock()
	defer a.readMu.RUnlock()
	return a.beers
}

// Tastings returns the mirrored tasted history.
func (a *App) Tastings() []*models.Tasting {
	a.readMu.RLock()
	defer a.readMu.RUnlock()
	return a.tastings
}

// Rewards returns the mirrored rewards.
func (a *App) Rewards() []*models.Reward {
	a.readMu.RLock()
	defer a.readMu.RUnlock()
	return a.rewards
}

// staticSession is a session fixed at construction. The auth flow that mints
// it lives outside this core.
type staticSession struct {
	customerID string
}

func (s *staticSession) IsValid() bool {
	return s.customerID != ""
}

func (s *staticSession) CustomerID() string {
	return s.customerID
}

// Alert is a one-time user-visible failure notification.
type Alert struct {
	OperationID models.UUID
	Type        models.OperationType
	Message     string
}

// alertSink collects one-shot failure alerts until the UI drains them.
type alertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

// NotifyOperationFailed implements the retry coordinator's Notifier.
func (s *alertSink) NotifyOperationFailed(op *models.QueuedOperation, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, Alert{
		OperationID: op.ID,
		Type:        op.Type,
		Message:     lastError,
	})
}

// Drain returns the accumulated alerts and clears them.
func (s *alertSink) Drain() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts := s.alerts
	s.alerts = nil
	return alerts
}
