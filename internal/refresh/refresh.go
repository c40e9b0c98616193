// Package refresh reconciles the remote collections into the local cache.
// Fetches are best-effort and concurrent; whatever the remote outcome, the
// local read path is reloaded from the store afterwards so the user never
// loses previously cached data to a transient network failure.
package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tapcrew/brewpass/core/internal/db"
	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
	"github.com/tapcrew/brewpass/core/internal/optimistic"
	"github.com/tapcrew/brewpass/core/internal/remote"
)

// Result is the per-collection outcome of one refresh cycle.
type Result struct {
	Kind        remote.Collection
	Success     bool
	DataUpdated bool // true only if fetched data differs from cache
	ItemCount   int  // valid only when Success
	Err         error
}

// ErrorKind returns the classified kind of the failure, or "" on success.
func (r *Result) ErrorKind() remote.ErrorKind {
	if r.Success || r.Err == nil {
		return ""
	}
	return remote.KindOf(r.Err)
}

// Outcome aggregates one refresh cycle.
type Outcome struct {
	Results          map[remote.Collection]*Result
	HasErrors        bool
	AllNetworkErrors bool
}

// FailedCollections returns the kinds that failed, in stable order.
func (o *Outcome) FailedCollections() []remote.Collection {
	var failed []remote.Collection
	for kind, r := range o.Results {
		if !r.Success {
			failed = append(failed, kind)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

// UserMessage builds the user-facing message for this cycle: empty when
// everything succeeded, one consolidated line when every failure is
// network-kind, otherwise an itemized line naming only the failed
// collections.
func (o *Outcome) UserMessage() string {
	if !o.HasErrors {
		return ""
	}
	if o.AllNetworkErrors {
		return "Can't reach the server. Showing your saved data."
	}
	failed := o.FailedCollections()
	names := make([]string, len(failed))
	for i, kind := range failed {
		names[i] = string(kind)
	}
	return fmt.Sprintf("Couldn't update: %s", strings.Join(names, ", "))
}

// Reloader is the local read path. It is reloaded from the store after every
// refresh attempt regardless of remote outcome.
type Reloader interface {
	ReloadFromStore() error
}

// Config holds refresh configuration.
type Config struct {
	Timeout time.Duration // per refresh cycle (default: 30s)
}

// DefaultConfig returns default refresh configuration.
func DefaultConfig() *Config {
	return &Config{Timeout: 30 * time.Second}
}

// Coordinator orchestrates a best-effort simultaneous fetch of the remote
// collections into the local cache.
type Coordinator struct {
	repo     *db.Repository
	fetcher  remote.CollectionFetcher
	tracker  *optimistic.Tracker
	reloader Reloader
	cfg      *Config
}

// NewCoordinator creates a Coordinator. reloader may be nil.
func NewCoordinator(repo *db.Repository, fetcher remote.CollectionFetcher,
	tracker *optimistic.Tracker, reloader Reloader, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		repo:     repo,
		fetcher:  fetcher,
		tracker:  tracker,
		reloader: reloader,
		cfg:      cfg,
	}
}

// RefreshAll fetches every collection concurrently, stores what succeeded,
// re-applies still-pending optimistic markers over the fresh cache, and
// reloads the read path. Independent failures never block independent
// successes.
func (c *Coordinator) RefreshAll(ctx context.Context) *Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	kinds := remote.Collections()
	outcome := &Outcome{Results: make(map[remote.Collection]*Result, len(kinds))}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, kind := range kinds {
		wg.Add(1)
		go func(kind remote.Collection) {
			defer wg.Done()
			result := c.refreshOne(ctx, kind)
			mu.Lock()
			outcome.Results[kind] = result
			mu.Unlock()
		}(kind)
	}
	wg.Wait()

	outcome.HasErrors = false
	allNetwork := true
	for _, r := range outcome.Results {
		if r.Success {
			continue
		}
		outcome.HasErrors = true
		if r.ErrorKind() != remote.KindNetwork {
			allNetwork = false
		}
	}
	outcome.AllNetworkErrors = outcome.HasErrors && allNetwork

	c.reapplyOptimisticMarkers()

	// Offline-first guarantee: the read path always comes back from the
	// store, even when every fetch failed.
	if c.reloader != nil {
		if err := c.reloader.ReloadFromStore(); err != nil {
			logging.Error("Failed to reload read path", err)
		}
	}

	logging.Info("Refresh cycle finished",
		map[string]interface{}{
			"has_errors":         outcome.HasErrors,
			"all_network_errors": outcome.AllNetworkErrors,
		})

	return outcome
}

func (c *Coordinator) refreshOne(ctx context.Context, kind remote.Collection) *Result {
	snap, err := c.fetcher.FetchCollection(ctx, kind)
	if err != nil {
		logging.ErrorWithCode("Collection fetch failed", string(remote.KindOf(err)), err,
			map[string]interface{}{"collection": string(kind)})
		return &Result{Kind: kind, Err: err}
	}

	updated, err := c.storeSnapshot(kind, snap)
	if err != nil {
		logging.Error("Failed to store collection snapshot", err,
			map[string]interface{}{"collection": string(kind)})
		return &Result{Kind: kind, Err: err}
	}

	return &Result{
		Kind:        kind,
		Success:     true,
		DataUpdated: updated,
		ItemCount:   snap.ItemCount(),
	}
}

// storeSnapshot writes a fetched collection into its cache table unless the
// content hash says nothing changed.
func (c *Coordinator) storeSnapshot(kind remote.Collection, snap *remote.Snapshot) (bool, error) {
	sum := sha256.Sum256(snap.Raw)
	hash := hex.EncodeToString(sum[:])

	if prev, err := c.repo.GetCollectionState(string(kind)); err == nil && prev.ContentHash == hash {
		prev.RefreshedAt = time.Now().Unix()
		return false, c.repo.SaveCollectionState(prev)
	}

	var err error
	switch kind {
	case remote.CollectionCatalog:
		err = c.repo.ReplaceBeers(snap.Beers)
	case remote.CollectionTastings:
		err = c.repo.ReplaceTastings(snap.Tastings)
	case remote.CollectionRewards:
		err = c.repo.ReplaceRewards(snap.Rewards)
	}
	if err != nil {
		return false, err
	}

	state := &models.CollectionState{
		Kind:        string(kind),
		ContentHash: hash,
		ItemCount:   snap.ItemCount(),
		RefreshedAt: time.Now().Unix(),
	}
	return true, c.repo.SaveCollectionState(state)
}

// reapplyOptimisticMarkers re-asserts the local effect of updates that are
// still awaiting confirmation. A cache replace would otherwise erase an
// offline check-in's tasted marker before the queue has delivered it.
func (c *Coordinator) reapplyOptimisticMarkers() {
	active, err := c.tracker.ListActive()
	if err != nil {
		logging.Error("Failed to list active updates", err)
		return
	}

	for _, u := range active {
		rb, err := optimistic.Decode(u.RollbackData)
		if err != nil {
			logging.Error("Skipping undecodable rollback data", err,
				map[string]interface{}{"update_id": u.ID.String()})
			continue
		}
		switch data := rb.(type) {
		case optimistic.CheckInRollback:
			if err := c.repo.SetBeerTasted(data.BeerID.String(), true); err != nil {
				logging.Error("Failed to re-apply tasted marker", err)
			}
		case optimistic.RedeemRollback:
			if err := c.repo.SetRewardRedeemed(data.RewardID.String(), true); err != nil {
				logging.Error("Failed to re-apply redeemed marker", err)
			}
		}
	}
}
