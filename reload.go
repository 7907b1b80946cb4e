package adproxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"
)

// RuleStore holds the RuleSet currently in force. Readers take a snapshot
// with Get and keep using it for as long as they like; a reload publishes
// a complete new RuleSet with a single atomic store and never touches the
// old one.
type RuleStore struct {
	current atomic.Pointer[RuleSet]
	loaded  atomic.Bool
}

// NewRuleStore creates a store holding rs, or the empty RuleSet if rs is nil.
func NewRuleStore(rs *RuleSet) *RuleStore {
	s := &RuleStore{}
	if rs != nil {
		s.current.Store(rs)
		s.loaded.Store(true)
	}
	return s
}

// Get returns the active RuleSet. It never returns nil.
func (s *RuleStore) Get() *RuleSet {
	if rs := s.current.Load(); rs != nil {
		return rs
	}
	return EmptyRuleSet()
}

// Store makes rs the active RuleSet and returns the one it replaced.
func (s *RuleStore) Store(rs *RuleSet) *RuleSet {
	if rs == nil {
		rs = EmptyRuleSet()
	}
	old := s.current.Swap(rs)
	s.loaded.Store(true)
	if old == nil {
		old = EmptyRuleSet()
	}
	return old
}

// Loaded reports whether a RuleSet has ever been stored.
func (s *RuleStore) Loaded() bool {
	return s.loaded.Load()
}

// Reloader rebuilds the active RuleSet from its filter lists.
type Reloader struct {
	// Store receives each freshly built RuleSet.
	Store *RuleStore

	// Loader reads the filter lists.
	Loader SourceLoader

	// Logger for reload events.
	Logger *slog.Logger

	// Metrics records reload counts and rule totals (optional).
	Metrics *Metrics

	// OnReload is called after a successful reload.
	OnReload func(stats RuleSetStats)

	// OnError is called when a reload fails.
	OnError func(err error)

	mu         sync.Mutex
	lastReload atomic.Int64
}

// NewReloader creates a Reloader that loads lists with loader into store.
func NewReloader(store *RuleStore, loader SourceLoader) *Reloader {
	return &Reloader{
		Store:  store,
		Loader: loader,
		Logger: slog.Default(),
	}
}

// Reload reads every list, aggregates them and publishes the result. If
// any list cannot be read the active RuleSet is left untouched. Concurrent
// calls are serialized; readers of the store are never blocked.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	sources, err := r.Loader.Load(ctx)
	if err != nil {
		err = fmt.Errorf("reload: %w", err)
		r.Logger.Error("filter reload failed, keeping previous rules", "error", err)
		if r.Metrics != nil {
			r.Metrics.RecordFilterReloadError()
		}
		if r.OnError != nil {
			r.OnError(err)
		}
		return err
	}

	for _, src := range sources {
		r.Logger.Info("loaded filter list", "source", src.Name, "bytes", len(src.Data))
	}

	rs := Aggregate(sources)
	r.Store.Store(rs)
	r.lastReload.Store(time.Now().UnixNano())

	stats := rs.Stats()
	r.Logger.Info("filter rules reloaded",
		"sources", stats.Sources,
		"block", stats.Block,
		"allow", stats.Allow,
		"spoof", stats.Spoof,
		"ignored", stats.Ignored,
		"duration", time.Since(start),
	)
	if r.Metrics != nil {
		r.Metrics.RecordFilterReload()
		r.Metrics.SetFilterRuleCount(stats)
	}
	if r.OnReload != nil {
		r.OnReload(stats)
	}
	return nil
}

// LastReload returns the time of the last successful reload, or the zero
// time if there has been none.
func (r *Reloader) LastReload() time.Time {
	ns := r.lastReload.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// StartAutoReload starts a goroutine that reloads at the given interval.
// Returns a cancel function to stop the reload goroutine. A non-positive
// interval disables periodic reloads and returns a no-op cancel.
func (r *Reloader) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.Reload(ctx)
			}
		}
	}()

	return cancel
}

// SignalWatcher reloads rules whenever the process receives one of its
// signals. Call Cancel to stop watching.
type SignalWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the watcher and waits for it to exit.
func (w *SignalWatcher) Cancel() {
	w.cancel()
	<-w.done
}

// WatchSignals starts a goroutine that calls Reload on each of the given
// signals, or DefaultReloadSignals if none are given. A failed reload is
// logged and the watcher keeps running.
func (r *Reloader) WatchSignals(ctx context.Context, sigs ...os.Signal) *SignalWatcher {
	if len(sigs) == 0 {
		sigs = DefaultReloadSignals
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				r.Logger.Info("received signal, reloading filter lists", "signal", sig.String())
				_ = r.Reload(ctx)
			}
		}
	}()

	return &SignalWatcher{cancel: cancel, done: done}
}
