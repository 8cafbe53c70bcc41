package schema

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pghatch/pghatch-go/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const watchChannel = "pghatch_watch"

// WatcherOptions tunes the DDL Watcher (§4.G).
type WatcherOptions struct {
	DebounceInterval time.Duration // default 250ms
	HeartbeatInterval time.Duration // default 30s
}

func (o WatcherOptions) withDefaults() WatcherOptions {
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = 250 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	return o
}

// Watcher holds a dedicated LISTEN connection and emits a debounced signal
// on Signal() whenever DDL changes the watched namespaces. One Watcher per
// Router; it never blocks the request path.
type Watcher struct {
	pool    *pgxpool.Pool
	log     *zap.Logger
	opts    WatcherOptions
	signal  chan struct{}
	pending chan struct{}
}

// NewWatcher installs the notification plumbing (idempotent: CREATE OR
// REPLACE + DROP IF EXISTS throughout) and returns a Watcher ready to Run.
func NewWatcher(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, opts WatcherOptions) (*Watcher, error) {
	if _, err := pool.Exec(ctx, watchSQL); err != nil {
		return nil, &IntrospectionError{Kind: "query_failed", Context: "install watch SQL", cause: err}
	}
	return &Watcher{
		pool:    pool,
		log:     log,
		opts:    opts.withDefaults(),
		signal:  make(chan struct{}, 1),
		pending: make(chan struct{}, 1),
	}, nil
}

// Uninstall drops the watch schema and event triggers, leaving no trace in
// the database; the tests call it, the serve shutdown path does not.
func (w *Watcher) Uninstall(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, uninstallWatchSQL)
	return err
}

// Signal returns the channel the Router selects on for rebuild requests.
// Sends are coalesced: a burst of DDL during one debounce window produces
// exactly one signal.
func (w *Watcher) Signal() <-chan struct{} { return w.signal }

// Run holds a dedicated LISTEN connection and feeds Signal() until ctx is
// canceled. Connection loss triggers reconnect with exponential backoff
// (base 250ms, cap 30s) and an unconditional rebuild signal once
// reconnected, since any notifications sent while disconnected are lost.
func (w *Watcher) Run(ctx context.Context) {
	go w.debounceLoop(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; the Router owns shutdown via ctx

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			metrics.WatcherReconnectsTotal.Inc()
			w.log.Warn("watch connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()
	}
}

// listenOnce acquires a dedicated connection, issues LISTEN, and services
// notifications and the heartbeat until the connection fails or ctx ends.
// Returning nil means ctx ended cleanly; any other return is a connection
// fault that Run retries.
func (w *Watcher) listenOnce(ctx context.Context) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "listen "+watchChannel); err != nil {
		return err
	}

	// Force a rebuild the moment a (re)connect completes: any DDL that
	// happened while this Watcher had no listening connection is otherwise
	// invisible.
	w.requestRebuild()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			_, err := conn.Conn().WaitForNotification(gctx)
			if err != nil {
				return err
			}
			w.requestRebuild()
		}
	})

	g.Go(func() error {
		heartbeat := time.NewTicker(w.opts.HeartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-heartbeat.C:
				if err := conn.Conn().Ping(gctx); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); ctx.Err() == nil {
		return err
	}
	return nil
}

// requestRebuild marks a rebuild as needed; debounceLoop coalesces bursts
// of these into one emission on Signal() per DebounceInterval quiet window.
func (w *Watcher) requestRebuild() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// debounceLoop restarts a DebounceInterval timer on every pending rebuild
// request and emits to signal only once the requests go quiet, so a burst
// of DDL statements in one transaction produces exactly one rebuild.
func (w *Watcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.pending:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.opts.DebounceInterval)
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case w.signal <- struct{}{}:
			default:
			}
		}
	}
}
