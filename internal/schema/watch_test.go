package schema

import (
	"context"
	"testing"
	"time"

	"github.com/pghatch/pghatch-go/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcher_SignalsOnDDL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connString := pgtest.ParseConfig(t).ConnString()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	w, err := NewWatcher(ctx, pool, zap.NewNop(), WatcherOptions{DebounceInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Uninstall(context.Background())
	})

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go w.Run(runCtx)

	// The initial (re)connect always forces one signal.
	select {
	case <-w.Signal():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial connect signal")
	}

	_, err = pool.Exec(ctx, `drop table if exists watch_test_t; create table watch_test_t (id int)`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `drop table if exists watch_test_t`)
	})

	select {
	case <-w.Signal():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for DDL signal")
	}
}

func TestWatcher_BurstCoalescesToOneSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connString := pgtest.ParseConfig(t).ConnString()

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	defer pool.Close()

	w, err := NewWatcher(ctx, pool, zap.NewNop(), WatcherOptions{DebounceInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Uninstall(context.Background())
	})

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go w.Run(runCtx)

	<-w.Signal() // drain the initial connect signal

	_, err = pool.Exec(ctx, `
		drop table if exists watch_test_burst;
		create table watch_test_burst (id int);
		alter table watch_test_burst add column name text;
		alter table watch_test_burst add column note text;
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `drop table if exists watch_test_burst`)
	})

	select {
	case <-w.Signal():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for coalesced signal")
	}

	select {
	case <-w.Signal():
		t.Fatal("expected the burst to coalesce into a single signal")
	case <-time.After(300 * time.Millisecond):
	}
}
