package pubz

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

type quote struct {
	Symbol string
	Price  float64
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	// The in-memory database lives per connection; keep the pool at one so
	// every statement sees the same schema.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteStore[quote](newTestDB(t), "quotes")
	require.NoError(t, err)
	ctx := context.Background()

	want := quote{Symbol: "ACME", Price: 12.5}
	require.NoError(t, store.Put(ctx, "acme", NextSignal(want)))

	sig, ok, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindNext, sig.Kind())
	require.Equal(t, want, sig.Value())
}

func TestSQLiteStore_OverwritesExistingKey(t *testing.T) {
	store, err := NewSQLiteStore[int](newTestDB(t), "counters")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "hits", NextSignal(1)))
	require.NoError(t, store.Put(ctx, "hits", NextSignal(2)))

	sig, ok, err := store.Get(ctx, "hits")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, sig.Value())
}

func TestSQLiteStore_PersistsEmptyCompletion(t *testing.T) {
	store, err := NewSQLiteStore[int](newTestDB(t), "lookups")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "nothing", CompleteSignal[int]()))

	sig, ok, err := store.Get(ctx, "nothing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindComplete, sig.Kind())
}

func TestSQLiteStore_RejectsErrorSignals(t *testing.T) {
	store, err := NewSQLiteStore[int](newTestDB(t), "lookups")
	require.NoError(t, err)

	err = store.Put(context.Background(), "bad", ErrorSignal[int](sql.ErrConnDone))
	require.ErrorIs(t, err, ErrUnstorableSignal)

	_, ok, err := store.Get(context.Background(), "bad")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_MissOnAbsentKey(t *testing.T) {
	store, err := NewSQLiteStore[int](newTestDB(t), "lookups")
	require.NoError(t, err)

	_, ok, err := store.Get(context.Background(), "nothing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_Evict(t *testing.T) {
	store, err := NewSQLiteStore[int](newTestDB(t), "lookups")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "answer", NextSignal(42)))
	require.NoError(t, store.Evict(ctx, "answer"))

	_, ok, err := store.Get(ctx, "answer")
	require.NoError(t, err)
	require.False(t, ok)

	// Absent keys evict without complaint.
	require.NoError(t, store.Evict(ctx, "missing"))
}

func TestSQLiteStore_TablesAreIndependent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	quotes, err := NewSQLiteStore[int](db, "quotes")
	require.NoError(t, err)
	orders, err := NewSQLiteStore[int](db, "orders")
	require.NoError(t, err)

	require.NoError(t, quotes.Put(ctx, "k", NextSignal(1)))
	require.NoError(t, orders.Put(ctx, "k", NextSignal(2)))

	qsig, ok, err := quotes.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, qsig.Value())

	osig, ok, err := orders.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, osig.Value())
}

func TestSQLiteStore_RejectsBadTableNames(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"", "bad-name", "1numbers", "users; DROP TABLE users", "white space"} {
		_, err := NewSQLiteStore[int](db, table)
		require.ErrorIs(t, err, ErrBadTableName, "table %q", table)
	}
}

func TestSQLiteStore_NilDB(t *testing.T) {
	_, err := NewSQLiteStore[int](nil, "quotes")
	require.Error(t, err)
}
