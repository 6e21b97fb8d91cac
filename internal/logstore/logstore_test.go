package logstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/companionmemory/compmem/internal/logstore"
	"github.com/companionmemory/compmem/internal/table"
	"github.com/companionmemory/compmem/internal/testutil"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*logstore.Store, table.Client) {
	t.Helper()
	tbl := table.NewMemory()
	return logstore.NewStore(tbl, testutil.DiscardLogger()), tbl
}

func TestAppendAndFetch(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	e, err := store.Append(ctx, "U123", "reviewed the retry rotation", t0)
	testutil.NoError(t, err)
	testutil.Equal(t, "U123", e.UserID)
	testutil.Equal(t, t0, e.Timestamp)

	got, err := store.Fetch(ctx, "U123", t0.Add(-time.Hour), t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 1)
	testutil.Equal(t, e.ID, got[0].ID)
	testutil.Equal(t, "reviewed the retry rotation", got[0].Text)
}

func TestAppendValidates(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "", "text", t0)
	testutil.ErrorContains(t, err, "user id")

	_, err = store.Append(ctx, "U123", "   ", t0)
	testutil.ErrorContains(t, err, "log text")
}

func TestFetchWindowHalfOpen(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	times := []time.Time{
		t0.Add(-time.Minute), // before window
		t0,                   // inclusive lower bound
		t0.Add(30 * time.Minute),
		t0.Add(time.Hour), // exclusive upper bound
	}
	for i, at := range times {
		_, err := store.Append(ctx, "U123", time.Duration(i).String(), at)
		testutil.NoError(t, err)
	}

	got, err := store.Fetch(ctx, "U123", t0, t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 2)
	testutil.Equal(t, t0, got[0].Timestamp)
	testutil.Equal(t, t0.Add(30*time.Minute), got[1].Timestamp)
}

func TestFetchOrdersByTime(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, at := range []time.Time{t0.Add(20 * time.Minute), t0, t0.Add(10 * time.Minute)} {
		_, err := store.Append(ctx, "U123", "entry", at)
		testutil.NoError(t, err)
	}

	got, err := store.Fetch(ctx, "U123", t0.Add(-time.Hour), t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 3)
	for i := 1; i < len(got); i++ {
		testutil.True(t, got[i-1].Timestamp.Before(got[i].Timestamp), "entries out of order at %d", i)
	}
}

func TestFetchIsolatesUsers(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "U123", "mine", t0)
	testutil.NoError(t, err)
	_, err = store.Append(ctx, "U456", "theirs", t0)
	testutil.NoError(t, err)

	got, err := store.Fetch(ctx, "U123", t0.Add(-time.Hour), t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 1)
	testutil.Equal(t, "mine", got[0].Text)
}

func TestFetchSkipsSettingsItem(t *testing.T) {
	store, tbl := newStore(t)
	ctx := context.Background()

	// The same partition holds the user's settings item.
	settings := table.Item{PK: "user#U123", SK: "settings", Attrs: map[string]any{"timezone": "Asia/Tokyo"}}
	testutil.NoError(t, tbl.Put(ctx, settings, nil))
	_, err := store.Append(ctx, "U123", "entry", t0)
	testutil.NoError(t, err)

	got, err := store.Fetch(ctx, "U123", t0.Add(-time.Hour), t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 1)
}

func TestFetchEmptyWindow(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "U123", "entry", t0)
	testutil.NoError(t, err)

	got, err := store.Fetch(ctx, "U123", t0.Add(time.Hour), t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 0)
}

func TestFetchSkipsCorruptEntries(t *testing.T) {
	store, tbl := newStore(t)
	ctx := context.Background()

	corrupt := table.Item{PK: "user#U123", SK: "log#2026-03-14T09:30:00.000000Z#not-a-uuid", Attrs: map[string]any{"text": "x"}}
	testutil.NoError(t, tbl.Put(ctx, corrupt, nil))
	_, err := store.Append(ctx, "U123", "good", t0)
	testutil.NoError(t, err)

	got, err := store.Fetch(ctx, "U123", t0.Add(-time.Hour), t0.Add(time.Hour))
	testutil.NoError(t, err)
	testutil.SliceLen(t, got, 1)
	testutil.Equal(t, "good", got[0].Text)
}
