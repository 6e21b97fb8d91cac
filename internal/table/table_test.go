package table_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/companionmemory/compmem/internal/table"
	"github.com/companionmemory/compmem/internal/testutil"
)

var refTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestMemoryBackend(t *testing.T) {
	runClientSuite(t, func(t *testing.T) table.Client { return table.NewMemory() })
}

func TestBoltBackend(t *testing.T) {
	runClientSuite(t, openBolt)
}

func openBolt(t *testing.T) table.Client {
	t.Helper()
	c, err := table.NewBolt(filepath.Join(t.TempDir(), "table.db"))
	testutil.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// runClientSuite exercises the Client contract every backend must satisfy.
// The postgres integration tests run the same suite against a live server.
func runClientSuite(t *testing.T, open func(t *testing.T) table.Client) {
	ctx := context.Background()

	put := func(t *testing.T, c table.Client, pk, sk string, attrs map[string]any) {
		t.Helper()
		testutil.NoError(t, c.Put(ctx, table.Item{PK: pk, SK: sk, Attrs: attrs}, nil))
	}

	// --- Reads and Writes ---

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{
			"status":   "pending",
			"attempts": 3,
			"payload":  `{"user_id":"U1"}`,
		})

		got, err := c.Get(ctx, "job", "a")
		testutil.NoError(t, err)
		testutil.Equal(t, "pending", got.Attrs["status"].(string))
		testutil.Equal(t, int64(3), got.Attrs["attempts"].(int64))
		testutil.Equal(t, `{"user_id":"U1"}`, got.Attrs["payload"].(string))
	})

	t.Run("GetMissing", func(t *testing.T) {
		c := open(t)
		_, err := c.Get(ctx, "job", "nope")
		testutil.ErrorIs(t, err, table.ErrNotFound)
	})

	t.Run("PutReplacesWholeItem", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"status": "pending", "locked_by": "w1"})
		put(t, c, "job", "a", map[string]any{"status": "completed"})

		got, err := c.Get(ctx, "job", "a")
		testutil.NoError(t, err)
		testutil.Equal(t, "completed", got.Attrs["status"].(string))
		_, leftover := got.Attrs["locked_by"]
		testutil.False(t, leftover, "replaced item kept a stale attribute")
	})

	// --- Conditional Writes ---

	t.Run("PutIfAbsent", func(t *testing.T) {
		c := open(t)
		first := table.Item{PK: "dedup", SK: "2026-03-14", Attrs: map[string]any{"job_sk": "s1"}}
		testutil.NoError(t, c.Put(ctx, first, table.IfAbsent()))

		second := table.Item{PK: "dedup", SK: "2026-03-14", Attrs: map[string]any{"job_sk": "s2"}}
		testutil.ErrorIs(t, c.Put(ctx, second, table.IfAbsent()), table.ErrConditionFailed)

		got, err := c.Get(ctx, "dedup", "2026-03-14")
		testutil.NoError(t, err)
		testutil.Equal(t, "s1", got.Attrs["job_sk"].(string))
	})

	t.Run("PutGuardedReplace", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"status": "pending"})

		ok := table.Item{PK: "job", SK: "a", Attrs: map[string]any{"status": "cancelled"}}
		testutil.NoError(t, c.Put(ctx, ok, table.Eq("status", "pending")))

		again := table.Item{PK: "job", SK: "a", Attrs: map[string]any{"status": "pending"}}
		testutil.ErrorIs(t, c.Put(ctx, again, table.Eq("status", "pending")), table.ErrConditionFailed)
	})

	t.Run("PutConditionOnMissingItem", func(t *testing.T) {
		c := open(t)
		item := table.Item{PK: "job", SK: "ghost", Attrs: map[string]any{"status": "pending"}}
		testutil.ErrorIs(t, c.Put(ctx, item, table.Eq("status", "pending")), table.ErrConditionFailed)
	})

	t.Run("UpdateSetAndRemove", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"status": "in_progress", "locked_by": "w1", "attempts": 1})

		err := c.Update(ctx, "job", "a",
			map[string]any{"status": "completed", "completed_at": table.FormatTime(refTime)},
			[]string{"locked_by"},
			table.Eq("locked_by", "w1"))
		testutil.NoError(t, err)

		got, err := c.Get(ctx, "job", "a")
		testutil.NoError(t, err)
		testutil.Equal(t, "completed", got.Attrs["status"].(string))
		testutil.Equal(t, int64(1), got.Attrs["attempts"].(int64))
		_, locked := got.Attrs["locked_by"]
		testutil.False(t, locked, "removed attribute still present")
	})

	t.Run("UpdateMissingItem", func(t *testing.T) {
		c := open(t)
		err := c.Update(ctx, "job", "ghost", map[string]any{"status": "completed"}, nil, nil)
		testutil.ErrorIs(t, err, table.ErrConditionFailed)
	})

	t.Run("UpdateConditionMismatchLeavesItem", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"status": "in_progress", "locked_by": "w1"})

		err := c.Update(ctx, "job", "a", map[string]any{"status": "completed"}, nil, table.Eq("locked_by", "w2"))
		testutil.ErrorIs(t, err, table.ErrConditionFailed)

		got, err := c.Get(ctx, "job", "a")
		testutil.NoError(t, err)
		testutil.Equal(t, "in_progress", got.Attrs["status"].(string))
	})

	t.Run("UpdateIfNotSet", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"status": "failed"})

		cond := table.IfNotSet("superseded_by")
		testutil.NoError(t, c.Update(ctx, "job", "a", map[string]any{"superseded_by": "s2"}, nil, cond))
		testutil.ErrorIs(t, c.Update(ctx, "job", "a", map[string]any{"superseded_by": "s3"}, nil, cond), table.ErrConditionFailed)

		got, err := c.Get(ctx, "job", "a")
		testutil.NoError(t, err)
		testutil.Equal(t, "s2", got.Attrs["superseded_by"].(string))
	})

	t.Run("LtOnTimestampsIsStrict", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"lock_expires_at": table.FormatTime(refTime)})

		set := map[string]any{"touched": "yes"}
		testutil.NoError(t, c.Update(ctx, "job", "a", set, nil,
			table.Lt("lock_expires_at", table.FormatTime(refTime.Add(time.Second)))))
		testutil.ErrorIs(t, c.Update(ctx, "job", "a", set, nil,
			table.Lt("lock_expires_at", table.FormatTime(refTime))), table.ErrConditionFailed)
		testutil.ErrorIs(t, c.Update(ctx, "job", "a", set, nil,
			table.Lt("lock_expires_at", table.FormatTime(refTime.Add(-time.Second)))), table.ErrConditionFailed)
	})

	t.Run("LtOnIntegers", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"attempts": 4})

		set := map[string]any{"touched": "yes"}
		testutil.NoError(t, c.Update(ctx, "job", "a", set, nil, table.Lt("attempts", 5)))
		testutil.ErrorIs(t, c.Update(ctx, "job", "a", set, nil, table.Lt("attempts", 4)), table.ErrConditionFailed)
	})

	t.Run("ComposedClaimCondition", func(t *testing.T) {
		c := open(t)
		now := table.FormatTime(refTime)
		claim := table.And(
			table.Or(table.Eq("status", "pending"), table.Eq("status", "in_progress")),
			table.Or(table.IfNotSet("lock_expires_at"), table.Lt("lock_expires_at", now)),
		)
		set := map[string]any{"status": "in_progress", "locked_by": "w1"}

		put(t, c, "job", "fresh", map[string]any{"status": "pending"})
		testutil.NoError(t, c.Update(ctx, "job", "fresh", set, nil, claim))

		put(t, c, "job", "expired", map[string]any{
			"status":          "in_progress",
			"lock_expires_at": table.FormatTime(refTime.Add(-time.Minute)),
		})
		testutil.NoError(t, c.Update(ctx, "job", "expired", set, nil, claim))

		put(t, c, "job", "held", map[string]any{
			"status":          "in_progress",
			"lock_expires_at": table.FormatTime(refTime.Add(time.Minute)),
		})
		testutil.ErrorIs(t, c.Update(ctx, "job", "held", set, nil, claim), table.ErrConditionFailed)

		put(t, c, "job", "done", map[string]any{"status": "completed"})
		testutil.ErrorIs(t, c.Update(ctx, "job", "done", set, nil, claim), table.ErrConditionFailed)
	})

	// --- Deletes ---

	t.Run("DeleteConditional", func(t *testing.T) {
		c := open(t)
		put(t, c, "job", "a", map[string]any{"status": "completed"})

		testutil.ErrorIs(t, c.Delete(ctx, "job", "a", table.Eq("status", "pending")), table.ErrConditionFailed)
		_, err := c.Get(ctx, "job", "a")
		testutil.NoError(t, err)

		testutil.NoError(t, c.Delete(ctx, "job", "a", table.Eq("status", "completed")))
		_, err = c.Get(ctx, "job", "a")
		testutil.ErrorIs(t, err, table.ErrNotFound)
	})

	t.Run("DeleteMissingUnconditional", func(t *testing.T) {
		c := open(t)
		testutil.NoError(t, c.Delete(ctx, "job", "ghost", nil))
	})

	// --- Range Queries ---

	t.Run("QueryRangeInclusive", func(t *testing.T) {
		c := open(t)
		for _, sk := range []string{"b", "d", "a", "e", "c"} {
			put(t, c, "job", sk, map[string]any{"mark": sk})
		}
		put(t, c, "user#u1", "b", map[string]any{"mark": "other-partition"})

		items, err := c.Query(ctx, table.Query{PK: "job", SKMin: "b", SKMax: "d"})
		testutil.NoError(t, err)
		testutil.SliceLen(t, items, 3)
		testutil.Equal(t, "b", items[0].SK)
		testutil.Equal(t, "c", items[1].SK)
		testutil.Equal(t, "d", items[2].SK)
	})

	t.Run("QueryUnboundedReturnsPartition", func(t *testing.T) {
		c := open(t)
		for _, sk := range []string{"b", "a", "c"} {
			put(t, c, "job", sk, map[string]any{"mark": sk})
		}
		put(t, c, "system#scheduler", "lock#main", map[string]any{"mark": "lock"})

		items, err := c.Query(ctx, table.Query{PK: "job"})
		testutil.NoError(t, err)
		testutil.SliceLen(t, items, 3)
	})

	t.Run("QueryLimitKeepsLowestKeys", func(t *testing.T) {
		c := open(t)
		for _, sk := range []string{"d", "a", "c", "b"} {
			put(t, c, "job", sk, map[string]any{"mark": sk})
		}

		items, err := c.Query(ctx, table.Query{PK: "job", Limit: 2})
		testutil.NoError(t, err)
		testutil.SliceLen(t, items, 2)
		testutil.Equal(t, "a", items[0].SK)
		testutil.Equal(t, "b", items[1].SK)
	})

	t.Run("QueryEmptyPartition", func(t *testing.T) {
		c := open(t)
		items, err := c.Query(ctx, table.Query{PK: "job"})
		testutil.NoError(t, err)
		testutil.SliceLen(t, items, 0)
	})
}

// --- Time Codec ---

func TestFormatTimeOrderMatchesChronology(t *testing.T) {
	times := []time.Time{
		refTime.Add(90 * time.Second),
		refTime,
		refTime.Add(time.Microsecond),
		refTime.Add(-24 * time.Hour),
		refTime.Add(365 * 24 * time.Hour),
	}
	encoded := make([]string, len(times))
	for i, tm := range times {
		encoded[i] = table.FormatTime(tm)
	}
	sort.Strings(encoded)

	for i := 1; i < len(encoded); i++ {
		prev, err := table.ParseTime(encoded[i-1])
		testutil.NoError(t, err)
		cur, err := table.ParseTime(encoded[i])
		testutil.NoError(t, err)
		testutil.True(t, prev.Before(cur), "encoded order diverged from time order at %d", i)
	}
}

func TestFormatTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.FixedZone("JST", 9*3600))
	got, err := table.ParseTime(table.FormatTime(in))
	testutil.NoError(t, err)
	testutil.True(t, got.Equal(in.Truncate(time.Microsecond)), "round trip changed the instant")
	testutil.Equal(t, "UTC", got.Location().String())
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "2026-03-14", "2026-03-14T09:00:00Z", "not-a-time"} {
		if _, err := table.ParseTime(s); err == nil {
			t.Fatalf("ParseTime(%q) should fail", s)
		}
	}
}
