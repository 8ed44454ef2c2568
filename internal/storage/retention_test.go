package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "curses/pkg/logx"
)

func appendN(t *testing.T, st Store, n int, at time.Time, status string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{
			At: at, Service: "discord", Key: "stt", Kind: "final", Seq: uint64(i + 1), Status: status,
		}))
	}
}

func TestPruneDeliveriesByAge(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			ctx := context.Background()

			appendN(t, st, 500, time.Now().AddDate(-1, 0, 0), "failed")
			appendN(t, st, 3, time.Now(), "delivered")

			n, err := st.PruneDeliveries(ctx, time.Now().Add(-24*time.Hour), 0)
			require.NoError(t, err)
			assert.Equal(t, 500, n)

			got, err := st.RecentDeliveries(ctx, 1000)
			require.NoError(t, err)
			require.Len(t, got, 3)
			for _, r := range got {
				assert.Equal(t, "delivered", r.Status)
			}

			n, err = st.PruneDeliveries(ctx, time.Now().Add(-24*time.Hour), 0)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestPruneDeliveriesKeepsNewest(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			ctx := context.Background()

			appendN(t, st, 10, time.Now(), "delivered")
			n, err := st.PruneDeliveries(ctx, time.Time{}, 4)
			require.NoError(t, err)
			assert.Equal(t, 6, n)

			got, err := st.RecentDeliveries(ctx, 100)
			require.NoError(t, err)
			require.Len(t, got, 4)
			assert.Equal(t, uint64(10), got[0].Seq)
			assert.Equal(t, uint64(7), got[3].Seq)

			// appends keep working after the audit was rewritten
			require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{Service: "discord", Key: "stt", Seq: 11, Status: "delivered"}))
			got, err = st.RecentDeliveries(ctx, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, uint64(11), got[0].Seq)
		})
	}
}

func TestPruneSurvivesReopen(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			appendN(t, st, 20, time.Now(), "delivered")
			_, err = st.PruneDeliveries(context.Background(), time.Time{}, 5)
			require.NoError(t, err)
			require.NoError(t, st.Close())

			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err := st.RecentDeliveries(context.Background(), 100)
			require.NoError(t, err)
			assert.Len(t, got, 5)
		})
	}
}

func TestRecentDeliveriesRing(t *testing.T) {
	cfg := drivers(t)["file"]
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	appendN(t, st, 7, time.Now(), "delivered")
	for limit := 1; limit <= 9; limit++ {
		got, err := st.RecentDeliveries(context.Background(), limit)
		require.NoError(t, err)
		want := min(limit, 7)
		require.Len(t, got, want, fmt.Sprintf("limit %d", limit))
		for i, r := range got {
			assert.Equal(t, uint64(7-i), r.Seq)
		}
	}
}

type countingStore struct {
	Store
	calls atomic.Int32
	keep  atomic.Int32
}

func (c *countingStore) PruneDeliveries(_ context.Context, _ time.Time, keep int) (int, error) {
	c.calls.Add(1)
	c.keep.Store(int32(keep))
	return 1, nil
}

func TestNewPrunerValidates(t *testing.T) {
	_, err := NewPruner(nil, Retention{MaxCount: 1}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = NewPruner(&countingStore{}, Retention{MaxCount: 1, Schedule: "whenever"}, logx.Nop())
	assert.Error(t, err)

	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}

func TestPruneOnceUsesMaxAge(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			appendN(t, st, 5, time.Now().AddDate(-1, 0, 0), "failed")
			appendN(t, st, 2, time.Now(), "delivered")

			p, err := NewPruner(st, Retention{MaxAge: 30 * 24 * time.Hour}, logx.Nop())
			require.NoError(t, err)
			n, err := p.PruneOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, int64(5), p.Removed())
			assert.Equal(t, int64(1), p.Runs())
		})
	}
}

func TestPrunerRunsOnSchedule(t *testing.T) {
	st := &countingStore{}
	p, err := NewPruner(st, Retention{MaxCount: 3, Schedule: "@every 1s"}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// one pass at start, then at least one scheduled pass
	require.Eventually(t, func() bool { return st.calls.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(3), st.keep.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pruner did not stop")
	}
	calls := st.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, calls, st.calls.Load())
}
