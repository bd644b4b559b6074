package lease

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-coordinator/backend/internal/cache"
	"collab-coordinator/backend/internal/entity"
	"collab-coordinator/backend/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *cache.MemorySubstrate, *testutil.Clock) {
	t.Helper()
	clk := testutil.NewClock()
	mem := cache.NewMemorySubstrate(clk.Now)
	return NewManager(mem, Options{Logger: testutil.Logger(t)}), mem, clk
}

// eachSubstrate 在内存实现和 Redis 协议实现（miniredis）上各跑一遍
func eachSubstrate(t *testing.T, fn func(t *testing.T, m *Manager, raw cache.Substrate)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		m, mem, _ := newTestManager(t)
		fn(t, m, mem)
	})
	t.Run("redis", func(t *testing.T) {
		rs, _ := testutil.NewMiniRedis(t)
		fn(t, NewManager(rs, Options{Logger: testutil.Logger(t)}), rs)
	})
}

func mustGet(t *testing.T, m *Manager, doc string) *entity.WriteLock {
	t.Helper()
	l, err := m.GetWriteLock(context.Background(), doc)
	require.NoError(t, err)
	return l
}

func TestSetWriteLockLastWriteWins(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
	require.NoError(t, m.SetWriteLock(ctx, "D", "cB", "u2"))

	assert.Equal(t, &entity.WriteLock{ClientID: "cB", UserID: "u2"}, mustGet(t, m, "D"))
}

func TestGetWriteLockAbsent(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Nil(t, mustGet(t, m, "D"))
}

func TestRenewWriteLockOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t)

	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
	clk.Advance(90 * time.Second)

	require.NoError(t, m.RenewWriteLock(ctx, "D", "cB"))
	assert.Equal(t, &entity.WriteLock{ClientID: "cA", UserID: "u1"}, mustGet(t, m, "D"))

	require.NoError(t, m.RenewWriteLock(ctx, "D", "cA"))
	// 原始 TTL 到期后依然存在，说明续期刷新了 TTL
	clk.Advance(90 * time.Second)
	assert.Equal(t, &entity.WriteLock{ClientID: "cA", UserID: "u1"}, mustGet(t, m, "D"))

	clk.Advance(31 * time.Second)
	assert.Nil(t, mustGet(t, m, "D"))
}

func TestRenewWriteLockNeverCreates(t *testing.T) {
	ctx := context.Background()
	m, mem, _ := newTestManager(t)

	require.NoError(t, m.RenewWriteLock(ctx, "D", "cA"))
	assert.Nil(t, mustGet(t, m, "D"))
	assert.Equal(t, 0, mem.Len())
}

func TestRenewByOtherClientDoesNotExtend(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t)

	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
	clk.Advance(time.Minute)
	require.NoError(t, m.RenewWriteLock(ctx, "D", "cB"))
	clk.Advance(time.Minute)

	assert.Nil(t, mustGet(t, m, "D"))
}

func TestAcquireWriteLockForce(t *testing.T) {
	cases := []struct {
		name     string
		existing *entity.WriteLock
		client   string
		user     string
		want     bool
		after    entity.WriteLock
	}{
		{"unheld", nil, "cA", "u1", true, entity.WriteLock{ClientID: "cA", UserID: "u1"}},
		{"same user other tab", &entity.WriteLock{ClientID: "cA", UserID: "u1"}, "cB", "u1", true, entity.WriteLock{ClientID: "cB", UserID: "u1"}},
		{"same user same tab", &entity.WriteLock{ClientID: "cA", UserID: "u1"}, "cA", "u1", true, entity.WriteLock{ClientID: "cA", UserID: "u1"}},
		{"other user", &entity.WriteLock{ClientID: "cA", UserID: "u1"}, "cB", "u2", false, entity.WriteLock{ClientID: "cA", UserID: "u1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m, _, _ := newTestManager(t)
			if tc.existing != nil {
				require.NoError(t, m.SetWriteLock(ctx, "D", tc.existing.ClientID, tc.existing.UserID))
			}

			got, err := m.AcquireWriteLockForce(ctx, "D", tc.client, tc.user)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, &tc.after, mustGet(t, m, "D"))
		})
	}
}

func TestReleaseThenAnyoneCanAcquire(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
	require.NoError(t, m.ReleaseWriteLock(ctx, "D"))
	assert.Nil(t, mustGet(t, m, "D"))

	// 再释放一次也不报错
	require.NoError(t, m.ReleaseWriteLock(ctx, "D"))

	ok, err := m.AcquireWriteLockForce(ctx, "D", "cX", "anyUser")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t)

	ok, err := m.AcquireWriteLockForce(ctx, "D", "cA", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(DefaultLockTTL - time.Millisecond)
	require.NotNil(t, mustGet(t, m, "D"))
	clk.Advance(time.Millisecond)
	assert.Nil(t, mustGet(t, m, "D"))

	ok, err = m.AcquireWriteLockForce(ctx, "D", "cB", "u2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMalformedLockTreatedAsAbsent(t *testing.T) {
	eachSubstrate(t, func(t *testing.T, m *Manager, raw cache.Substrate) {
		ctx := context.Background()
		for _, payload := range []string{"", "not-json", `{"clientId":"cA"}`, `{}`} {
			require.NoError(t, raw.Set(ctx, cache.LockKey("D"), []byte(payload), time.Minute))
			assert.Nil(t, mustGet(t, m, "D"), payload)

			require.NoError(t, m.RenewWriteLock(ctx, "D", "cA"))

			ok, err := m.AcquireWriteLockForce(ctx, "D", "cB", "u2")
			require.NoError(t, err, "payload %q", payload)
			assert.True(t, ok, "corrupt lock must not wedge the document: %q", payload)
			assert.Equal(t, &entity.WriteLock{ClientID: "cB", UserID: "u2"}, mustGet(t, m, "D"))

			released, err := m.ReleaseWriteLockIfHeld(ctx, "D", "cB")
			require.NoError(t, err)
			assert.True(t, released)
		}
	})
}

func TestLockOperationsValidateArguments(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakySubstrate(cache.NewMemorySubstrate(nil))
	flaky.FailGet, flaky.FailSet, flaky.FailDel = true, true, true
	m := NewManager(flaky, Options{Logger: testutil.Discard()})

	assert.ErrorIs(t, m.SetWriteLock(ctx, "", "c", "u"), entity.ErrInvalidArgument)
	assert.ErrorIs(t, m.SetWriteLock(ctx, "D", "c", ""), entity.ErrInvalidArgument)
	assert.ErrorIs(t, m.RenewWriteLock(ctx, "D", ""), entity.ErrInvalidArgument)
	assert.ErrorIs(t, m.ReleaseWriteLock(ctx, ""), entity.ErrInvalidArgument)
	_, err := m.GetWriteLock(ctx, "")
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
	_, err = m.AcquireWriteLockForce(ctx, "D", "", "u")
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
	_, err = m.ReleaseWriteLockIfHeld(ctx, "D", "")
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
}

func TestLockSubstrateErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakySubstrate(cache.NewMemorySubstrate(nil))
	m := NewManager(flaky, Options{Logger: testutil.Discard()})

	flaky.Toggle(&flaky.FailSet, true)
	assert.ErrorIs(t, m.SetWriteLock(ctx, "D", "c", "u"), testutil.ErrInjected)
	ok, err := m.AcquireWriteLockForce(ctx, "D", "c", "u")
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.False(t, ok)
	flaky.Toggle(&flaky.FailSet, false)

	flaky.Toggle(&flaky.FailGet, true)
	_, err = m.GetWriteLock(ctx, "D")
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.ErrorIs(t, m.RenewWriteLock(ctx, "D", "c"), testutil.ErrInjected)
	_, err = m.AcquireWriteLockForce(ctx, "D", "c", "u")
	assert.ErrorIs(t, err, testutil.ErrInjected)
	flaky.Toggle(&flaky.FailGet, false)

	flaky.Toggle(&flaky.FailDel, true)
	assert.ErrorIs(t, m.ReleaseWriteLock(ctx, "D"), testutil.ErrInjected)
	require.NoError(t, m.SetWriteLock(ctx, "D", "c", "u"))
	released, err := m.ReleaseWriteLockIfHeld(ctx, "D", "c")
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.False(t, released)
}

// FlakySubstrate 不实现 Swapper，这里走先读后写的路径
func TestReadThenWriteFallback(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewClock()
	flaky := testutil.NewFlakySubstrate(cache.NewMemorySubstrate(clk.Now))
	m := NewManager(flaky, Options{LockTTL: time.Minute, Logger: testutil.Discard()})

	ok, err := m.AcquireWriteLockForce(ctx, "D", "cA", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.AcquireWriteLockForce(ctx, "D", "cB", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(45 * time.Second)
	require.NoError(t, m.RenewWriteLock(ctx, "D", "cA"))
	clk.Advance(45 * time.Second)
	assert.Equal(t, &entity.WriteLock{ClientID: "cA", UserID: "u1"}, mustGet(t, m, "D"))

	ok, err = m.AcquireWriteLockForce(ctx, "D", "cC", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cC", mustGet(t, m, "D").ClientID)
}

// 模拟在读和写之间被人抢先：CAS 失败后重新读取判断。keep 为 true 时每次写都会被抢先
type racingSubstrate struct {
	*cache.MemorySubstrate
	interfere func()
	keep      bool
}

func (r *racingSubstrate) race() {
	if r.interfere == nil {
		return
	}
	f := r.interfere
	if !r.keep {
		r.interfere = nil
	}
	f()
}

func (r *racingSubstrate) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	r.race()
	return r.MemorySubstrate.CompareAndSwap(ctx, key, old, next, ttl)
}

func (r *racingSubstrate) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	r.race()
	return r.MemorySubstrate.CompareAndDelete(ctx, key, old)
}

func TestAcquireRechecksAfterLostRace(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemorySubstrate(nil)
	rs := &racingSubstrate{MemorySubstrate: mem}
	m := NewManager(rs, Options{Logger: testutil.Discard()})

	other := NewManager(mem, Options{Logger: testutil.Discard()})
	rs.interfere = func() {
		require.NoError(t, other.SetWriteLock(ctx, "D", "cZ", "u9"))
	}

	ok, err := m.AcquireWriteLockForce(ctx, "D", "cA", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, &entity.WriteLock{ClientID: "cZ", UserID: "u9"}, mustGet(t, m, "D"))
}

func TestRenewDoesNotResurrectReleasedLock(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemorySubstrate(nil)
	rs := &racingSubstrate{MemorySubstrate: mem}
	m := NewManager(rs, Options{Logger: testutil.Discard()})

	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
	rs.interfere = func() {
		require.NoError(t, mem.Del(ctx, cache.LockKey("D")))
	}

	require.NoError(t, m.RenewWriteLock(ctx, "D", "cA"))
	assert.Nil(t, mustGet(t, m, "D"))
}

func TestAcquireReportsContention(t *testing.T) {
	cases := []struct {
		name  string
		write func(mem *cache.MemorySubstrate, n int) error
	}{
		{"same user keeps switching tabs", func(mem *cache.MemorySubstrate, n int) error {
			return mem.Set(context.Background(), cache.LockKey("D"),
				[]byte(fmt.Sprintf(`{"clientId":"tab%d","userId":"u1"}`, n)), time.Minute)
		}},
		{"payload keeps getting corrupted", func(mem *cache.MemorySubstrate, n int) error {
			return mem.Set(context.Background(), cache.LockKey("D"), []byte(strings.Repeat("x", n)), time.Minute)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			mem := cache.NewMemorySubstrate(nil)
			rs := &racingSubstrate{MemorySubstrate: mem, keep: true}
			m := NewManager(rs, Options{Logger: testutil.Discard()})
			require.NoError(t, m.SetWriteLock(ctx, "D", "tab0", "u1"))

			n := 0
			rs.interfere = func() {
				n++
				require.NoError(t, tc.write(mem, n))
			}

			ok, err := m.AcquireWriteLockForce(ctx, "D", "cB", "u1")
			assert.ErrorIs(t, err, entity.ErrContended)
			assert.False(t, ok)
			assert.Equal(t, maxSwapAttempts, n)
		})
	}
}

func TestAcquireAfterLostRacesStillRejectsOtherUser(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemorySubstrate(nil)
	rs := &racingSubstrate{MemorySubstrate: mem, keep: true}
	m := NewManager(rs, Options{Logger: testutil.Discard()})
	require.NoError(t, m.SetWriteLock(ctx, "D", "tab0", "u1"))

	n := 0
	rs.interfere = func() {
		n++
		if n == maxSwapAttempts {
			require.NoError(t, mem.Set(ctx, cache.LockKey("D"), []byte(`{"clientId":"cZ","userId":"u9"}`), time.Minute))
			return
		}
		require.NoError(t, mem.Set(ctx, cache.LockKey("D"), []byte(fmt.Sprintf(`{"clientId":"tab%d","userId":"u1"}`, n)), time.Minute))
	}

	ok, err := m.AcquireWriteLockForce(ctx, "D", "cB", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseWriteLockIfHeld(t *testing.T) {
	eachSubstrate(t, func(t *testing.T, m *Manager, _ cache.Substrate) {
		ctx := context.Background()

		released, err := m.ReleaseWriteLockIfHeld(ctx, "D", "cA")
		require.NoError(t, err)
		assert.False(t, released, "nothing to release")

		require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
		released, err = m.ReleaseWriteLockIfHeld(ctx, "D", "cB")
		require.NoError(t, err)
		assert.False(t, released)
		assert.Equal(t, "cA", mustGet(t, m, "D").ClientID)

		released, err = m.ReleaseWriteLockIfHeld(ctx, "D", "cA")
		require.NoError(t, err)
		assert.True(t, released)
		assert.Nil(t, mustGet(t, m, "D"))
	})
}

// 读到自己持有之后、删除之前，同一用户的另一个标签页抢回了租约：不能把它删掉
func TestReleaseIfHeldKeepsLockReclaimedByOtherTab(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemorySubstrate(nil)
	rs := &racingSubstrate{MemorySubstrate: mem}
	m := NewManager(rs, Options{Logger: testutil.Discard()})
	other := NewManager(mem, Options{Logger: testutil.Discard()})

	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))
	rs.interfere = func() {
		ok, err := other.AcquireWriteLockForce(ctx, "D", "cB", "u1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	released, err := m.ReleaseWriteLockIfHeld(ctx, "D", "cA")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, &entity.WriteLock{ClientID: "cB", UserID: "u1"}, mustGet(t, m, "D"))
}

func TestReleaseIfHeldReportsContention(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemorySubstrate(nil)
	rs := &racingSubstrate{MemorySubstrate: mem, keep: true}
	m := NewManager(rs, Options{Logger: testutil.Discard()})
	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))

	// 每次都换成字节不同、但依旧由 cA 持有的载荷
	n := 0
	rs.interfere = func() {
		n++
		payload := `{"clientId":"cA","userId":"u1"}` + strings.Repeat(" ", n)
		require.NoError(t, mem.Set(ctx, cache.LockKey("D"), []byte(payload), time.Minute))
	}

	released, err := m.ReleaseWriteLockIfHeld(ctx, "D", "cA")
	assert.ErrorIs(t, err, entity.ErrContended)
	assert.False(t, released)
	assert.Equal(t, "cA", mustGet(t, m, "D").ClientID)
}

// FlakySubstrate 没有 CompareAndDelete，退化为先读后删
func TestReleaseIfHeldFallback(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakySubstrate(cache.NewMemorySubstrate(nil))
	m := NewManager(flaky, Options{Logger: testutil.Discard()})
	require.NoError(t, m.SetWriteLock(ctx, "D", "cA", "u1"))

	released, err := m.ReleaseWriteLockIfHeld(ctx, "D", "cB")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = m.ReleaseWriteLockIfHeld(ctx, "D", "cA")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Nil(t, mustGet(t, m, "D"))
}
