package locks_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordsync/internal/locks"
	"recordsync/internal/obs"
)

// acquireAsync starts Acquire in a goroutine and returns a channel that
// yields the token once granted.
func acquireAsync(t *testing.T, tbl *locks.Table, key locks.Key) <-chan locks.Token {
	t.Helper()
	ch := make(chan locks.Token, 1)
	go func() {
		tok, err := tbl.Acquire(context.Background(), key)
		if err != nil {
			t.Errorf("acquire %s: %v", key, err)
			return
		}
		ch <- tok
	}()
	return ch
}

func waitQueued(t *testing.T, tbl *locks.Table, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, waiting := tbl.Len()
		return waiting == n
	}, time.Second, time.Millisecond)
}

func requireBlocked(t *testing.T, ch <-chan locks.Token) {
	t.Helper()
	select {
	case tok := <-ch:
		t.Fatalf("expected request to stay queued, got token for %s", tok.Key)
	case <-time.After(20 * time.Millisecond):
	}
}

func requireGranted(t *testing.T, ch <-chan locks.Token) locks.Token {
	t.Helper()
	select {
	case tok := <-ch:
		return tok
	case <-time.After(time.Second):
		t.Fatalf("request was never granted")
		return locks.Token{}
	}
}

func TestSameKeyWaitsForRelease(t *testing.T) {
	tbl := locks.NewTable()
	key := locks.MustKey("postType", "post", 10)

	a, err := tbl.Acquire(context.Background(), key)
	require.NoError(t, err)

	b := acquireAsync(t, tbl, key)
	waitQueued(t, tbl, 1)
	requireBlocked(t, b)

	require.NoError(t, tbl.Release(a))
	tokB := requireGranted(t, b)
	assert.Greater(t, tokB.Fence, a.Fence)
	require.NoError(t, tbl.Release(tokB))

	held, waiting := tbl.Len()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)
}

func TestPrefixKeysSerialize(t *testing.T) {
	tbl := locks.NewTable()
	parent := locks.MustKey("entities", "records", "postType", "post")
	child := locks.MustKey("entities", "records", "postType", "post", 10)

	// parent held blocks the child
	p, err := tbl.Acquire(context.Background(), parent)
	require.NoError(t, err)
	c := acquireAsync(t, tbl, child)
	waitQueued(t, tbl, 1)
	requireBlocked(t, c)
	require.NoError(t, tbl.Release(p))
	cTok := requireGranted(t, c)

	// child held blocks the parent
	p2 := acquireAsync(t, tbl, parent)
	waitQueued(t, tbl, 1)
	requireBlocked(t, p2)
	require.NoError(t, tbl.Release(cTok))
	require.NoError(t, tbl.Release(requireGranted(t, p2)))
}

func TestDisjointKeysDoNotWait(t *testing.T) {
	tbl := locks.NewTable()
	ctx := context.Background()

	a, err := tbl.Acquire(ctx, locks.MustKey("postType", "post", 10))
	require.NoError(t, err)
	b, err := tbl.Acquire(ctx, locks.MustKey("postType", "post", 11))
	require.NoError(t, err)
	c, err := tbl.Acquire(ctx, locks.MustKey("postType", "post1"))
	require.NoError(t, err)

	held, waiting := tbl.Len()
	assert.Equal(t, 3, held)
	assert.Equal(t, 0, waiting)
	for _, tok := range []locks.Token{a, b, c} {
		require.NoError(t, tbl.Release(tok))
	}
}

func TestWaitersGrantedInArrivalOrder(t *testing.T) {
	tbl := locks.NewTable()
	key := locks.MustKey("postType", "post", 10)

	first, err := tbl.Acquire(context.Background(), key)
	require.NoError(t, err)

	const n = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := tbl.Acquire(context.Background(), key)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if err := tbl.Release(tok); err != nil {
				t.Errorf("release: %v", err)
			}
		}(i)
		// make arrival order deterministic
		waitQueued(t, tbl, i+1)
	}

	require.NoError(t, tbl.Release(first))
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLaterRequestQueuesBehindEarlierOverlappingWaiter(t *testing.T) {
	tbl := locks.NewTable()
	child := locks.MustKey("postType", "post", 10)
	parent := locks.MustKey("postType", "post")
	sibling := locks.MustKey("postType", "post", 11)

	held, err := tbl.Acquire(context.Background(), child)
	require.NoError(t, err)

	// parent waits on the held child
	p := acquireAsync(t, tbl, parent)
	waitQueued(t, tbl, 1)

	// sibling conflicts with nothing held, but must not overtake the queued parent
	s := acquireAsync(t, tbl, sibling)
	waitQueued(t, tbl, 2)
	requireBlocked(t, s)

	require.NoError(t, tbl.Release(held))
	pTok := requireGranted(t, p)
	requireBlocked(t, s)

	require.NoError(t, tbl.Release(pTok))
	require.NoError(t, tbl.Release(requireGranted(t, s)))
}

func TestReleaseGrantsAllCompatibleWaiters(t *testing.T) {
	tbl := locks.NewTable()
	parent := locks.MustKey("postType", "post")

	p, err := tbl.Acquire(context.Background(), parent)
	require.NoError(t, err)

	c1 := acquireAsync(t, tbl, locks.MustKey("postType", "post", 1))
	waitQueued(t, tbl, 1)
	c2 := acquireAsync(t, tbl, locks.MustKey("postType", "post", 2))
	waitQueued(t, tbl, 2)

	require.NoError(t, tbl.Release(p))
	require.NoError(t, tbl.Release(requireGranted(t, c1)))
	require.NoError(t, tbl.Release(requireGranted(t, c2)))
}

func TestReleaseInvalidToken(t *testing.T) {
	tbl := locks.NewTable()
	tok, err := tbl.Acquire(context.Background(), locks.MustKey("a"))
	require.NoError(t, err)
	require.NoError(t, tbl.Release(tok))

	err = tbl.Release(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, locks.ErrInvalidToken))

	var ite *locks.InvalidTokenError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, tok.ID, ite.TokenID)

	err = tbl.Release(locks.Token{ID: "never-issued"})
	assert.True(t, errors.Is(err, locks.ErrInvalidToken))
}

func TestAcquireRejectsMalformedKeys(t *testing.T) {
	tbl := locks.NewTable()
	for name, key := range map[string]locks.Key{
		"nil":        nil,
		"empty":      {},
		"empty part": {"postType", ""},
		"nul":        {"post\x00Type"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tbl.Acquire(context.Background(), key)
			require.Error(t, err)
			assert.True(t, errors.Is(err, locks.ErrKeyInvalid))
		})
	}

	_, err := locks.NewKey("postType", []int{1})
	assert.True(t, errors.Is(err, locks.ErrKeyInvalid))
	_, err = locks.NewKey("postType", nil)
	assert.True(t, errors.Is(err, locks.ErrKeyInvalid))
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	tbl := locks.NewTable()
	key := locks.MustKey("postType", "post", 10)

	held, err := tbl.Acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Acquire(ctx, key)
		errCh <- err
	}()
	waitQueued(t, tbl, 1)

	// a later waiter queued behind the one being cancelled
	later := acquireAsync(t, tbl, key)
	waitQueued(t, tbl, 2)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	waitQueued(t, tbl, 1)

	require.NoError(t, tbl.Release(held))
	require.NoError(t, tbl.Release(requireGranted(t, later)))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCancelRacingGrantReturnsLock(t *testing.T) {
	var logs lockedBuffer
	tbl := locks.NewTable(locks.WithLogger(obs.NewLoggerTo(&logs)))
	key := locks.MustKey("postType", "post", 10)

	for i := 0; i < 200; i++ {
		held, err := tbl.Acquire(context.Background(), key)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		got := make(chan error, 1)
		var tok locks.Token
		go func() {
			var err error
			tok, err = tbl.Acquire(ctx, key)
			got <- err
		}()
		waitQueued(t, tbl, 1)

		// cancel and grant at the same moment
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); assert.NoError(t, tbl.Release(held)) }()
		wg.Wait()

		if err := <-got; err == nil {
			require.NoError(t, tbl.Release(tok))
		} else {
			require.ErrorIs(t, err, context.Canceled)
		}
		n, waiting := tbl.Len()
		require.Zero(t, n, "iteration %d", i)
		require.Zero(t, waiting, "iteration %d", i)
	}

	assert.NotContains(t, logs.String(), "acquire_cancelled")
}

func TestSnapshotReportsHeldAndWaiting(t *testing.T) {
	tbl := locks.NewTable()
	key := locks.MustKey("root", "postType", "page")

	tok, err := tbl.Acquire(context.Background(), key)
	require.NoError(t, err)
	w := acquireAsync(t, tbl, key)
	waitQueued(t, tbl, 1)

	snap := tbl.Snapshot()
	require.Len(t, snap.Held, 1)
	assert.Equal(t, tok.ID, snap.Held[0].Token.ID)
	require.Len(t, snap.Waiting, 1)
	assert.Equal(t, key, snap.Waiting[0].Key)

	require.NoError(t, tbl.Release(tok))
	require.NoError(t, tbl.Release(requireGranted(t, w)))
}

func TestMetricsTrackAcquisitions(t *testing.T) {
	m := obs.NewMetrics(nil)
	tbl := locks.NewTable(locks.WithMetrics(m))
	key := locks.MustKey("postType", "post", 10)

	a, err := tbl.Acquire(context.Background(), key)
	require.NoError(t, err)
	b := acquireAsync(t, tbl, key)
	waitQueued(t, tbl, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksWaiting))

	require.NoError(t, tbl.Release(a))
	require.NoError(t, tbl.Release(requireGranted(t, b)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockAcquireTotal.WithLabelValues("immediate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockAcquireTotal.WithLabelValues("queued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LockReleaseTotal.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocksHeld))
}

// TestMutualExclusionUnderContention hammers overlapping keys from many
// goroutines and checks no two conflicting holders ever overlap.
func TestMutualExclusionUnderContention(t *testing.T) {
	tbl := locks.NewTable()

	keys := []locks.Key{
		locks.MustKey("entities", "records", "postType", "post"),
		locks.MustKey("entities", "records", "postType", "post", 1),
		locks.MustKey("entities", "records", "postType", "post", 2),
		locks.MustKey("entities", "records", "postType", "page", 1),
	}

	var (
		mu       sync.Mutex
		holders  []locks.Key
		overlaps int64
		grants   int64
	)
	enter := func(k locks.Key) {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range holders {
			if h.Conflicts(k) {
				overlaps++
			}
		}
		holders = append(holders, k)
	}
	leave := func(k locks.Key) {
		mu.Lock()
		defer mu.Unlock()
		for i, h := range holders {
			if h.String() == k.String() {
				holders = append(holders[:i], holders[i+1:]...)
				return
			}
		}
	}

	const (
		workers = 16
		rounds  = 50
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				k := keys[(i+r)%len(keys)]
				tok, err := tbl.Acquire(context.Background(), k)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				atomic.AddInt64(&grants, 1)
				enter(k)
				time.Sleep(50 * time.Microsecond)
				leave(k)
				if err := tbl.Release(tok); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if overlaps != 0 {
		t.Fatalf("mutual exclusion violated %d times", overlaps)
	}
	if grants != workers*rounds {
		t.Fatalf("expected %d grants, got %d", workers*rounds, grants)
	}
	held, waiting := tbl.Len()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)
}
