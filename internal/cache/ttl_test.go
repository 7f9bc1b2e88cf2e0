package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTTLExpiresEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewTTL[string](5 * time.Minute).WithClock(clock.Now)

	c.Set("user-1", "SHARED_KEY")
	entry, ok := c.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, "SHARED_KEY", entry.Value)
	assert.Equal(t, 5*time.Minute, entry.TTL)

	clock.Advance(4*time.Minute + 59*time.Second)
	_, ok = c.Get("user-1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("user-1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Purge())
}

func TestTTLZeroNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewTTL[string](0).WithClock(clock.Now)
	c.Set("user-1", "token")
	clock.Advance(24 * time.Hour)
	_, ok := c.Get("user-1")
	assert.True(t, ok)
}

func TestGetOrLoadUsesFreshEntry(t *testing.T) {
	c := NewTTL[bool](2 * time.Minute)
	c.Set("user-1", true)

	calls := 0
	v, err := c.GetOrLoad(context.Background(), "user-1", false, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.True(t, v)
	assert.Zero(t, calls)

	v, err = c.GetOrLoad(context.Background(), "user-1", true, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, v)
	assert.Equal(t, 1, calls)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := NewTTL[string](time.Minute)
	_, err := c.GetOrLoad(context.Background(), "k", false, func(context.Context) (string, error) {
		return "", errors.New("store down")
	})
	require.Error(t, err)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestGetOrLoadCollapsesConcurrentMisses(t *testing.T) {
	c := NewTTL[string](time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "shared", false, func(context.Context) (string, error) {
				calls.Add(1)
				<-release
				return "SHARED_KEY", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	for _, v := range results {
		assert.Equal(t, "SHARED_KEY", v)
	}
}

func TestGetOrLoadSurvivesFirstCallerCancel(t *testing.T) {
	c := NewTTL[string](time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "SHARED_KEY", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(ctx, "shared", false, load)
		first <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		v, err := c.GetOrLoad(context.Background(), "shared", false, func(context.Context) (string, error) {
			return "SECOND", nil
		})
		assert.NoError(t, err)
		second <- v
	}()

	cancel()
	close(release)

	require.NoError(t, <-first)
	assert.Equal(t, "SHARED_KEY", <-second)
	entry, ok := c.Get("shared")
	require.True(t, ok)
	assert.Equal(t, "SHARED_KEY", entry.Value)
}
