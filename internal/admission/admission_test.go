package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genproxy/internal/domain"
	"genproxy/internal/metrics"
	"genproxy/internal/sqlinline"
)

type failingGate struct{ calls int }

func (g *failingGate) RequestSlot(context.Context, string, time.Duration) error {
	g.calls++
	return errors.New("gate unreachable")
}

func TestAcquireSlotSwallowsGateError(t *testing.T) {
	reg := prometheus.NewRegistry()
	gate := &failingGate{}
	c := NewController(Options{Gate: gate, Metrics: metrics.NewRecorder(reg)})

	ok := c.AcquireSlot(context.Background(), domain.ServerEndpoint{URL: "https://s1.example"})
	assert.False(t, ok)
	assert.Equal(t, 1, gate.calls)

	count, err := testutil.GatherAndCount(reg, "genproxy_soft_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAcquireSlotNoopGate(t *testing.T) {
	c := NewController(Options{})
	assert.True(t, c.AcquireSlot(context.Background(), domain.ServerEndpoint{URL: "https://s1.example"}))
}

type recordingExec struct {
	query string
	args  []any
	err   error
}

func (r *recordingExec) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	r.query, r.args = query, args
	return pgconn.NewCommandTag("SELECT 1"), r.err
}

func (r *recordingExec) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return nil
}

func (r *recordingExec) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestSQLGate(t *testing.T) {
	exec := &recordingExec{}
	gate := NewSQLGate(exec)

	require.NoError(t, gate.RequestSlot(context.Background(), "https://s1.example", 10*time.Second))
	assert.Equal(t, sqlinline.QRequestGenerationSlot, exec.query)
	assert.Equal(t, []any{10, "https://s1.example"}, exec.args)

	exec.err = errors.New("function missing")
	err := gate.RequestSlot(context.Background(), "https://s1.example", 10*time.Second)
	require.ErrorIs(t, err, domain.ErrAdmissionUnavailable)
}

// windowScripter emulates LuaRequestSlot in memory.
type windowScripter struct {
	mu       sync.Mutex
	used     map[string]int64
	expires  map[string]time.Time
	evalErr  error
	requests int
}

func newWindowScripter() *windowScripter {
	return &windowScripter{used: map[string]int64{}, expires: map[string]time.Time{}}
}

func (s *windowScripter) run(keys []string, args ...interface{}) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.evalErr != nil {
		return redis.NewCmdResult(nil, s.evalErr)
	}
	key := keys[0]
	windowMs := args[0].(int64)
	capacity := int64(args[1].(int))
	now := time.Now()
	if exp, ok := s.expires[key]; ok && !now.Before(exp) {
		delete(s.used, key)
		delete(s.expires, key)
	}
	if s.used[key] >= capacity {
		return redis.NewCmdResult([]interface{}{int64(0), s.expires[key].Sub(now).Milliseconds()}, nil)
	}
	s.used[key]++
	if s.used[key] == 1 {
		s.expires[key] = now.Add(time.Duration(windowMs) * time.Millisecond)
	}
	return redis.NewCmdResult([]interface{}{int64(1), s.expires[key].Sub(now).Milliseconds()}, nil)
}

func (s *windowScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *windowScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *windowScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *windowScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return s.run(keys, args...)
}

func (s *windowScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (s *windowScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedisGateGrantsWithinCapacity(t *testing.T) {
	rdb := newWindowScripter()
	gate := NewRedisGate(rdb, 2, time.Second)

	require.NoError(t, gate.RequestSlot(context.Background(), "https://s1.example/", 10*time.Second))
	require.NoError(t, gate.RequestSlot(context.Background(), "https://s1.example", 10*time.Second))
	// a different server has its own window
	require.NoError(t, gate.RequestSlot(context.Background(), "https://s2.example", 10*time.Second))
	assert.Equal(t, 3, rdb.requests)
}

func TestRedisGateWaitsForWindow(t *testing.T) {
	rdb := newWindowScripter()
	gate := NewRedisGate(rdb, 1, 2*time.Second)

	require.NoError(t, gate.RequestSlot(context.Background(), "https://s1.example", 60*time.Millisecond))
	start := time.Now()
	require.NoError(t, gate.RequestSlot(context.Background(), "https://s1.example", 60*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRedisGateGivesUpAfterMaxWait(t *testing.T) {
	rdb := newWindowScripter()
	gate := NewRedisGate(rdb, 1, 100*time.Millisecond)

	require.NoError(t, gate.RequestSlot(context.Background(), "https://s1.example", 10*time.Second))
	err := gate.RequestSlot(context.Background(), "https://s1.example", 10*time.Second)
	require.ErrorIs(t, err, domain.ErrAdmissionUnavailable)
}

func TestRedisGateScriptError(t *testing.T) {
	rdb := newWindowScripter()
	rdb.evalErr = errors.New("connection reset")
	gate := NewRedisGate(rdb, 1, time.Second)

	err := gate.RequestSlot(context.Background(), "https://s1.example", time.Second)
	require.ErrorIs(t, err, domain.ErrAdmissionUnavailable)
}

func TestSlotKeyNormalizesURL(t *testing.T) {
	assert.Equal(t, SlotKey("https://s1.example"), SlotKey(" https://s1.example/ "))
	assert.NotEqual(t, SlotKey("https://s1.example"), SlotKey("https://s2.example"))
}
