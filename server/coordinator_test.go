package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockSession struct {
	id SessionID

	mu         sync.Mutex
	received   []Outbound
	sendErr    error
	terminated bool
}

func newMockSession() *mockSession { return &mockSession{id: NewSessionID()} }

func (m *mockSession) ID() SessionID { return m.id }

func (m *mockSession) Send(msg Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, msg)
	return nil
}

func (m *mockSession) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
}

func (m *mockSession) failSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *mockSession) getReceived() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outbound(nil), m.received...)
}

func (m *mockSession) last() Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.received) == 0 {
		return nil
	}
	return m.received[len(m.received)-1]
}

func (m *mockSession) isTerminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// observeLogs 替换全局日志并返回捕获的日志，测试结束后恢复
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Log
	Log = zap.New(core).Sugar()
	t.Cleanup(func() { Log = prev })
	return logs
}

func startCoordinator(t *testing.T, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return c
}

// flush 命令按顺序处理，Stats 返回即表示之前的命令都已完成
func flush(t *testing.T, c *Coordinator) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := c.Stats(ctx)
	require.NoError(t, err)
	return st
}

func connect(t *testing.T, c *Coordinator, s Session) WorldState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := c.Connect(ctx, s)
	require.NoError(t, err)
	return state
}

// assignedID 通过一次移动指令探测会话当前控制的玩家
func assignedID(t *testing.T, c *Coordinator, s *mockSession) PlayerID {
	t.Helper()
	require.NoError(t, c.MoveTo(s, GridPos{X: 9, Y: 9}))
	flush(t, c)
	u, ok := s.last().(SetMovement)
	require.True(t, ok, "expected SetMovement, got %T", s.last())
	return u.ID
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestCoordinator_Scenario(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})

	a := newMockSession()
	stateA := connect(t, c, a)
	assert.JSONEq(t, `{"players":{"0":{"pos":{"x":0,"y":0},"health":{"max":10,"current":10}}}}`, mustJSON(t, stateA))
	require.Len(t, a.getReceived(), 1, "A gets only its snapshot")
	assert.Equal(t, stateA, a.getReceived()[0])

	b := newMockSession()
	stateB := connect(t, c, b)
	assert.Len(t, stateB.Players, 2)
	assert.Contains(t, stateB.Players, PlayerID(0))
	assert.Contains(t, stateB.Players, PlayerID(1))
	require.Len(t, a.getReceived(), 2)
	assert.JSONEq(t,
		`{"type":"PlayerAdded","data":{"id":1,"data":{"pos":{"x":1,"y":0},"health":{"max":10,"current":10}}}}`,
		mustJSON(t, a.getReceived()[1]))
	require.Len(t, b.getReceived(), 1, "B does not see its own PlayerAdded")

	require.NoError(t, c.MoveTo(a, GridPos{X: 3, Y: 4}))
	flush(t, c)
	want := `{"type":"SetMovement","data":{"id":0,"pos":{"x":3,"y":4}}}`
	assert.JSONEq(t, want, mustJSON(t, a.last()))
	assert.JSONEq(t, want, mustJSON(t, b.last()))

	require.NoError(t, c.Disconnect(a))
	st := flush(t, c)
	assert.Equal(t, Stats{Sessions: 1, Players: 2, Unassigned: 1}, st)

	bCount := len(b.getReceived())
	cs := newMockSession()
	stateC := connect(t, c, cs)
	assert.Len(t, b.getReceived(), bCount, "reuse must not broadcast PlayerAdded")
	require.Contains(t, stateC.Players, PlayerID(0))
	require.NotNil(t, stateC.Players[0].PendingTurn.Movement)
	assert.Equal(t, GridPos{X: 3, Y: 4}, *stateC.Players[0].PendingTurn.Movement)
	assert.JSONEq(t,
		`{"players":{"0":{"pos":{"x":0,"y":0},"health":{"max":10,"current":10},"pending_turn":{"movement":{"x":3,"y":4}}},"1":{"pos":{"x":1,"y":0},"health":{"max":10,"current":10}}}}`,
		mustJSON(t, stateC))
	assert.Equal(t, PlayerID(0), assignedID(t, c, cs))
}

func TestCoordinator_LIFOReuse(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})

	sessions := make([]*mockSession, 3)
	for i := range sessions {
		sessions[i] = newMockSession()
		connect(t, c, sessions[i])
	}
	require.NoError(t, c.Disconnect(sessions[0]))
	require.NoError(t, c.Disconnect(sessions[2]))

	d := newMockSession()
	connect(t, c, d)
	assert.Equal(t, PlayerID(2), assignedID(t, c, d))

	e := newMockSession()
	connect(t, c, e)
	assert.Equal(t, PlayerID(0), assignedID(t, c, e))

	f := newMockSession()
	connect(t, c, f)
	assert.Equal(t, PlayerID(3), assignedID(t, c, f), "empty pool creates a new slot")
}

func TestCoordinator_PlayerAddedOnlyWhenPoolEmpty(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	watcher := newMockSession()
	connect(t, c, watcher)

	countAdded := func() int {
		n := 0
		for _, msg := range watcher.getReceived() {
			if _, ok := msg.(PlayerAdded); ok {
				n++
			}
		}
		return n
	}

	x := newMockSession()
	connect(t, c, x)
	assert.Equal(t, 1, countAdded())

	require.NoError(t, c.Disconnect(x))
	flush(t, c)
	y := newMockSession()
	connect(t, c, y)
	assert.Equal(t, 1, countAdded(), "reused slot")

	z := newMockSession()
	connect(t, c, z)
	assert.Equal(t, 2, countAdded(), "new slot")
}

func TestCoordinator_MappingStaysInjective(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	rng := rand.New(rand.NewSource(42))

	var live []*mockSession
	for step := 0; step < 150; step++ {
		if len(live) > 0 && (len(live) >= 8 || rng.Intn(2) == 0) {
			i := rng.Intn(len(live))
			require.NoError(t, c.Disconnect(live[i]))
			live = append(live[:i], live[i+1:]...)
		} else {
			s := newMockSession()
			state := connect(t, c, s)
			live = append(live, s)
			assert.Len(t, state.Players, flush(t, c).Players)
		}

		st := flush(t, c)
		require.Equal(t, len(live), st.Sessions)
		require.Equal(t, st.Players, st.Sessions+st.Unassigned, "pool and mapped ids cover all players")

		seen := make(map[PlayerID]bool, len(live))
		for _, s := range live {
			id := assignedID(t, c, s)
			require.False(t, seen[id], "player %s controlled twice at step %d", id, step)
			seen[id] = true
		}
	}
}

func TestCoordinator_MoveOnlyTouchesSender(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	a, b, d := newMockSession(), newMockSession(), newMockSession()
	connect(t, c, a)
	connect(t, c, b)
	connect(t, c, d)
	require.NoError(t, c.MoveTo(d, GridPos{X: 7, Y: 1}))
	flush(t, c)

	ctx := context.Background()
	before, err := c.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, c.MoveTo(b, GridPos{X: 5, Y: 6}))
	require.NoError(t, c.MoveTo(b, GridPos{X: 2, Y: 2}))
	after, err := c.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, before.Players[0], after.Players[0])
	assert.Equal(t, before.Players[2], after.Players[2])
	require.NotNil(t, after.Players[1].PendingTurn.Movement)
	assert.Equal(t, GridPos{X: 2, Y: 2}, *after.Players[1].PendingTurn.Movement, "last write wins")
	assert.Equal(t, before.Players[1].Pos, after.Players[1].Pos)
	assert.Equal(t, before.Players[1].Health, after.Players[1].Health)

	for _, s := range []*mockSession{a, b, d} {
		assert.Equal(t, SetMovement{ID: 1, Pos: GridPos{X: 2, Y: 2}}, s.last())
	}
}

func TestCoordinator_SnapshotContainsOwnPlayer(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	var sessions []*mockSession
	for i := 0; i < 5; i++ {
		s := newMockSession()
		state := connect(t, c, s)
		sessions = append(sessions, s)
		assert.Contains(t, state.Players, assignedID(t, c, s))
	}
	require.NoError(t, c.Disconnect(sessions[1]))
	s := newMockSession()
	state := connect(t, c, s)
	assert.Contains(t, state.Players, assignedID(t, c, s))
}

func TestCoordinator_UnknownDisconnectIsNoop(t *testing.T) {
	logs := observeLogs(t)
	c := startCoordinator(t, CoordinatorConfig{})
	a := newMockSession()
	connect(t, c, a)

	require.NoError(t, c.Disconnect(newMockSession()))
	st := flush(t, c)

	assert.Equal(t, Stats{Sessions: 1, Players: 1, Unassigned: 0}, st)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("was not assigned").Len())
	assert.EqualValues(t, 1, c.Metrics().UnknownDisconnects)
}

func TestCoordinator_MoveFromUnregisteredSession(t *testing.T) {
	logs := observeLogs(t)
	c := startCoordinator(t, CoordinatorConfig{})
	a := newMockSession()
	connect(t, c, a)

	stranger := newMockSession()
	require.NoError(t, c.MoveTo(stranger, GridPos{X: 1, Y: 1}))
	flush(t, c)

	assert.True(t, stranger.isTerminated(), "only the offending session is dropped")
	assert.False(t, a.isTerminated())
	assert.Len(t, a.getReceived(), 1, "no broadcast")
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	// 协调器仍在正常工作
	assert.Equal(t, PlayerID(0), assignedID(t, c, a))
}

func TestCoordinator_BroadcastFailureDoesNotStopOthers(t *testing.T) {
	logs := observeLogs(t)
	c := startCoordinator(t, CoordinatorConfig{})
	a, b, d := newMockSession(), newMockSession(), newMockSession()
	connect(t, c, a)
	connect(t, c, b)
	connect(t, c, d)
	b.failSends(ErrSendQueueFull)

	require.NoError(t, c.MoveTo(a, GridPos{X: 4, Y: 4}))
	flush(t, c)

	assert.Equal(t, SetMovement{ID: 0, Pos: GridPos{X: 4, Y: 4}}, a.last())
	assert.Equal(t, SetMovement{ID: 0, Pos: GridPos{X: 4, Y: 4}}, d.last())
	assert.Equal(t, 1, logs.FilterMessageSnippet("send SetMovement").Len())
	assert.EqualValues(t, 1, c.Metrics().DeliveriesFailed)

	state, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.Players[0].PendingTurn.Movement, "state change is not rolled back")
	assert.Equal(t, GridPos{X: 4, Y: 4}, *state.Players[0].PendingTurn.Movement)
}

func TestCoordinator_SnapshotDeliveryFailure(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	s := newMockSession()
	s.failSends(ErrSessionClosed)

	_, err := c.Connect(context.Background(), s)
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, s.isTerminated())
	assert.Equal(t, Stats{Sessions: 0, Players: 1, Unassigned: 1}, flush(t, c))

	next := newMockSession()
	connect(t, c, next)
	assert.Equal(t, PlayerID(0), assignedID(t, c, next))
}

func TestCoordinator_MaxPlayers(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{MaxPlayers: 1})
	a := newMockSession()
	connect(t, c, a)

	b := newMockSession()
	_, err := c.Connect(context.Background(), b)
	require.ErrorIs(t, err, ErrGameFull)
	assert.Equal(t, Stats{Sessions: 1, Players: 1}, flush(t, c))
	assert.Empty(t, b.getReceived())

	require.NoError(t, c.Disconnect(a))
	connect(t, c, b)
	assert.Equal(t, PlayerID(0), assignedID(t, c, b))
}

func TestCoordinator_DuplicateConnect(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	a := newMockSession()
	connect(t, c, a)

	_, err := c.Connect(context.Background(), a)
	require.ErrorIs(t, err, ErrSessionRegistered)
	assert.Equal(t, Stats{Sessions: 1, Players: 1}, flush(t, c))
}

func TestCoordinator_SnapshotIsACopy(t *testing.T) {
	c := startCoordinator(t, CoordinatorConfig{})
	a := newMockSession()
	connect(t, c, a)
	require.NoError(t, c.MoveTo(a, GridPos{X: 1, Y: 2}))

	state, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	state.Players[0].PendingTurn.Movement.X = 99

	again, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), again.Players[0].PendingTurn.Movement.X)
}

func TestCoordinator_Stopped(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	<-c.Done()

	_, err := c.Connect(context.Background(), newMockSession())
	assert.True(t, errors.Is(err, ErrCoordinatorStopped))
	assert.ErrorIs(t, c.MoveTo(newMockSession(), GridPos{}), ErrCoordinatorStopped)
	assert.ErrorIs(t, c.Disconnect(newMockSession()), ErrCoordinatorStopped)
	_, err = c.Stats(context.Background())
	assert.ErrorIs(t, err, ErrCoordinatorStopped)
}
