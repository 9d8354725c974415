package server

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCoordinatorStopped = errors.New("coordinator stopped")
	ErrGameFull           = errors.New("game full")
	ErrSessionRegistered  = errors.New("session already registered")
)

const defaultMailboxSize = 256

// CoordinatorConfig 协调器参数
type CoordinatorConfig struct {
	MaxPlayers  int // 0 表示不限
	MailboxSize int
	Metrics     *Metrics
}

// Stats 协调器当前规模
type Stats struct {
	Sessions   int `json:"sessions"`
	Players    int `json:"players"`
	Unassigned int `json:"unassigned"`
}

// registration 会话到玩家的映射项
type registration struct {
	session Session
	player  PlayerID
}

// Coordinator 唯一的权威状态持有者：单协程按到达顺序逐条处理命令
// 除 Run 协程外，任何协程都不读写 sessions、unassigned、players
type Coordinator struct {
	mailbox    chan command
	done       chan struct{}
	metrics    *Metrics
	maxPlayers int

	sessions   map[SessionID]registration
	unassigned []PlayerID // 后进先出
	players    []Player   // 下标即 PlayerID
}

type command interface{}

type connectResult struct {
	state WorldState
	err   error
}

type connectCmd struct {
	session Session
	reply   chan connectResult
}

type disconnectCmd struct {
	session Session
}

type moveCmd struct {
	session Session
	pos     GridPos
}

type snapshotCmd struct {
	reply chan WorldState
}

type statsCmd struct {
	reply chan Stats
}

// NewCoordinator 创建协调器，调用方需在独立协程中执行 Run
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	size := cfg.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics()
	}
	return &Coordinator{
		mailbox:    make(chan command, size),
		done:       make(chan struct{}),
		metrics:    m,
		maxPlayers: cfg.MaxPlayers,
		sessions:   make(map[SessionID]registration),
	}
}

// Metrics 返回协调器使用的指标
func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// Done 在 Run 退出后关闭
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run 协调器主循环，ctx 取消后返回
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	Log.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			Log.Infof("coordinator stopped: sessions=%d players=%d", len(c.sessions), len(c.players))
			return
		case cmd := <-c.mailbox:
			start := time.Now()
			c.handle(cmd)
			c.metrics.AddCommand(time.Since(start).Nanoseconds())
		}
	}
}

func (c *Coordinator) handle(cmd command) {
	switch cmd := cmd.(type) {
	case connectCmd:
		state, err := c.onConnect(cmd.session)
		cmd.reply <- connectResult{state: state, err: err}
	case disconnectCmd:
		c.onDisconnect(cmd.session)
	case moveCmd:
		c.onMoveInput(cmd.session, cmd.pos)
	case snapshotCmd:
		cmd.reply <- c.snapshot()
	case statsCmd:
		cmd.reply <- Stats{Sessions: len(c.sessions), Players: len(c.players), Unassigned: len(c.unassigned)}
	default:
		Log.Errorf("coordinator: unexpected command %T", cmd)
	}
}

// submit 投递命令到信箱；信箱满时等待，协调器退出或 ctx 取消则放弃
func (c *Coordinator) submit(ctx context.Context, cmd command) error {
	select {
	case <-c.done:
		return ErrCoordinatorStopped
	default:
	}
	select {
	case c.mailbox <- cmd:
		return nil
	case <-c.done:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect 为会话分配玩家并注册；快照由协调器先于任何后续广播投递到会话，
// 同时作为返回值交给调用方
func (c *Coordinator) Connect(ctx context.Context, s Session) (WorldState, error) {
	reply := make(chan connectResult, 1)
	if err := c.submit(ctx, connectCmd{session: s, reply: reply}); err != nil {
		return WorldState{}, err
	}
	select {
	case res := <-reply:
		return res.state, res.err
	case <-c.done:
		return WorldState{}, ErrCoordinatorStopped
	case <-ctx.Done():
		return WorldState{}, ctx.Err()
	}
}

// Disconnect 注销会话，其玩家回到未分配池
func (c *Coordinator) Disconnect(s Session) error {
	return c.submit(context.Background(), disconnectCmd{session: s})
}

// MoveTo 记录会话所控玩家的下一回合移动目标
func (c *Coordinator) MoveTo(s Session, pos GridPos) error {
	return c.submit(context.Background(), moveCmd{session: s, pos: pos})
}

// Snapshot 返回当前世界状态的副本
func (c *Coordinator) Snapshot(ctx context.Context) (WorldState, error) {
	reply := make(chan WorldState, 1)
	if err := c.submit(ctx, snapshotCmd{reply: reply}); err != nil {
		return WorldState{}, err
	}
	select {
	case w := <-reply:
		return w, nil
	case <-c.done:
		return WorldState{}, ErrCoordinatorStopped
	case <-ctx.Done():
		return WorldState{}, ctx.Err()
	}
}

// Stats 返回当前会话数、玩家数与未分配数
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := c.submit(ctx, statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return Stats{}, ErrCoordinatorStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (c *Coordinator) onConnect(s Session) (WorldState, error) {
	sid := s.ID()
	Log.Debugf("client connected: session=%s", sid)
	if _, ok := c.sessions[sid]; ok {
		Log.Errorf("session %s connected twice", sid)
		c.metrics.IncInvariantViolation()
		return WorldState{}, ErrSessionRegistered
	}

	var id PlayerID
	if n := len(c.unassigned); n > 0 {
		id = c.unassigned[n-1]
		c.unassigned = c.unassigned[:n-1]
		c.metrics.IncReused()
		Log.Infof("assigning existing player %s to session %s", id, sid)
	} else {
		if c.maxPlayers > 0 && len(c.players) >= c.maxPlayers {
			Log.Warnf("rejecting session %s: game full (%d players)", sid, len(c.players))
			return WorldState{}, ErrGameFull
		}
		id = PlayerID(len(c.players))
		p := newPlayer(len(c.players))
		c.players = append(c.players, p)
		c.metrics.IncCreated()
		Log.Infof("creating player %s for session %s", id, sid)
		// 新会话尚未注册，只通知已有会话
		c.broadcast(PlayerAdded{ID: id, Data: p.Clone()})
	}

	c.sessions[sid] = registration{session: s, player: id}
	c.metrics.IncConnected()

	state := c.snapshot()
	if err := s.Send(state); err != nil {
		// 快照送不到：只断开该会话，槽位立即回收
		Log.Warnf("initial snapshot to session %s failed: %v", sid, err)
		c.metrics.IncDeliveriesFailed()
		c.release(sid)
		s.Terminate()
		return WorldState{}, err
	}
	return state, nil
}

func (c *Coordinator) onDisconnect(s Session) {
	sid := s.ID()
	Log.Debugf("client disconnected: session=%s", sid)
	if !c.release(sid) {
		Log.Warnf("disconnected session %s was not assigned to a player", sid)
		c.metrics.IncUnknownDisconnect()
	}
}

// release 删除映射并把玩家压回未分配池；会话未注册时返回 false
func (c *Coordinator) release(sid SessionID) bool {
	reg, ok := c.sessions[sid]
	if !ok {
		return false
	}
	delete(c.sessions, sid)
	c.unassigned = append(c.unassigned, reg.player)
	c.metrics.IncDisconnected()
	return true
}

func (c *Coordinator) onMoveInput(s Session, pos GridPos) {
	sid := s.ID()
	reg, ok := c.sessions[sid]
	if !ok {
		Log.Errorf("move from unregistered session %s, terminating it", sid)
		c.metrics.IncInvariantViolation()
		s.Terminate()
		return
	}
	Log.Debugf("moving player %s (session %s) to (%d,%d)", reg.player, sid, pos.X, pos.Y)

	target := pos
	c.players[reg.player].PendingTurn.Movement = &target
	c.metrics.IncMoves()
	c.broadcast(SetMovement{ID: reg.player, Pos: pos})
}

// broadcast 尽力投递到每个已注册会话；单个失败只记录，不影响其余会话
func (c *Coordinator) broadcast(u Update) {
	for sid, reg := range c.sessions {
		if err := reg.session.Send(u); err != nil {
			Log.Warnf("send %s to session %s failed: %v", u.UpdateType(), sid, err)
			c.metrics.IncDeliveriesFailed()
		}
	}
}

// snapshot 深拷贝全部玩家
func (c *Coordinator) snapshot() WorldState {
	players := make(map[PlayerID]Player, len(c.players))
	for i, p := range c.players {
		players[PlayerID(i)] = p.Clone()
	}
	return WorldState{Players: players}
}
