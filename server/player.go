package server

import "strconv"

// PlayerID 玩家槽位标识：由协调器按创建顺序分配的稠密非负整数
// 与当前控制它的会话无关，槽位存在期间保持不变
type PlayerID uint

func (id PlayerID) String() string { return strconv.FormatUint(uint64(id), 10) }

// GridPos 网格坐标，原点在左下角，向上、向右递增
type GridPos struct {
	X uint `json:"x"`
	Y uint `json:"y"`
}

// Health 生命值（当前无伤害逻辑，current <= max 不在此处强制）
type Health struct {
	Max     uint `json:"max"`
	Current uint `json:"current"`
}

// PlayerAction 非移动类行动（占位，回合结算尚未定义）
type PlayerAction struct{}

// MarshalJSON 无字段的行动在线上编码为 null
func (PlayerAction) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// PlayerTurn 玩家为下一回合声明的意图：先移动，再执行任意数量的非移动行动
type PlayerTurn struct {
	Movement *GridPos       `json:"movement,omitempty"`
	Actions  []PlayerAction `json:"actions,omitempty"`
}

// IsEmpty 没有计划移动且没有排队行动
func (t PlayerTurn) IsEmpty() bool {
	return t.Movement == nil && len(t.Actions) == 0
}

// Clone 深拷贝，避免与中继协程共享可变内存
func (t PlayerTurn) Clone() PlayerTurn {
	var out PlayerTurn
	if t.Movement != nil {
		m := *t.Movement
		out.Movement = &m
	}
	if len(t.Actions) > 0 {
		out.Actions = append([]PlayerAction(nil), t.Actions...)
	}
	return out
}

// Player 服务端权威的玩家记录；创建后在进程生命周期内不会被删除
type Player struct {
	Pos         GridPos    `json:"pos"`
	Health      Health     `json:"health"`
	PendingTurn PlayerTurn `json:"-"`
}

// playerWire 线上格式：pending_turn 为空时整体省略
type playerWire struct {
	Pos         GridPos     `json:"pos"`
	Health      Health      `json:"health"`
	PendingTurn *PlayerTurn `json:"pending_turn,omitempty"`
}

// newPlayer 新槽位的初始状态：位置 (n, 0)，生命 (10, 10)，空回合
func newPlayer(n int) Player {
	return Player{
		Pos:    GridPos{X: uint(n), Y: 0},
		Health: Health{Max: defaultHealth, Current: defaultHealth},
	}
}

const defaultHealth = 10

// Clone 返回可安全交给其他协程的副本
func (p Player) Clone() Player {
	p.PendingTurn = p.PendingTurn.Clone()
	return p
}

func (p Player) toWire() playerWire {
	w := playerWire{Pos: p.Pos, Health: p.Health}
	if !p.PendingTurn.IsEmpty() {
		t := p.PendingTurn
		w.PendingTurn = &t
	}
	return w
}
