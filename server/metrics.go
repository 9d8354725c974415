package server

import (
	"sync/atomic"
)

// Metrics 记录协调器与会话运行期的关键指标（用于监控与调试）
type Metrics struct {
	SessionsConnected    int64 // 成功注册的会话数
	SessionsDisconnected int64 // 注销的会话数
	PlayersCreated       int64 // 新建的玩家槽位
	PlayersReused        int64 // 从未分配池复用的槽位
	MovesAccepted        int64 // 被接受的移动指令
	FramesDropped        int64 // 解析失败或不支持而丢弃的入站帧
	DeliveriesFailed     int64 // 投递失败的出站消息
	UnknownDisconnects   int64 // 未注册会话的断开事件
	InvariantViolations  int64 // 未注册会话发来的指令
	CommandsProcessed    int64 // 协调器处理的命令总数
	TotalCommandNs       int64 // 命令处理累计耗时（纳秒）
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncConnected()          { atomic.AddInt64(&m.SessionsConnected, 1) }
func (m *Metrics) IncDisconnected()       { atomic.AddInt64(&m.SessionsDisconnected, 1) }
func (m *Metrics) IncCreated()            { atomic.AddInt64(&m.PlayersCreated, 1) }
func (m *Metrics) IncReused()             { atomic.AddInt64(&m.PlayersReused, 1) }
func (m *Metrics) IncMoves()              { atomic.AddInt64(&m.MovesAccepted, 1) }
func (m *Metrics) IncFramesDropped()      { atomic.AddInt64(&m.FramesDropped, 1) }
func (m *Metrics) IncDeliveriesFailed()   { atomic.AddInt64(&m.DeliveriesFailed, 1) }
func (m *Metrics) IncUnknownDisconnect()  { atomic.AddInt64(&m.UnknownDisconnects, 1) }
func (m *Metrics) IncInvariantViolation() { atomic.AddInt64(&m.InvariantViolations, 1) }
func (m *Metrics) AddCommand(ns int64) {
	atomic.AddInt64(&m.CommandsProcessed, 1)
	atomic.AddInt64(&m.TotalCommandNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	n := atomic.LoadInt64(&m.CommandsProcessed)
	total := atomic.LoadInt64(&m.TotalCommandNs)
	var avgUs float64
	if n > 0 {
		avgUs = float64(total) / float64(n) / 1e3
	}
	return map[string]any{
		"sessions_connected":    atomic.LoadInt64(&m.SessionsConnected),
		"sessions_disconnected": atomic.LoadInt64(&m.SessionsDisconnected),
		"players_created":       atomic.LoadInt64(&m.PlayersCreated),
		"players_reused":        atomic.LoadInt64(&m.PlayersReused),
		"moves_accepted":        atomic.LoadInt64(&m.MovesAccepted),
		"frames_dropped":        atomic.LoadInt64(&m.FramesDropped),
		"deliveries_failed":     atomic.LoadInt64(&m.DeliveriesFailed),
		"unknown_disconnects":   atomic.LoadInt64(&m.UnknownDisconnects),
		"invariant_violations":  atomic.LoadInt64(&m.InvariantViolations),
		"commands_processed":    n,
		"avg_command_us":        avgUs,
	}
}
