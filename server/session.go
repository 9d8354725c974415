package server

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// SessionID 一条活动连接的不透明标识，由传输层在连接建立时生成
// 协调器只用它做相等比较与 map 查找
type SessionID uuid.UUID

// NewSessionID 生成新的会话标识
func NewSessionID() SessionID { return SessionID(uuid.New()) }

func (s SessionID) String() string { return uuid.UUID(s).String() }

// Session 协调器眼中的一个会话：只能投递消息或要求其断开
type Session interface {
	ID() SessionID
	// Send 非阻塞投递；失败时返回错误，不得阻塞协调器
	Send(msg Outbound) error
	// Terminate 关闭底层连接，随后传输层会上报断开
	Terminate()
}
