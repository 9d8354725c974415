package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	connectTimeout    = 5 * time.Second
	defaultSendBuffer = 256
)

// wsSession 一条 WebSocket 连接对应的中继：不持有任何游戏状态，
// 只把入站帧翻译为协调器命令，把协调器推送序列化为出站帧
type wsSession struct {
	id    SessionID
	ws    *websocket.Conn
	coord *Coordinator

	send      chan Outbound
	closed    chan struct{}
	closeOnce sync.Once
	closeMsg  []byte
}

func newWSSession(ws *websocket.Conn, coord *Coordinator, sendBuffer int) *wsSession {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &wsSession{
		id:     NewSessionID(),
		ws:     ws,
		coord:  coord,
		send:   make(chan Outbound, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (s *wsSession) ID() SessionID { return s.id }

// Send 将消息压入发送队列（非阻塞）；队列满说明客户端停滞，直接断开让其重连拿新快照
func (s *wsSession) Send(msg Outbound) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		s.closeWith(websocket.CloseTryAgainLater, "send queue full")
		return ErrSendQueueFull
	}
}

// Terminate 结束会话；可重复调用
func (s *wsSession) Terminate() {
	s.closeWith(websocket.CloseGoingAway, "")
}

func (s *wsSession) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(s.closed)
	})
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			b, err := json.Marshal(msg)
			if err != nil {
				Log.Errorf("session %s: encode %T: %v", s.id, msg, err)
				continue
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				Log.Debugf("session %s: write failed: %v", s.id, err)
				s.Terminate()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Terminate()
				return
			}
		case <-s.closed:
			_ = s.ws.WriteControl(websocket.CloseMessage, s.closeMsg, time.Now().Add(writeWait))
			return
		}
	}
}

// readPump 读取客户端指令并转发给协调器；退出时通知协调器注销该会话
func (s *wsSession) readPump() {
	defer func() {
		s.Terminate()
		if err := s.coord.Disconnect(s); err != nil {
			Log.Warnf("session %s: disconnect: %v", s.id, err)
		}
	}()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, payload, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				Log.Warnf("session %s: read error: %v", s.id, err)
			} else {
				Log.Debugf("session %s: closed: %v", s.id, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			Log.Warnf("session %s: unsupported frame type %d dropped", s.id, mt)
			s.coord.Metrics().IncFramesDropped()
			continue
		}

		cmd, err := ParseCommand(payload)
		if err != nil {
			Log.Warnf("session %s: error parsing message from client: %v", s.id, err)
			s.coord.Metrics().IncFramesDropped()
			continue
		}
		switch cmd := cmd.(type) {
		case MoveTo:
			if err := s.coord.MoveTo(s, cmd.Pos); err != nil {
				Log.Warnf("session %s: forward move: %v", s.id, err)
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 演示环境：允许所有来源（生产环境需严格限制）
		return true
	},
}

// NewWSHandler WebSocket 接入：每个连接一个中继，全部绑定到同一个协调器
func NewWSHandler(coord *Coordinator, sendBuffer int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Log.Warnf("upgrade error: %v", err)
			return
		}

		s := newWSSession(ws, coord, sendBuffer)
		Log.Debugf("session %s accepted from %s", s.id, ws.RemoteAddr())
		go s.writePump()

		// 快照由协调器直接压入发送队列，写协程保证它是第一帧
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if _, err := coord.Connect(ctx, s); err != nil {
			switch {
			case errors.Is(err, ErrGameFull):
				s.closeWith(websocket.CloseTryAgainLater, "game full")
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				// 命令可能已被处理，补发一次注销
				_ = coord.Disconnect(s)
				s.Terminate()
			default:
				s.Terminate()
			}
			Log.Warnf("session %s: connect failed: %v", s.id, err)
			return
		}
		go s.readPump()
	}
}
