package server

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 线上协议：每条消息是一帧 JSON 文本
//
// 客户端 -> 服务端：{"message":"MoveTo","pos":{"x":3,"y":4}}
// 服务端 -> 客户端（连接后一次）：{"players":{"0":{...}}}
// 服务端 -> 客户端（广播）：{"type":"SetMovement","data":{"id":0,"pos":{...}}}

var ErrUnknownCommand = errors.New("unknown command")

const (
	CommandMoveTo = "MoveTo"

	UpdatePlayerAdded = "PlayerAdded"
	UpdateSetMovement = "SetMovement"
)

// Command 客户端发来的已解析指令
type Command interface {
	command()
}

// MoveTo 请求把该会话控制的玩家下一回合移动到 Pos
type MoveTo struct {
	Pos GridPos
}

func (MoveTo) command() {}

// commandMessage 客户端指令的 JSON 结构，以 message 字段区分类型
type commandMessage struct {
	Message string   `json:"message"`
	Pos     *GridPos `json:"pos"`
}

// ParseCommand 解析一帧入站文本；格式错误或未知类型返回错误，由调用方丢弃
// 字段名区分大小写，pos 的 x、y 都必须出现；未知字段忽略
func ParseCommand(payload []byte) (Command, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	var tag string
	if raw, ok := m["message"]; ok {
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, fmt.Errorf("decode command tag: %w", err)
		}
	}
	switch tag {
	case CommandMoveTo:
		raw, ok := m["pos"]
		if !ok {
			return nil, fmt.Errorf("decode %s: missing field pos", CommandMoveTo)
		}
		pos, err := parseGridPos(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", CommandMoveTo, err)
		}
		return MoveTo{Pos: pos}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, tag)
	}
}

// parseGridPos 严格解析坐标：缺少 x 或 y 即报错，不做零值填充
func parseGridPos(raw json.RawMessage) (GridPos, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return GridPos{}, fmt.Errorf("pos: %w", err)
	}
	var pos GridPos
	for _, f := range []struct {
		key string
		dst *uint
	}{{"x", &pos.X}, {"y", &pos.Y}} {
		v, ok := fields[f.key]
		if !ok || string(v) == "null" {
			return GridPos{}, fmt.Errorf("pos: missing field %s", f.key)
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return GridPos{}, fmt.Errorf("pos.%s: %w", f.key, err)
		}
	}
	return pos, nil
}

// EncodeCommand 客户端侧编码，主要用于测试与调试工具
func EncodeCommand(c Command) ([]byte, error) {
	switch c := c.(type) {
	case MoveTo:
		pos := c.Pos
		return json.Marshal(commandMessage{Message: CommandMoveTo, Pos: &pos})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, c)
	}
}

// Outbound 协调器推送给会话的消息：完整快照或增量更新
type Outbound interface {
	outbound()
}

// WorldState 完整世界快照，只在连接建立时直接发给新会话
type WorldState struct {
	Players map[PlayerID]Player `json:"players"`
}

func (WorldState) outbound() {}

func (w WorldState) MarshalJSON() ([]byte, error) {
	type body WorldState
	if w.Players == nil {
		w.Players = map[PlayerID]Player{}
	}
	return json.Marshal(body(w))
}

func (p Player) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toWire())
}

func (p *Player) UnmarshalJSON(b []byte) error {
	var w playerWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = Player{Pos: w.Pos, Health: w.Health}
	if w.PendingTurn != nil {
		p.PendingTurn = *w.PendingTurn
	}
	return nil
}

// Update 增量事件，状态每次变化时广播给所有已注册会话
type Update interface {
	Outbound
	UpdateType() string
}

// PlayerAdded 新建了一个玩家槽位
type PlayerAdded struct {
	ID   PlayerID `json:"id"`
	Data Player   `json:"data"`
}

// SetMovement 某玩家设置了本回合的移动目标
type SetMovement struct {
	ID  PlayerID `json:"id"`
	Pos GridPos  `json:"pos"`
}

func (PlayerAdded) outbound() {}
func (SetMovement) outbound() {}

func (PlayerAdded) UpdateType() string { return UpdatePlayerAdded }
func (SetMovement) UpdateType() string { return UpdateSetMovement }

type updateEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func marshalUpdate(typ string, data any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(updateEnvelope{Type: typ, Data: b})
}

func (u PlayerAdded) MarshalJSON() ([]byte, error) {
	type body PlayerAdded
	return marshalUpdate(UpdatePlayerAdded, body(u))
}

func (u SetMovement) MarshalJSON() ([]byte, error) {
	type body SetMovement
	return marshalUpdate(UpdateSetMovement, body(u))
}

// DecodeUpdate 解析服务端广播帧（客户端侧）
func DecodeUpdate(b []byte) (Update, error) {
	var env updateEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	switch env.Type {
	case UpdatePlayerAdded:
		type body PlayerAdded
		var u body
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return PlayerAdded(u), nil
	case UpdateSetMovement:
		type body SetMovement
		var u body
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return SetMovement(u), nil
	default:
		return nil, fmt.Errorf("unknown update type %q", env.Type)
	}
}

// DecodeWorldState 解析连接后的首帧快照（客户端侧）
func DecodeWorldState(b []byte) (WorldState, error) {
	var w WorldState
	if err := json.Unmarshal(b, &w); err != nil {
		return WorldState{}, fmt.Errorf("decode world state: %w", err)
	}
	if w.Players == nil {
		return WorldState{}, errors.New("decode world state: missing players")
	}
	return w, nil
}
