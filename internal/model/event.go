package model

// EventKind 合约事件类型 (封闭枚举)
type EventKind int

const (
	EventKindGameCreated EventKind = iota
	EventKindVoteCast
	EventKindWinnersDrawn
	EventKindPrizeClaimed
)

// EventKinds 全部事件类型, 顺序即回放时同一位置事件的处理顺序
var EventKinds = []EventKind{
	EventKindGameCreated,
	EventKindVoteCast,
	EventKindWinnersDrawn,
	EventKindPrizeClaimed,
}

func (k EventKind) String() string {
	switch k {
	case EventKindGameCreated:
		return "game_created"
	case EventKindVoteCast:
		return "vote_cast"
	case EventKindWinnersDrawn:
		return "winners_drawn"
	case EventKindPrizeClaimed:
		return "prize_claimed"
	default:
		return "unknown"
	}
}

// Valid 是否为已知事件类型
func (k EventKind) Valid() bool {
	return k >= EventKindGameCreated && k <= EventKindPrizeClaimed
}

// ParseEventKind 按名称解析事件类型
func ParseEventKind(name string) (EventKind, bool) {
	for _, k := range EventKinds {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// ConnState 订阅连接状态
type ConnState int32

const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnecting
	ConnStateVerifying
	ConnStateLive
)

func (s ConnState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "DISCONNECTED"
	case ConnStateConnecting:
		return "CONNECTING"
	case ConnStateVerifying:
		return "VERIFYING"
	case ConnStateLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// NetworkIdentity 链身份
type NetworkIdentity struct {
	ChainID   int64
	ChainName string
}
