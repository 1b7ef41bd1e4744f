package connection

import "fmt"

// State 连接状态
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText 以字符串形式输出到 JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 String 的输出
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case Disconnected.String():
		*s = Disconnected
	case Connecting.String():
		*s = Connecting
	case Connected.String():
		*s = Connected
	case Reconnecting.String():
		*s = Reconnecting
	case Closed.String():
		*s = Closed
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}
