package session

import (
	"fmt"
	"time"

	"wisefido-vitals/internal/connection"
	"wisefido-vitals/internal/models"
)

// State 会话状态
type State int

const (
	Idle State = iota
	Connecting
	Subscribed
	Degraded // 部分主题订阅失败
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Degraded:
		return "degraded"
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

// Status 界面展示状态
type Status string

const (
	StatusIdle           Status = "idle"
	StatusConnecting     Status = "connecting"
	StatusWaitingForData Status = "waiting_for_data" // 已连接但尚未收到数据
	StatusLive           Status = "live"
	StatusStale          Status = "stale"
	StatusDegraded       Status = "degraded"
	StatusReconnecting   Status = "reconnecting"
	StatusError          Status = "error"
	StatusClosed         Status = "closed"
)

// Update 推送给 Watch 的会话快照
type Update struct {
	PatientID       string                    `json:"patient_id"`
	State           State                     `json:"state"`
	ConnectionState connection.State          `json:"connection_state"`
	Status          Status                    `json:"status"`
	Snapshot        *models.TelemetrySnapshot `json:"snapshot"`
	MalformedCount  uint64                    `json:"malformed_count"`
	Err             error                     `json:"-"`
	At              time.Time                 `json:"at"`
}

// deriveStatus 合成界面状态
func deriveStatus(state State, conn connection.State, err error, snap *models.TelemetrySnapshot, now time.Time, staleAfter time.Duration) Status {
	switch state {
	case Closed:
		return StatusClosed
	case Idle:
		if err != nil {
			return StatusError
		}
		return StatusIdle
	case Connecting:
		return StatusConnecting
	}

	if conn == connection.Reconnecting {
		return StatusReconnecting
	}
	if state == Degraded {
		return StatusDegraded
	}
	if snap == nil {
		return StatusWaitingForData
	}
	if staleAfter > 0 && now.Sub(snap.LastUpdated) > staleAfter {
		return StatusStale
	}
	return StatusLive
}

// UnmarshalText 解析 String 的输出
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case Idle.String():
		*s = Idle
	case Connecting.String():
		*s = Connecting
	case Subscribed.String():
		*s = Subscribed
	case Degraded.String():
		*s = Degraded
	case Closed.String():
		*s = Closed
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}
