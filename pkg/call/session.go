package call

import "time"

type Status string

const (
	StatusIdle         Status = "idle"
	StatusOutgoing     Status = "outgoing"
	StatusIncoming     Status = "incoming"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusEnded        Status = "ended"
)

// session is the machine's private state for the one active call. Exactly
// one exists at a time; a second incoming offer is auto-rejected.
type session struct {
	callID         string
	remoteUserID   string
	remoteUsername string
	polite         bool // fixed at creation: myID < remoteID
	status         Status
	startTime      time.Time
	quality        int
	latency        time.Duration
	muted          bool
	videoOff       bool
}

// Snapshot is the read-only view handed to callers and notifiers.
type Snapshot struct {
	CallID         string
	RemoteUserID   string
	RemoteUsername string
	Polite         bool
	Status         Status
	StartTime      time.Time
	Quality        int
	LatencyMs      int64
	Muted          bool
	VideoOff       bool
}

func (s *session) snapshot() Snapshot {
	if s == nil {
		return Snapshot{Status: StatusIdle}
	}
	return Snapshot{
		CallID:         s.callID,
		RemoteUserID:   s.remoteUserID,
		RemoteUsername: s.remoteUsername,
		Polite:         s.polite,
		Status:         s.status,
		StartTime:      s.startTime,
		Quality:        s.quality,
		LatencyMs:      s.latency.Milliseconds(),
		Muted:          s.muted,
		VideoOff:       s.videoOff,
	}
}
