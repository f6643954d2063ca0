package playback

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LegKind tells which output route a leg serves
type LegKind int

const (
	// LegLocal plays on the default output so the user hears the sound
	LegLocal LegKind = iota
	// LegRemote plays into the mixer sink that feeds the virtual microphone
	LegRemote
)

func (k LegKind) String() string {
	if k == LegRemote {
		return "remote"
	}

	return "local"
}

// State is a session's lifecycle stage
type State int

const (
	StateStarting State = iota
	StatePlaying
	StatePaused
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "terminated"
	}
}

// Session is a read-only snapshot of one playing sound
type Session struct {
	ID    string
	Sound string
	Legs  []LegKind

	// Progress is the last known position in [0,1]
	Progress float64
	// Paused is set when the command is issued, the player never confirms it
	Paused bool

	LocalVolume  float64
	RemoteVolume float64

	State     State
	StartedAt time.Time
}

// HasLeg reports whether the session plays on the given route
func (s Session) HasLeg(kind LegKind) bool {
	for _, leg := range s.Legs {
		if leg == kind {
			return true
		}
	}

	return false
}

type leg struct {
	kind   LegKind
	socket string
	proc   Process

	// closed once Wait returns
	exited chan struct{}
}

func (l *leg) alive() bool {
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

// session is the manager's mutable record; info and legs are guarded by Manager.lock
type session struct {
	info Session
	legs []*leg

	cancel context.CancelFunc
	done   chan struct{}
}

// visible sessions have at least one running leg and haven't been released yet
func (s *session) visible() bool {
	return len(s.legs) > 0 && s.info.State != StateTerminated
}

func (s *session) socket(kind LegKind) string {
	for _, l := range s.legs {
		if l.kind == kind {
			return l.socket
		}
	}

	return ""
}

func (s *session) sockets() []string {
	sockets := make([]string, 0, len(s.legs))
	for _, l := range s.legs {
		sockets = append(sockets, l.socket)
	}

	return sockets
}

func (s *session) snapshot() Session {
	info := s.info
	info.Legs = append([]LegKind(nil), s.info.Legs...)

	return info
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
