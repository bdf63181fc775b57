package session

import (
	"context"
	"errors"
	"time"

	"github.com/banchess/banchess-server/pkg/wire"
)

// Mode distinguishes how a session was created.
type Mode string

const (
	ModeSolo   Mode = "solo"
	ModeOnline Mode = "online"
)

// Status is the session lifecycle state. Transitions are monotonic:
// waiting → active → finished.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Termination reasons injected above the rules layer. Rules-level
// reasons (checkmate, stalemate, draw) come from internal/rules.
const (
	ReasonResignation = "resignation"
	ReasonTimeout     = "timeout"
	ReasonForfeit     = "timeout-forfeit"
	ReasonAbandonment = "abandonment"
	ReasonError       = "error"
)

// Snapshot projection roles. RoleBoth is the solo-mode player view: one
// identity holding both seats always sees the side to act.
const (
	RoleWhite     = "white"
	RoleBlack     = "black"
	RoleBoth      = "both"
	RoleSpectator = "spectator"
)

// Config carries the per-session timer settings. A zero MoveClock
// disables the per-action clock.
type Config struct {
	GraceWindow time.Duration
	MoveClock   time.Duration
}

// Views is the role-projected snapshot set produced after every
// accepted mutation.
type Views struct {
	White     *wire.Snapshot
	Black     *wire.Snapshot
	Spectator *wire.Snapshot
}

// Broadcaster fans a snapshot set out to every connection attached to
// the session. Implemented by the hub.
type Broadcaster interface {
	BroadcastState(sessionID string, views *Views)
}

// Record is the finalized game handed to the persistence sink. It is
// sufficient to replay the whole game deterministically.
type Record struct {
	SessionID string              `json:"session_id"`
	Mode      Mode                `json:"mode"`
	White     wire.Participant    `json:"white"`
	Black     wire.Participant    `json:"black"`
	History   []wire.ActionRecord `json:"history"`
	Winner    string              `json:"winner,omitempty"`
	Reason    string              `json:"reason"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
}

// Sink receives the finalized record exactly when a session terminates.
type Sink interface {
	SaveRecord(ctx context.Context, rec *Record) error
}

// Mirror keeps a live copy of the session state outside process memory
// so an interrupted session can be reseeded. Written only by the owning
// session worker.
type Mirror interface {
	SaveState(ctx context.Context, snap *wire.Snapshot) error
	DeleteState(ctx context.Context, sessionID string) error
}

var (
	ErrClosed         = errors.New("session closed")
	ErrNotActive      = errors.New("session is not active")
	ErrFinished       = errors.New("session already finished")
	ErrNotParticipant = errors.New("identity is not a participant")
	ErrNotYourTurn    = errors.New("not your turn")
)
