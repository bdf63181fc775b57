package wire

import "time"

// Participant identifies a seat holder.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ActionRecord is one applied history entry. History is append-only and
// strictly alternates ban, move, ban, move from the start of the game.
type ActionRecord struct {
	Seq  int        `json:"seq"`
	Role string     `json:"role"`
	Kind ActionKind `json:"kind"`
	UCI  string     `json:"uci"`
	SAN  string     `json:"san,omitempty"`
	At   time.Time  `json:"at"`
}

// Result is present only on finished sessions. Winner is empty on draws.
type Result struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

// Snapshot is the complete, self-sufficient session state sent on every
// attach and after every accepted action. A client renders purely from
// the latest snapshot; there is no delta stream to reconcile.
//
// LegalMoves/LegalBans are projected per role: only the side expected to
// act sees its candidates, spectators see neither.
type Snapshot struct {
	SessionID string      `json:"sessionId"`
	Status    string      `json:"status"`
	White     Participant `json:"white"`
	Black     Participant `json:"black"`

	FEN         string `json:"fen"`
	Phase       string `json:"phase"`
	ActiveColor string `json:"activeColor"`
	BannedMove  string `json:"bannedMove,omitempty"`

	History    []ActionRecord `json:"history"`
	LegalMoves []string       `json:"legalMoves,omitempty"`
	LegalBans  []string       `json:"legalBans,omitempty"`

	Result *Result `json:"result,omitempty"`
}
