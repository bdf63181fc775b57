// Package rules implements the ban chess move generator on top of a
// standard chess engine. Every turn has two halves: the side not about
// to move bans one candidate move of the mover, then the mover plays
// any legal move except the banned one. Black bans before white's first
// move.
package rules

import (
	"errors"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/banchess/banchess-server/pkg/wire"
)

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Phase is the pending half of the current turn.
type Phase string

const (
	PhaseBan  Phase = "ban"
	PhaseMove Phase = "move"
)

// Termination reasons produced by the rules themselves. Resignation and
// timeouts are injected above this layer.
const (
	ReasonCheckmate = "checkmate"
	ReasonStalemate = "stalemate"
	ReasonDraw      = "draw"
)

// Termination describes a terminal position. Winner is empty on draws.
type Termination struct {
	Winner Color
	Reason string
}

var (
	ErrWrongPhase  = errors.New("action kind does not match pending phase")
	ErrIllegalBan  = errors.New("ban does not name a legal candidate move")
	ErrIllegalMove = errors.New("illegal move")
	ErrBannedMove  = errors.New("move is banned for this turn")
	ErrGameOver    = errors.New("position is terminal")
)

// Position is the full ban chess game state: the underlying chess game,
// which half of the turn is pending, and the ban in force for the
// upcoming move. A ban names from/to squares, so banning e7e8 covers
// every promotion piece.
type Position struct {
	game    *nchess.Game
	phase   Phase
	banned  string // from/to squares, empty outside the move phase
	lastSAN string
	done    *Termination
}

// NewPosition returns the initial position: black to ban white's first move.
func NewPosition() *Position {
	return &Position{game: nchess.NewGame(), phase: PhaseBan}
}

// Step is the outcome of one successfully applied action.
type Step struct {
	SAN      string
	Terminal *Termination
}

func (p *Position) Phase() Phase           { return p.phase }
func (p *Position) FEN() string            { return p.game.FEN() }
func (p *Position) BannedMove() string     { return p.banned }
func (p *Position) Terminal() *Termination { return p.done }

// MoverColor is the side to move in chess terms.
func (p *Position) MoverColor() Color {
	return colorFrom(p.game.Position().Turn())
}

// ActiveColor is the side expected to act now: during the ban phase the
// non-moving side acts, during the move phase the mover does.
func (p *Position) ActiveColor() Color {
	if p.phase == PhaseBan {
		return p.MoverColor().Other()
	}
	return p.MoverColor()
}

// LegalBans lists the mover's candidate moves, i.e. what the opponent
// may ban. Empty outside the ban phase.
func (p *Position) LegalBans() []string {
	if p.done != nil || p.phase != PhaseBan {
		return nil
	}
	return p.candidates()
}

// LegalMoves lists the mover's legal moves minus the banned one. Empty
// outside the move phase.
func (p *Position) LegalMoves() []string {
	if p.done != nil || p.phase != PhaseMove {
		return nil
	}
	var out []string
	for _, uci := range p.candidates() {
		if !banMatches(p.banned, uci) {
			out = append(out, uci)
		}
	}
	return out
}

// Apply validates one action against the current position and advances
// it. The position is unchanged when an error is returned.
func (p *Position) Apply(kind wire.ActionKind, uci string) (*Step, error) {
	if p.done != nil {
		return nil, ErrGameOver
	}
	uci = strings.ToLower(strings.TrimSpace(uci))
	switch kind {
	case wire.ActionBan:
		return p.applyBan(uci)
	case wire.ActionMove:
		return p.applyMove(uci)
	default:
		return nil, ErrWrongPhase
	}
}

func (p *Position) applyBan(uci string) (*Step, error) {
	if p.phase != PhaseBan {
		return nil, ErrWrongPhase
	}
	if len(uci) < 4 {
		return nil, ErrIllegalBan
	}
	squares := uci[:4]
	found := false
	remaining := 0
	for _, cand := range p.candidates() {
		if banMatches(squares, cand) {
			found = true
		} else {
			remaining++
		}
	}
	if !found {
		return nil, ErrIllegalBan
	}

	p.banned = squares
	p.phase = PhaseMove

	// A ban that strips the mover's last move ends the game on the
	// spot: mate for the banner when the mover stands in check,
	// otherwise a stalemate draw.
	if remaining == 0 {
		if strings.Contains(p.lastSAN, "+") || strings.Contains(p.lastSAN, "#") {
			p.done = &Termination{Winner: p.MoverColor().Other(), Reason: ReasonCheckmate}
		} else {
			p.done = &Termination{Reason: ReasonStalemate}
		}
	}
	return &Step{Terminal: p.done}, nil
}

func (p *Position) applyMove(uci string) (*Step, error) {
	if p.phase != PhaseMove {
		return nil, ErrWrongPhase
	}
	if banMatches(p.banned, uci) {
		return nil, ErrBannedMove
	}
	pos := p.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := p.game.Move(mv, nil); err != nil {
		return nil, ErrIllegalMove
	}

	p.lastSAN = san
	p.banned = ""
	p.phase = PhaseBan

	switch p.game.Outcome() {
	case nchess.WhiteWon:
		p.done = &Termination{Winner: White, Reason: ReasonCheckmate}
	case nchess.BlackWon:
		p.done = &Termination{Winner: Black, Reason: ReasonCheckmate}
	case nchess.Draw:
		reason := ReasonDraw
		if p.game.Method() == nchess.Stalemate {
			reason = ReasonStalemate
		}
		p.done = &Termination{Reason: reason}
	}
	return &Step{SAN: san, Terminal: p.done}, nil
}

// Replay folds a recorded history back into a position. Used for resume
// seeding and for verifying determinism of stored games.
func Replay(history []wire.ActionRecord) (*Position, error) {
	p := NewPosition()
	for _, rec := range history {
		if _, err := p.Apply(rec.Kind, rec.UCI); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Position) candidates() []string {
	moves := p.game.ValidMoves()
	out := make([]string, 0, len(moves))
	for _, mv := range moves {
		out = append(out, strings.ToLower(mv.String()))
	}
	return out
}

// banMatches compares from/to squares only.
func banMatches(banned, uci string) bool {
	if banned == "" || len(uci) < 4 {
		return false
	}
	return strings.EqualFold(banned[:4], uci[:4])
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}
