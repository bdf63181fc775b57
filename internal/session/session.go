// Package session owns one game's turn sequence. All mutating access to
// a session goes through a single worker goroutine fed by a mailbox
// channel; timers inject synthetic requests into the same mailbox, so
// there is never a second writer.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banchess/banchess-server/internal/obslog"
	"github.com/banchess/banchess-server/internal/rules"
	"github.com/banchess/banchess-server/pkg/wire"
)

type reqKind int

const (
	reqSubmit reqKind = iota
	reqResign
	reqSnapshot
	reqActivate
	reqSeatVacated
	reqSeatFilled
	reqGraceExpired
	reqClockExpired
)

type request struct {
	kind   reqKind
	userID string
	role   string // snapshot projection: white | black | spectator
	seat   rules.Color
	gen    int
	action wire.Action
	reply  chan response
}

type response struct {
	snap *wire.Snapshot
	err  error
}

type graceState struct {
	armed bool
	gen   int
}

// Session is one game from creation to termination. Exported fields are
// immutable after New; everything else belongs to the worker goroutine.
type Session struct {
	ID    string
	Mode  Mode
	White wire.Participant
	Black wire.Participant

	cfg      Config
	bc       Broadcaster
	sink     Sink
	mirror   Mirror
	onFinish func(sessionID string)

	mailbox   chan *request
	closed    chan struct{}
	closeOnce sync.Once

	// worker-owned
	pos       *rules.Position
	history   []wire.ActionRecord
	status    Status
	result    *wire.Result
	startedAt time.Time
	grace     map[rules.Color]*graceState
	clockGen  int
}

// New constructs a session and starts its worker. Solo sessions begin
// active, online sessions begin waiting until the matchmaker activates
// them. sink, mirror and onFinish may be nil.
func New(id string, mode Mode, white, black wire.Participant, cfg Config, bc Broadcaster, sink Sink, mirror Mirror, onFinish func(string)) *Session {
	s := &Session{
		ID:       id,
		Mode:     mode,
		White:    white,
		Black:    black,
		cfg:      cfg,
		bc:       bc,
		sink:     sink,
		mirror:   mirror,
		onFinish: onFinish,
		mailbox:  make(chan *request, 16),
		closed:   make(chan struct{}),
		pos:      rules.NewPosition(),
		status:   StatusWaiting,
		grace: map[rules.Color]*graceState{
			rules.White: {},
			rules.Black: {},
		},
		startedAt: time.Now(),
	}
	if mode == ModeSolo {
		s.status = StatusActive
	}
	go s.run()
	return s
}

// Restore rebuilds an interrupted session from a previously mirrored
// history and starts it active. The position is recomputed by replaying
// every recorded action through the rules engine; a history that
// already reached a terminal position is rejected.
func Restore(id string, mode Mode, white, black wire.Participant, history []wire.ActionRecord, cfg Config, bc Broadcaster, sink Sink, mirror Mirror, onFinish func(string)) (*Session, error) {
	pos, err := rules.Replay(history)
	if err != nil {
		return nil, err
	}
	if pos.Terminal() != nil {
		return nil, ErrFinished
	}
	s := &Session{
		ID:       id,
		Mode:     mode,
		White:    white,
		Black:    black,
		cfg:      cfg,
		bc:       bc,
		sink:     sink,
		mirror:   mirror,
		onFinish: onFinish,
		mailbox:  make(chan *request, 16),
		closed:   make(chan struct{}),
		pos:      pos,
		history:  append([]wire.ActionRecord(nil), history...),
		status:   StatusActive,
		grace: map[rules.Color]*graceState{
			rules.White: {},
			rules.Black: {},
		},
		startedAt: time.Now(),
	}
	if len(history) > 0 {
		s.startedAt = history[0].At
	}
	go s.run()
	return s, nil
}

// SubmitAction applies a ban or move on behalf of userID. The worker
// resolves which seat the identity holds; in solo mode the same
// identity holds both seats and always acts as the side to act.
func (s *Session) SubmitAction(ctx context.Context, userID string, action wire.Action) error {
	return s.do(ctx, &request{kind: reqSubmit, userID: userID, action: action})
}

// Resign ends the game immediately in favor of the opponent. No
// legality check applies.
func (s *Session) Resign(ctx context.Context, userID string) error {
	return s.do(ctx, &request{kind: reqResign, userID: userID})
}

// Snapshot returns the complete state projected for role ("white",
// "black" or "spectator").
func (s *Session) Snapshot(ctx context.Context, role string) (*wire.Snapshot, error) {
	req := &request{kind: reqSnapshot, role: role, reply: make(chan response, 1)}
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp := <-req.reply:
		return resp.snap, resp.err
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Activate transitions a waiting session to active.
func (s *Session) Activate(ctx context.Context) error {
	return s.do(ctx, &request{kind: reqActivate})
}

// SeatVacated starts the reconnection grace window for a seat. Called
// by the hub when a player's last live connection detaches.
func (s *Session) SeatVacated(seat rules.Color) {
	s.notify(&request{kind: reqSeatVacated, seat: seat})
}

// SeatFilled cancels a pending grace window for a seat.
func (s *Session) SeatFilled(seat rules.Color) {
	s.notify(&request{kind: reqSeatFilled, seat: seat})
}

// SeatsOf returns the seats bound to an identity.
func (s *Session) SeatsOf(userID string) []rules.Color {
	var seats []rules.Color
	if s.White.UserID == userID {
		seats = append(seats, rules.White)
	}
	if s.Black.UserID == userID {
		seats = append(seats, rules.Black)
	}
	return seats
}

// Close stops the worker. Pending callers receive ErrClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) do(ctx context.Context, req *request) error {
	req.reply = make(chan response, 1)
	if err := s.send(ctx, req); err != nil {
		return err
	}
	select {
	case resp := <-req.reply:
		return resp.err
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, req *request) error {
	select {
	case s.mailbox <- req:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) notify(req *request) {
	select {
	case s.mailbox <- req:
	case <-s.closed:
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.mailbox:
			s.handle(req)
		}
	}
}

func (s *Session) handle(req *request) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("session_worker_panic",
				zap.String("session_id", s.ID),
				zap.Any("panic", r),
			)
			if s.status != StatusFinished {
				s.finish(&wire.Result{Reason: ReasonError})
			}
			if req.reply != nil {
				req.reply <- response{err: ErrClosed}
			}
		}
	}()

	switch req.kind {
	case reqSubmit:
		req.reply <- response{err: s.applySubmit(req.userID, req.action)}
	case reqResign:
		req.reply <- response{err: s.applyResign(req.userID)}
	case reqSnapshot:
		req.reply <- response{snap: s.snapshotFor(req.role)}
	case reqActivate:
		req.reply <- response{err: s.activate()}
	case reqSeatVacated:
		s.armGrace(req.seat)
	case reqSeatFilled:
		s.disarmGrace(req.seat)
	case reqGraceExpired:
		s.onGraceExpired(req.seat, req.gen)
	case reqClockExpired:
		s.onClockExpired(req.gen)
	}
}

func (s *Session) activate() error {
	switch s.status {
	case StatusActive:
		return nil
	case StatusFinished:
		return ErrFinished
	}
	s.status = StatusActive
	s.armClock()
	s.publish()
	obslog.L().Info("session_active", zap.String("session_id", s.ID))
	return nil
}

func (s *Session) applySubmit(userID string, action wire.Action) error {
	if err := s.checkActor(userID); err != nil {
		return err
	}
	step, err := s.pos.Apply(action.Kind, action.UCI)
	if err != nil {
		return err
	}
	now := time.Now()
	s.history = append(s.history, wire.ActionRecord{
		Seq:  len(s.history) + 1,
		Role: string(s.actorColorAfter(action.Kind)),
		Kind: action.Kind,
		UCI:  normalizedUCI(action.UCI),
		SAN:  step.SAN,
		At:   now,
	})
	obslog.L().Info("session_action",
		zap.String("session_id", s.ID),
		zap.String("kind", string(action.Kind)),
		zap.String("uci", action.UCI),
		zap.Int("ply", len(s.history)),
	)
	if step.Terminal != nil {
		s.finish(&wire.Result{Winner: string(step.Terminal.Winner), Reason: step.Terminal.Reason})
		return nil
	}
	s.armClock()
	s.publish()
	return nil
}

func (s *Session) applyResign(userID string) error {
	if s.status == StatusFinished {
		return ErrFinished
	}
	if s.status != StatusActive {
		return ErrNotActive
	}
	seats := s.SeatsOf(userID)
	if len(seats) == 0 {
		return ErrNotParticipant
	}
	resigner := seats[0]
	if len(seats) == 2 {
		// solo: the side currently expected to act resigns
		resigner = s.pos.ActiveColor()
	}
	obslog.L().Info("session_resign",
		zap.String("session_id", s.ID),
		zap.String("resigner", string(resigner)),
	)
	s.finish(&wire.Result{Winner: string(resigner.Other()), Reason: ReasonResignation})
	return nil
}

// checkActor enforces status and turn order before any rules check.
func (s *Session) checkActor(userID string) error {
	if s.status == StatusFinished {
		return ErrFinished
	}
	if s.status != StatusActive {
		return ErrNotActive
	}
	seats := s.SeatsOf(userID)
	if len(seats) == 0 {
		return ErrNotParticipant
	}
	expected := s.pos.ActiveColor()
	for _, seat := range seats {
		if seat == expected {
			return nil
		}
	}
	return ErrNotYourTurn
}

// actorColorAfter recovers the color that just acted. After a ban the
// mover is unchanged and the banner is the mover's opponent; after a
// move the side to move has flipped to the opponent of the actor. Both
// cases reduce to the same expression.
func (s *Session) actorColorAfter(wire.ActionKind) rules.Color {
	return s.pos.MoverColor().Other()
}

func (s *Session) finish(result *wire.Result) {
	s.status = StatusFinished
	s.result = result
	s.clockGen++ // invalidate any pending clock
	for _, g := range s.grace {
		g.armed = false
		g.gen++
	}
	s.publish()

	rec := &Record{
		SessionID: s.ID,
		Mode:      s.Mode,
		White:     s.White,
		Black:     s.Black,
		History:   append([]wire.ActionRecord(nil), s.history...),
		Winner:    result.Winner,
		Reason:    result.Reason,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
	}
	if s.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.sink.SaveRecord(ctx, rec); err != nil {
			obslog.L().Error("session_record_persist_error",
				zap.String("session_id", s.ID), zap.Error(err))
		}
		cancel()
	}
	obslog.L().Info("session_finished",
		zap.String("session_id", s.ID),
		zap.String("winner", result.Winner),
		zap.String("reason", result.Reason),
		zap.Int("plies", len(s.history)),
	)
	if s.onFinish != nil {
		s.onFinish(s.ID)
	}
}

// publish broadcasts the new state and mirrors the full spectator view.
func (s *Session) publish() {
	views := &Views{
		White:     s.snapshotFor("white"),
		Black:     s.snapshotFor("black"),
		Spectator: s.snapshotFor("spectator"),
	}
	if s.bc != nil {
		s.bc.BroadcastState(s.ID, views)
	}
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.mirror.SaveState(ctx, views.Spectator); err != nil {
			obslog.L().Warn("session_mirror_error",
				zap.String("session_id", s.ID), zap.Error(err))
		}
		cancel()
	}
}

func (s *Session) snapshotFor(role string) *wire.Snapshot {
	snap := &wire.Snapshot{
		SessionID:   s.ID,
		Status:      string(s.status),
		White:       s.White,
		Black:       s.Black,
		FEN:         s.pos.FEN(),
		Phase:       string(s.pos.Phase()),
		ActiveColor: string(s.pos.ActiveColor()),
		BannedMove:  s.pos.BannedMove(),
		History:     append([]wire.ActionRecord(nil), s.history...),
		Result:      s.result,
	}
	if s.status == StatusActive && (role == RoleBoth || role == string(s.pos.ActiveColor())) {
		snap.LegalBans = s.pos.LegalBans()
		snap.LegalMoves = s.pos.LegalMoves()
	}
	return snap
}

func (s *Session) armGrace(seat rules.Color) {
	if s.status != StatusActive || s.cfg.GraceWindow <= 0 {
		return
	}
	g := s.grace[seat]
	g.armed = true
	g.gen++
	gen := g.gen
	time.AfterFunc(s.cfg.GraceWindow, func() {
		s.notify(&request{kind: reqGraceExpired, seat: seat, gen: gen})
	})
	obslog.L().Info("session_grace_armed",
		zap.String("session_id", s.ID), zap.String("seat", string(seat)))
}

func (s *Session) disarmGrace(seat rules.Color) {
	g := s.grace[seat]
	if g.armed {
		obslog.L().Info("session_grace_cancelled",
			zap.String("session_id", s.ID), zap.String("seat", string(seat)))
	}
	g.armed = false
	g.gen++
}

func (s *Session) onGraceExpired(seat rules.Color, gen int) {
	g := s.grace[seat]
	if !g.armed || g.gen != gen || s.status != StatusActive {
		return
	}
	g.armed = false
	if s.White.UserID == s.Black.UserID {
		// solo player walked away from both seats
		s.finish(&wire.Result{Reason: ReasonAbandonment})
		return
	}
	s.finish(&wire.Result{Winner: string(seat.Other()), Reason: ReasonForfeit})
}

func (s *Session) armClock() {
	if s.cfg.MoveClock <= 0 {
		return
	}
	s.clockGen++
	gen := s.clockGen
	time.AfterFunc(s.cfg.MoveClock, func() {
		s.notify(&request{kind: reqClockExpired, gen: gen})
	})
}

func (s *Session) onClockExpired(gen int) {
	if gen != s.clockGen || s.status != StatusActive {
		return
	}
	loser := s.pos.ActiveColor()
	s.finish(&wire.Result{Winner: string(loser.Other()), Reason: ReasonTimeout})
}

func normalizedUCI(uci string) string {
	return strings.ToLower(strings.TrimSpace(uci))
}
