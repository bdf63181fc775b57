// Package hub is the connection multiplexer: it accepts websocket
// clients, authenticates them, attaches each to at most one session and
// fans session state out to every attached connection. Broadcast is
// best-effort per connection; a full outbound buffer disconnects that
// connection without stalling the others.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/banchess/banchess-server/internal/auth"
	"github.com/banchess/banchess-server/internal/matchmaker"
	"github.com/banchess/banchess-server/internal/obslog"
	"github.com/banchess/banchess-server/internal/registry"
	"github.com/banchess/banchess-server/internal/rules"
	"github.com/banchess/banchess-server/internal/session"
	"github.com/banchess/banchess-server/pkg/wire"
)

const requestTimeout = 5 * time.Second

// Hub owns every connection in the process. One instance per server,
// constructed at startup.
type Hub struct {
	authn  auth.Authenticator
	reg    *registry.Registry
	mm     *matchmaker.Matchmaker
	buffer int

	mu       sync.Mutex
	conns    map[string]*conn
	byUser   map[string]map[string]*conn
	attached map[string]map[string]*conn
	seats    map[string]map[rules.Color]string // sessionID → seat → connID
}

func New(authn auth.Authenticator, buffer int) *Hub {
	return &Hub{
		authn:    authn,
		buffer:   buffer,
		conns:    make(map[string]*conn),
		byUser:   make(map[string]map[string]*conn),
		attached: make(map[string]map[string]*conn),
		seats:    make(map[string]map[rules.Color]string),
	}
}

// SetRegistry and SetMatchmaker break the construction cycle: sessions
// broadcast through the hub, the hub routes commands back to the
// registry and matchmaker. Both must be set before ServeWS is reachable.
func (h *Hub) SetRegistry(reg *registry.Registry)      { h.reg = reg }
func (h *Hub) SetMatchmaker(mm *matchmaker.Matchmaker) { h.mm = mm }

// ConnCount reports live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeWS upgrades one HTTP request and runs the connection until the
// transport closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}
	c := newConn(ws, h.buffer)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	obslog.L().Info("conn_open", zap.String("conn_id", c.id))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.writeLoop(ctx)

	for {
		var msg wire.ClientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			break
		}
		h.dispatch(ctx, c, &msg)
	}
	h.drop(c)
}

func (h *Hub) dispatch(ctx context.Context, c *conn, msg *wire.ClientMessage) {
	switch msg.Type {
	case wire.TypeAuthenticate:
		h.handleAuthenticate(ctx, c, msg)
		return
	}

	h.mu.Lock()
	authed := c.identity != nil
	h.mu.Unlock()
	if !authed {
		h.sendError(c, wire.CodeUnauthenticated, "authenticate first")
		return
	}

	switch msg.Type {
	case wire.TypeCreateSoloGame:
		h.handleCreateSolo(c)
	case wire.TypeJoinQueue:
		h.handleJoinQueue(ctx, c, msg)
	case wire.TypeLeaveQueue:
		h.handleLeaveQueue(c)
	case wire.TypeAttach:
		h.handleAttach(ctx, c, msg)
	case wire.TypeDetach:
		h.detach(c, true)
	case wire.TypeAction:
		h.handleAction(ctx, c, msg)
	case wire.TypeResign:
		h.handleResign(ctx, c, msg)
	default:
		h.sendError(c, wire.CodeBadMessage, "unknown message type")
	}
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *conn, msg *wire.ClientMessage) {
	h.mu.Lock()
	attached := c.sessionID != ""
	h.mu.Unlock()
	if attached {
		// a seat is bound to the current identity; swapping it
		// mid-attachment would leave the seat held by the wrong user
		h.sendError(c, wire.CodeAlreadyAttached, "detach before re-authenticating")
		return
	}

	id, err := h.authn.Authenticate(ctx, msg.Token, msg.Name)
	if err != nil {
		h.sendError(c, wire.CodeAuthFailed, "authentication failed")
		return
	}
	h.mu.Lock()
	if c.identity != nil {
		h.removeFromUser(c)
	}
	c.identity = &id
	if h.byUser[id.UserID] == nil {
		h.byUser[id.UserID] = make(map[string]*conn)
	}
	h.byUser[id.UserID][c.id] = c
	h.mu.Unlock()

	obslog.L().Info("conn_authenticated",
		zap.String("conn_id", c.id), zap.String("user_id", id.UserID))
	h.sendMessage(c, &wire.ServerMessage{
		Type:        wire.TypeAuthenticated,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
	})
}

func (h *Hub) handleCreateSolo(c *conn) {
	h.mu.Lock()
	p := wire.Participant{UserID: c.identity.UserID, DisplayName: c.identity.DisplayName}
	h.mu.Unlock()
	sid := h.mm.CreateSolo(p)
	h.sendMessage(c, &wire.ServerMessage{Type: wire.TypeGameCreated, SessionID: sid})
}

func (h *Hub) handleJoinQueue(ctx context.Context, c *conn, msg *wire.ClientMessage) {
	h.mu.Lock()
	p := wire.Participant{UserID: c.identity.UserID, DisplayName: c.identity.DisplayName}
	h.mu.Unlock()
	prefs := wire.Preferences{}
	if msg.Preferences != nil {
		prefs = *msg.Preferences
	}
	if err := h.mm.Enqueue(ctx, p, prefs); err != nil {
		h.sendError(c, queueErrCode(err), err.Error())
	}
}

func (h *Hub) handleLeaveQueue(c *conn) {
	h.mu.Lock()
	userID := c.identity.UserID
	h.mu.Unlock()
	if err := h.mm.Leave(userID); err != nil {
		h.sendError(c, queueErrCode(err), err.Error())
	}
}

func (h *Hub) handleAttach(ctx context.Context, c *conn, msg *wire.ClientMessage) {
	s, ok := h.reg.Get(msg.SessionID)
	if !ok {
		h.sendError(c, wire.CodeSessionNotFound, "session not found")
		return
	}

	h.mu.Lock()
	if c.sessionID != "" {
		h.mu.Unlock()
		h.sendError(c, wire.CodeAlreadyAttached, "detach before attaching elsewhere")
		return
	}
	userSeats := s.SeatsOf(c.identity.UserID)
	role := session.RoleSpectator
	if len(userSeats) > 0 {
		// player attachment requires every matching seat to be free
		if h.seats[s.ID] == nil {
			h.seats[s.ID] = make(map[rules.Color]string)
		}
		for _, seat := range userSeats {
			if holder, taken := h.seats[s.ID][seat]; taken && holder != c.id {
				h.mu.Unlock()
				h.sendError(c, wire.CodeSeatTaken, "seat already held by a live connection")
				return
			}
		}
		for _, seat := range userSeats {
			h.seats[s.ID][seat] = c.id
		}
		if len(userSeats) == 2 {
			role = session.RoleBoth
		} else {
			role = string(userSeats[0])
		}
	}
	c.sessionID = s.ID
	c.role = role
	if h.attached[s.ID] == nil {
		h.attached[s.ID] = make(map[string]*conn)
	}
	h.attached[s.ID][c.id] = c
	h.mu.Unlock()

	for _, seat := range userSeats {
		s.SeatFilled(seat)
	}
	obslog.L().Info("conn_attach",
		zap.String("conn_id", c.id),
		zap.String("session_id", s.ID),
		zap.String("role", role),
	)

	sctx, cancel := context.WithTimeout(ctx, requestTimeout)
	snap, err := s.Snapshot(sctx, role)
	cancel()
	if err != nil {
		h.sendError(c, wire.CodeInternal, "snapshot unavailable")
		return
	}
	h.sendMessage(c, &wire.ServerMessage{Type: wire.TypeState, Snapshot: snap})
}

func (h *Hub) handleAction(ctx context.Context, c *conn, msg *wire.ClientMessage) {
	if msg.Action == nil {
		h.sendError(c, wire.CodeBadMessage, "action payload missing")
		return
	}
	s, userID, ok := h.attachedSession(c, msg.SessionID)
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, requestTimeout)
	err := s.SubmitAction(sctx, userID, *msg.Action)
	cancel()
	if err != nil {
		h.sendError(c, actionErrCode(err), err.Error())
	}
}

func (h *Hub) handleResign(ctx context.Context, c *conn, msg *wire.ClientMessage) {
	s, userID, ok := h.attachedSession(c, msg.SessionID)
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, requestTimeout)
	err := s.Resign(sctx, userID)
	cancel()
	if err != nil {
		h.sendError(c, actionErrCode(err), err.Error())
	}
}

// attachedSession resolves the session the connection is attached to
// and validates the target id.
func (h *Hub) attachedSession(c *conn, sessionID string) (*session.Session, string, bool) {
	h.mu.Lock()
	attachedTo := c.sessionID
	userID := c.identity.UserID
	h.mu.Unlock()
	if attachedTo == "" || (sessionID != "" && sessionID != attachedTo) {
		h.sendError(c, wire.CodeNotAttached, "not attached to that session")
		return nil, "", false
	}
	s, ok := h.reg.Get(attachedTo)
	if !ok {
		h.sendError(c, wire.CodeSessionNotFound, "session not found")
		return nil, "", false
	}
	return s, userID, true
}

// detach unbinds a connection from its session. Vacated player seats
// start the reconnection grace window; spectator departure never
// affects the session.
func (h *Hub) detach(c *conn, explicit bool) {
	h.mu.Lock()
	sid := c.sessionID
	if sid == "" {
		h.mu.Unlock()
		return
	}
	c.sessionID = ""
	c.role = ""
	delete(h.attached[sid], c.id)
	if len(h.attached[sid]) == 0 {
		delete(h.attached, sid)
	}
	var vacated []rules.Color
	for seat, holder := range h.seats[sid] {
		if holder == c.id {
			delete(h.seats[sid], seat)
			vacated = append(vacated, seat)
		}
	}
	if len(h.seats[sid]) == 0 {
		delete(h.seats, sid)
	}
	h.mu.Unlock()

	if len(vacated) == 0 {
		return
	}
	s, ok := h.reg.Get(sid)
	if !ok {
		return
	}
	for _, seat := range vacated {
		s.SeatVacated(seat)
	}
	obslog.L().Info("conn_seat_vacated",
		zap.String("conn_id", c.id),
		zap.String("session_id", sid),
		zap.Bool("explicit", explicit),
	)
}

// drop fully removes a connection after its transport closed.
func (h *Hub) drop(c *conn) {
	h.detach(c, false)
	h.mu.Lock()
	delete(h.conns, c.id)
	h.removeFromUser(c)
	h.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "bye")
	obslog.L().Info("conn_close", zap.String("conn_id", c.id))
}

// removeFromUser requires h.mu.
func (h *Hub) removeFromUser(c *conn) {
	if c.identity == nil {
		return
	}
	m := h.byUser[c.identity.UserID]
	delete(m, c.id)
	if len(m) == 0 {
		delete(h.byUser, c.identity.UserID)
	}
}

// BroadcastState implements session.Broadcaster: one frame per attached
// connection, chosen by role. Slow connections are disconnected rather
// than blocking delivery to the rest.
func (h *Hub) BroadcastState(sessionID string, views *session.Views) {
	frames := map[string][]byte{
		session.RoleWhite:     marshalState(views.White),
		session.RoleBlack:     marshalState(views.Black),
		session.RoleSpectator: marshalState(views.Spectator),
	}
	// solo view: the side currently expected to act
	if views.Spectator.ActiveColor == string(rules.Black) {
		frames[session.RoleBoth] = frames[session.RoleBlack]
	} else {
		frames[session.RoleBoth] = frames[session.RoleWhite]
	}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.attached[sessionID]))
	roles := make([]string, 0, len(h.attached[sessionID]))
	for _, c := range h.attached[sessionID] {
		targets = append(targets, c)
		roles = append(roles, c.role)
	}
	h.mu.Unlock()

	for i, c := range targets {
		frame := frames[roles[i]]
		if frame == nil {
			frame = frames[session.RoleSpectator]
		}
		if !c.enqueue(frame) {
			obslog.L().Warn("conn_overflow_drop", zap.String("conn_id", c.id))
			c.close(websocket.StatusPolicyViolation, "outbound buffer overflow")
		}
	}
}

// Matched implements matchmaker.Notifier.
func (h *Hub) Matched(userID, sessionID string, color rules.Color) {
	h.sendToUser(userID, &wire.ServerMessage{
		Type:      wire.TypeMatched,
		SessionID: sessionID,
		Color:     string(color),
	})
}

// QueuePosition implements matchmaker.Notifier.
func (h *Hub) QueuePosition(userID string, position int) {
	h.sendToUser(userID, &wire.ServerMessage{
		Type:     wire.TypeQueuePosition,
		Position: position,
	})
}

func (h *Hub) sendToUser(userID string, msg *wire.ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	targets := make([]*conn, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if !c.enqueue(b) {
			c.close(websocket.StatusPolicyViolation, "outbound buffer overflow")
		}
	}
}

func (h *Hub) sendMessage(c *conn, msg *wire.ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(b) {
		c.close(websocket.StatusPolicyViolation, "outbound buffer overflow")
	}
}

func (h *Hub) sendError(c *conn, code, message string) {
	h.sendMessage(c, &wire.ServerMessage{
		Type:  wire.TypeError,
		Error: &wire.Error{Code: code, Message: message},
	})
}

func marshalState(snap *wire.Snapshot) []byte {
	b, err := json.Marshal(&wire.ServerMessage{Type: wire.TypeState, Snapshot: snap})
	if err != nil {
		return nil
	}
	return b
}

func queueErrCode(err error) string {
	switch {
	case errors.Is(err, matchmaker.ErrAlreadyQueued):
		return wire.CodeAlreadyQueued
	case errors.Is(err, matchmaker.ErrAlreadyMatched):
		return wire.CodeAlreadyMatched
	case errors.Is(err, matchmaker.ErrNotQueued):
		return wire.CodeNotQueued
	default:
		return wire.CodeInternal
	}
}

func actionErrCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotYourTurn), errors.Is(err, session.ErrNotParticipant):
		return wire.CodeNotYourTurn
	case errors.Is(err, session.ErrFinished), errors.Is(err, rules.ErrGameOver):
		return wire.CodeGameFinished
	case errors.Is(err, session.ErrNotActive):
		return wire.CodeNotActive
	case errors.Is(err, rules.ErrWrongPhase):
		return wire.CodeWrongPhase
	case errors.Is(err, rules.ErrIllegalBan), errors.Is(err, rules.ErrIllegalMove), errors.Is(err, rules.ErrBannedMove):
		return wire.CodeIllegalAction
	default:
		return wire.CodeInternal
	}
}
