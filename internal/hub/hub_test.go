package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/banchess/banchess-server/internal/auth"
	"github.com/banchess/banchess-server/internal/matchmaker"
	"github.com/banchess/banchess-server/internal/registry"
	"github.com/banchess/banchess-server/internal/session"
	"github.com/banchess/banchess-server/pkg/wire"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := New(auth.GuestAuthenticator{}, 32)
	reg := registry.New(session.Config{}, time.Minute, h, nil, nil, nil)
	t.Cleanup(reg.Shutdown)
	h.SetRegistry(reg)
	h.SetMatchmaker(matchmaker.New(reg, h))
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(msg *wire.ClientMessage) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		c.t.Fatalf("write %s: %v", msg.Type, err)
	}
}

// expect reads frames until one of the wanted type arrives. Broadcast
// state frames may interleave with direct replies, so others are
// skipped, not failed.
func (c *wsClient) expect(typ string) *wire.ServerMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg wire.ServerMessage
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return &msg
		}
	}
}

func (c *wsClient) auth(userID, name string) {
	c.t.Helper()
	c.send(&wire.ClientMessage{Type: wire.TypeAuthenticate, Token: userID, Name: name})
	msg := c.expect(wire.TypeAuthenticated)
	if msg.UserID != userID {
		c.t.Fatalf("authenticated as %q, want %q", msg.UserID, userID)
	}
}

// expectState reads state frames until cond holds.
func (c *wsClient) expectState(cond func(*wire.Snapshot) bool) *wire.Snapshot {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := c.expect(wire.TypeState)
		if msg.Snapshot == nil {
			c.t.Fatalf("state frame without snapshot")
		}
		if cond(msg.Snapshot) {
			return msg.Snapshot
		}
	}
	c.t.Fatalf("wanted state never arrived")
	return nil
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.send(&wire.ClientMessage{Type: wire.TypeJoinQueue})
	msg := c.expect(wire.TypeError)
	if msg.Error.Code != wire.CodeUnauthenticated {
		t.Fatalf("error code = %s, want unauthenticated", msg.Error.Code)
	}
}

func TestSoloGameOverWebsocket(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.auth("u1", "Ana")

	c.send(&wire.ClientMessage{Type: wire.TypeCreateSoloGame})
	created := c.expect(wire.TypeGameCreated)
	if created.SessionID == "" {
		t.Fatalf("game-created without session id")
	}

	c.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	snap := c.expectState(func(s *wire.Snapshot) bool { return true })
	if snap.Status != "active" || snap.Phase != "ban" || snap.ActiveColor != "black" {
		t.Fatalf("initial snapshot = %s/%s/%s", snap.Status, snap.Phase, snap.ActiveColor)
	}
	if len(snap.LegalBans) == 0 {
		t.Fatalf("solo player view must list ban candidates")
	}

	c.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionBan, UCI: "e2e4"}})
	snap = c.expectState(func(s *wire.Snapshot) bool { return s.Phase == "move" })
	if snap.BannedMove != "e2e4" || len(snap.History) != 1 {
		t.Fatalf("after ban: banned=%q history=%d", snap.BannedMove, len(snap.History))
	}

	// playing into the ban is rejected over the wire
	c.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionMove, UCI: "e2e4"}})
	errMsg := c.expect(wire.TypeError)
	if errMsg.Error.Code != wire.CodeIllegalAction {
		t.Fatalf("banned move error code = %s, want illegal_action", errMsg.Error.Code)
	}

	c.send(&wire.ClientMessage{Type: wire.TypeResign})
	snap = c.expectState(func(s *wire.Snapshot) bool { return s.Status == "finished" })
	if snap.Result == nil {
		t.Fatalf("finished snapshot without result")
	}
}

func TestMatchmakingOverWebsocket(t *testing.T) {
	srv := newTestServer(t)
	c1 := dial(t, srv)
	c1.auth("u1", "Ana")
	c2 := dial(t, srv)
	c2.auth("u2", "Bob")

	c1.send(&wire.ClientMessage{Type: wire.TypeJoinQueue})
	pos := c1.expect(wire.TypeQueuePosition)
	if pos.Position != 1 {
		t.Fatalf("queue position = %d, want 1", pos.Position)
	}

	c2.send(&wire.ClientMessage{Type: wire.TypeJoinQueue})
	m1 := c1.expect(wire.TypeMatched)
	m2 := c2.expect(wire.TypeMatched)
	if m1.SessionID == "" || m1.SessionID != m2.SessionID {
		t.Fatalf("matched sessions: %q vs %q", m1.SessionID, m2.SessionID)
	}
	if m1.Color != "white" || m2.Color != "black" {
		t.Fatalf("colors = %s/%s, want white/black (first enqueued is white)", m1.Color, m2.Color)
	}

	c1.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: m1.SessionID})
	c2.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: m2.SessionID})
	s1 := c1.expectState(func(s *wire.Snapshot) bool { return true })
	if s1.Status != "active" {
		t.Fatalf("matched session status = %s, want active", s1.Status)
	}
	s2 := c2.expectState(func(s *wire.Snapshot) bool { return true })
	if len(s2.LegalBans) == 0 {
		t.Fatalf("black opens with the ban and must see candidates")
	}

	// black bans, both sides observe the new state
	c2.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionBan, UCI: "d2d4"}})
	w := c1.expectState(func(s *wire.Snapshot) bool { return s.Phase == "move" })
	b := c2.expectState(func(s *wire.Snapshot) bool { return s.Phase == "move" })
	if w.BannedMove != "d2d4" || b.BannedMove != "d2d4" {
		t.Fatalf("ban not visible to both sides: %q / %q", w.BannedMove, b.BannedMove)
	}
	// white to move: only white's frame carries candidates
	if len(w.LegalMoves) == 0 {
		t.Fatalf("white should see legal moves")
	}
	if len(b.LegalMoves) != 0 {
		t.Fatalf("black should not see white's candidates")
	}

	// black just banned, it is white's move now
	c2.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionMove, UCI: "e7e5"}})
	errMsg := c2.expect(wire.TypeError)
	if errMsg.Error.Code != wire.CodeNotYourTurn {
		t.Fatalf("out-of-turn code = %s, want not_your_turn", errMsg.Error.Code)
	}
}

func TestSeatExclusivity(t *testing.T) {
	srv := newTestServer(t)
	c1 := dial(t, srv)
	c1.auth("u1", "Ana")
	c1.send(&wire.ClientMessage{Type: wire.TypeCreateSoloGame})
	created := c1.expect(wire.TypeGameCreated)
	c1.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	c1.expect(wire.TypeState)

	// a second connection with the same identity cannot take the seats
	c2 := dial(t, srv)
	c2.auth("u1", "Ana")
	c2.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	errMsg := c2.expect(wire.TypeError)
	if errMsg.Error.Code != wire.CodeSeatTaken {
		t.Fatalf("second attach code = %s, want seat_taken", errMsg.Error.Code)
	}

	// a different identity attaches fine, as spectator
	c3 := dial(t, srv)
	c3.auth("u9", "Zoe")
	c3.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	snap := c3.expectState(func(s *wire.Snapshot) bool { return true })
	if len(snap.LegalBans) != 0 || len(snap.LegalMoves) != 0 {
		t.Fatalf("spectator view must not carry candidate lists")
	}

	// spectators cannot act
	c3.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionBan, UCI: "e2e4"}})
	errMsg = c3.expect(wire.TypeError)
	if errMsg.Error.Code != wire.CodeNotYourTurn {
		t.Fatalf("spectator action code = %s, want not_your_turn", errMsg.Error.Code)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.auth("u1", "Ana")
	c.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: "nope"})
	msg := c.expect(wire.TypeError)
	if msg.Error.Code != wire.CodeSessionNotFound {
		t.Fatalf("error code = %s, want session_not_found", msg.Error.Code)
	}
}

func TestDetachReattach(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.auth("u1", "Ana")
	c.send(&wire.ClientMessage{Type: wire.TypeCreateSoloGame})
	created := c.expect(wire.TypeGameCreated)
	c.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	c.expect(wire.TypeState)
	c.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionBan, UCI: "g1f3"}})
	before := c.expectState(func(s *wire.Snapshot) bool { return len(s.History) == 1 })

	c.send(&wire.ClientMessage{Type: wire.TypeDetach})
	c.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	after := c.expectState(func(s *wire.Snapshot) bool { return len(s.History) == 1 })
	if after.FEN != before.FEN || after.Phase != before.Phase || after.BannedMove != before.BannedMove {
		t.Fatalf("reattach snapshot differs:\n got %+v\nwant %+v", after, before)
	}

	// actions work again after reattaching
	c.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionMove, UCI: "d2d4"}})
	c.expectState(func(s *wire.Snapshot) bool { return len(s.History) == 2 })
}

func TestReauthenticateWhileAttached(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.auth("u1", "Ana")
	c.send(&wire.ClientMessage{Type: wire.TypeCreateSoloGame})
	created := c.expect(wire.TypeGameCreated)
	c.send(&wire.ClientMessage{Type: wire.TypeAttach, SessionID: created.SessionID})
	c.expect(wire.TypeState)

	// identity swap under a held seat is refused
	c.send(&wire.ClientMessage{Type: wire.TypeAuthenticate, Token: "u2", Name: "Eve"})
	errMsg := c.expect(wire.TypeError)
	if errMsg.Error.Code != wire.CodeAlreadyAttached {
		t.Fatalf("re-auth while attached code = %s, want already_attached", errMsg.Error.Code)
	}

	// the original identity still holds the seats and can act
	c.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionBan, UCI: "e2e4"}})
	c.expectState(func(s *wire.Snapshot) bool { return len(s.History) == 1 })

	// after a detach the connection may re-authenticate freely
	c.send(&wire.ClientMessage{Type: wire.TypeDetach})
	c.auth("u2", "Eve")
}

func TestActionWhileNotAttached(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.auth("u1", "Ana")
	c.send(&wire.ClientMessage{Type: wire.TypeAction, Action: &wire.Action{Kind: wire.ActionBan, UCI: "e2e4"}})
	msg := c.expect(wire.TypeError)
	if msg.Error.Code != wire.CodeNotAttached {
		t.Fatalf("error code = %s, want not_attached", msg.Error.Code)
	}
}
