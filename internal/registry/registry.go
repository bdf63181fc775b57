// Package registry is the single source of truth mapping session ids to
// live sessions. It creates, looks up and retires sessions; session
// state itself is only ever mutated by the session's own worker.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banchess/banchess-server/internal/obslog"
	"github.com/banchess/banchess-server/internal/session"
	"github.com/banchess/banchess-server/pkg/wire"
)

var ErrNotFound = errors.New("session not found")

// Loader reads a mirrored session state back for resume. Implemented by
// the livestore; nil disables Resume.
type Loader interface {
	LoadState(ctx context.Context, sessionID string) (*wire.Snapshot, error)
	DeleteState(ctx context.Context, sessionID string) error
}

// Registry owns all live sessions. Finished sessions stay resolvable
// for RetireGrace so late spectators can still fetch the final state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	cfg    session.Config
	retire time.Duration
	bc     session.Broadcaster
	sink   session.Sink
	mirror session.Mirror
	loader Loader
}

// New wires the registry. bc, sink, mirror and loader may be nil.
func New(cfg session.Config, retire time.Duration, bc session.Broadcaster, sink session.Sink, mirror session.Mirror, loader Loader) *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
		cfg:      cfg,
		retire:   retire,
		bc:       bc,
		sink:     sink,
		mirror:   mirror,
		loader:   loader,
	}
}

// CreateSolo creates an immediately active session with both seats
// bound to the same identity.
func (r *Registry) CreateSolo(p wire.Participant) *session.Session {
	s := session.New(uuid.NewString(), session.ModeSolo, p, p, r.cfg, r.bc, r.sink, r.mirror, r.onFinished)
	r.put(s)
	obslog.L().Info("session_create",
		zap.String("session_id", s.ID),
		zap.String("mode", string(session.ModeSolo)),
		zap.String("user_id", p.UserID),
	)
	return s
}

// CreateMatch creates a waiting session for two matched identities. The
// caller activates it once both sides have been notified.
func (r *Registry) CreateMatch(white, black wire.Participant) *session.Session {
	s := session.New(uuid.NewString(), session.ModeOnline, white, black, r.cfg, r.bc, r.sink, r.mirror, r.onFinished)
	r.put(s)
	obslog.L().Info("session_create",
		zap.String("session_id", s.ID),
		zap.String("mode", string(session.ModeOnline)),
		zap.String("white_id", white.UserID),
		zap.String("black_id", black.UserID),
	)
	return s
}

// Get returns a live (or recently finished) session.
func (r *Registry) Get(sessionID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Count reports the number of sessions currently held.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Resume reseeds an interrupted session from the mirror. Used by
// recovery tooling after a worker or process fault; never called on a
// session that is still live.
func (r *Registry) Resume(ctx context.Context, sessionID string) (*session.Session, error) {
	if r.loader == nil {
		return nil, ErrNotFound
	}
	if _, ok := r.Get(sessionID); ok {
		return nil, errors.New("session is already live")
	}
	snap, err := r.loader.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	mode := session.ModeOnline
	if snap.White.UserID == snap.Black.UserID {
		mode = session.ModeSolo
	}
	s, err := session.Restore(sessionID, mode, snap.White, snap.Black, snap.History, r.cfg, r.bc, r.sink, r.mirror, r.onFinished)
	if err != nil {
		return nil, err
	}
	r.put(s)
	obslog.L().Info("session_resume",
		zap.String("session_id", sessionID),
		zap.Int("plies", len(snap.History)),
	)
	return s, nil
}

// onFinished is installed as the session finish hook: the finalized
// record has already gone to the sink, so after the retire grace the
// session is dropped from memory and the mirror entry removed.
func (r *Registry) onFinished(sessionID string) {
	retire := r.retire
	if retire <= 0 {
		retire = time.Nanosecond
	}
	time.AfterFunc(retire, func() {
		r.mu.Lock()
		s, ok := r.sessions[sessionID]
		if ok {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		s.Close()
		if r.loader != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = r.loader.DeleteState(ctx, sessionID)
			cancel()
		}
		obslog.L().Info("session_retired", zap.String("session_id", sessionID))
	})
}

func (r *Registry) put(s *session.Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Shutdown closes every live session worker.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.Close()
		delete(r.sessions, id)
	}
}
