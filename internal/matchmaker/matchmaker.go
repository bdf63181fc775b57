// Package matchmaker pairs waiting players into new sessions. Queues
// are FIFO per preference class; pairing and queue removal happen under
// one lock so an entry can never match twice.
package matchmaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banchess/banchess-server/internal/obslog"
	"github.com/banchess/banchess-server/internal/registry"
	"github.com/banchess/banchess-server/internal/rules"
	"github.com/banchess/banchess-server/pkg/wire"
)

var (
	ErrAlreadyQueued  = errors.New("identity already queued")
	ErrAlreadyMatched = errors.New("identity was already matched")
	ErrNotQueued      = errors.New("identity is not queued")
)

// Notifier delivers matchmaking outcomes to an identity's live
// connections. Implemented by the hub.
type Notifier interface {
	Matched(userID, sessionID string, color rules.Color)
	QueuePosition(userID string, position int)
}

// matchedRetention bounds how long a leave can still be reported as
// "already matched" after the race; stale entries are pruned on the
// next queue operation.
const matchedRetention = time.Minute

type entry struct {
	participant wire.Participant
	class       string
	enqueuedAt  time.Time
}

type matchRecord struct {
	sessionID string
	at        time.Time
}

// Matchmaker joins two compatible queue entries into a session, or
// satisfies solo requests directly through the registry.
type Matchmaker struct {
	mu      sync.Mutex
	queues  map[string][]*entry
	matched map[string]matchRecord // userID → most recent match

	retention time.Duration

	reg    *registry.Registry
	notify Notifier
}

func New(reg *registry.Registry, notify Notifier) *Matchmaker {
	return &Matchmaker{
		queues:    make(map[string][]*entry),
		matched:   make(map[string]matchRecord),
		retention: matchedRetention,
		reg:       reg,
		notify:    notify,
	}
}

// pruneMatched requires m.mu.
func (m *Matchmaker) pruneMatched(now time.Time) {
	for id, rec := range m.matched {
		if now.Sub(rec.at) > m.retention {
			delete(m.matched, id)
		}
	}
}

// Enqueue adds a waiting participant. If a compatible opponent is
// already waiting, both entries are removed atomically and a session is
// created with the first-enqueued player as white.
func (m *Matchmaker) Enqueue(ctx context.Context, p wire.Participant, prefs wire.Preferences) error {
	class := prefClass(prefs)

	m.mu.Lock()
	m.pruneMatched(time.Now())
	for _, q := range m.queues {
		for _, e := range q {
			if e.participant.UserID == p.UserID {
				m.mu.Unlock()
				return ErrAlreadyQueued
			}
		}
	}

	q := m.queues[class]
	var opponent *entry
	for i, e := range q {
		if e.participant.UserID != p.UserID {
			opponent = e
			m.queues[class] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if opponent == nil {
		m.queues[class] = append(q, &entry{participant: p, class: class, enqueuedAt: time.Now()})
		pos := len(m.queues[class])
		m.mu.Unlock()
		if m.notify != nil {
			m.notify.QueuePosition(p.UserID, pos)
		}
		obslog.L().Info("queue_enqueue",
			zap.String("user_id", p.UserID),
			zap.String("class", class),
			zap.Int("position", pos),
		)
		return nil
	}

	// first-enqueued gets white
	s := m.reg.CreateMatch(opponent.participant, p)
	now := time.Now()
	m.matched[opponent.participant.UserID] = matchRecord{sessionID: s.ID, at: now}
	m.matched[p.UserID] = matchRecord{sessionID: s.ID, at: now}
	m.mu.Unlock()

	if err := s.Activate(ctx); err != nil {
		obslog.L().Error("queue_activate_error",
			zap.String("session_id", s.ID), zap.Error(err))
	}
	if m.notify != nil {
		m.notify.Matched(opponent.participant.UserID, s.ID, rules.White)
		m.notify.Matched(p.UserID, s.ID, rules.Black)
	}
	obslog.L().Info("queue_matched",
		zap.String("session_id", s.ID),
		zap.String("white_id", opponent.participant.UserID),
		zap.String("black_id", p.UserID),
		zap.String("class", class),
	)
	return nil
}

// Leave removes a waiting entry. A leave that lost the race against a
// concurrent match reports ErrAlreadyMatched rather than dropping
// silently.
func (m *Matchmaker) Leave(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneMatched(time.Now())
	for class, q := range m.queues {
		for i, e := range q {
			if e.participant.UserID == userID {
				m.queues[class] = append(q[:i], q[i+1:]...)
				obslog.L().Info("queue_leave",
					zap.String("user_id", userID), zap.String("class", class))
				return nil
			}
		}
	}
	if _, ok := m.matched[userID]; ok {
		delete(m.matched, userID)
		return ErrAlreadyMatched
	}
	return ErrNotQueued
}

// CreateSolo bypasses the queue entirely.
func (m *Matchmaker) CreateSolo(p wire.Participant) string {
	s := m.reg.CreateSolo(p)
	return s.ID
}

// Depth reports the number of waiting entries across all classes.
func (m *Matchmaker) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

func prefClass(prefs wire.Preferences) string {
	tc := strings.TrimSpace(strings.ToLower(prefs.TimeControl))
	if tc == "" {
		return "none"
	}
	return tc
}
