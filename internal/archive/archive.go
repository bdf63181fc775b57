// Package archive is the persistence sink: it receives each finalized
// game record exactly once, at session termination, and stores enough
// to replay the game deterministically.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/banchess/banchess-server/internal/session"
	"github.com/banchess/banchess-server/pkg/wire"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveRecord upserts one finished game.
func (r *Repository) SaveRecord(ctx context.Context, rec *session.Record) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	historyRaw, _ := json.Marshal(rec.History)
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO ban_games (
	    session_id, mode, white_id, white_name, black_id, black_name,
	    winner, reason, history, game_text,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	  ) ON CONFLICT (session_id) DO UPDATE SET
	    winner=EXCLUDED.winner,
	    reason=EXCLUDED.reason,
	    history=EXCLUDED.history,
	    game_text=EXCLUDED.game_text,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID, string(rec.Mode),
		rec.White.UserID, rec.White.DisplayName,
		rec.Black.UserID, rec.Black.DisplayName,
		rec.Winner, rec.Reason, string(historyRaw), GameText(rec),
		rec.StartedAt, rec.EndedAt, duration,
	)
	return err
}

// GameText renders a PGN-style transcript with bans as inline
// annotations, e.g. `1. {banned: e2e4} d2d4 {banned: g8f6} e7e6`.
func GameText(rec *session.Record) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"Ban Chess\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizeTag(rec.White.DisplayName)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizeTag(rec.Black.DisplayName)))
	b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizeTag(rec.Reason)))
	result := resultTag(rec)
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	moveNo := 0
	for _, a := range rec.History {
		switch a.Kind {
		case wire.ActionBan:
			if a.Role == "black" {
				// black's ban precedes a white move: new move number
				moveNo++
				b.WriteString(fmt.Sprintf("%d. ", moveNo))
			}
			b.WriteString(fmt.Sprintf("{banned: %s} ", a.UCI))
		case wire.ActionMove:
			san := a.SAN
			if san == "" {
				san = a.UCI
			}
			b.WriteString(san)
			b.WriteString(" ")
		}
	}
	b.WriteString(result)
	return b.String()
}

func resultTag(rec *session.Record) string {
	switch rec.Winner {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	}
	if rec.Reason == session.ReasonError || rec.Reason == session.ReasonAbandonment {
		return "*"
	}
	return "1/2-1/2"
}

func sanitizeTag(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
