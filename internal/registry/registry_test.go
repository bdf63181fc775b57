package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/banchess/banchess-server/internal/livestore"
	"github.com/banchess/banchess-server/internal/session"
	"github.com/banchess/banchess-server/pkg/wire"
)

var ana = wire.Participant{UserID: "ana", DisplayName: "Ana"}

func TestCreateAndGet(t *testing.T) {
	reg := New(session.Config{}, time.Minute, nil, nil, nil, nil)
	t.Cleanup(reg.Shutdown)

	s := reg.CreateSolo(ana)
	got, ok := reg.Get(s.ID)
	if !ok || got != s {
		t.Fatalf("Get(%s) = %v, %v", s.ID, got, ok)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count = %d, want 1", reg.Count())
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatalf("Get of unknown id succeeded")
	}
}

func TestRetireAfterFinish(t *testing.T) {
	reg := New(session.Config{}, 20*time.Millisecond, nil, nil, nil, nil)
	t.Cleanup(reg.Shutdown)

	s := reg.CreateSolo(ana)
	if err := s.Resign(context.Background(), ana.UserID); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	// stays resolvable during the grace, gone afterwards
	if _, ok := reg.Get(s.ID); !ok {
		t.Fatalf("finished session retired immediately")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Count() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("finished session never retired")
}

func newMirroredRegistry(t *testing.T) (*Registry, *livestore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := livestore.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("livestore.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := New(session.Config{}, time.Minute, nil, nil, store, store)
	t.Cleanup(reg.Shutdown)
	return reg, store
}

func TestResumeFromMirror(t *testing.T) {
	reg, store := newMirroredRegistry(t)
	ctx := context.Background()

	s := reg.CreateSolo(ana)
	seq := []wire.Action{
		{Kind: wire.ActionBan, UCI: "a2a3"},
		{Kind: wire.ActionMove, UCI: "e2e4"},
		{Kind: wire.ActionBan, UCI: "e7e5"},
	}
	for _, a := range seq {
		if err := s.SubmitAction(ctx, ana.UserID, a); err != nil {
			t.Fatalf("SubmitAction %s: %v", a.UCI, err)
		}
	}
	want, err := s.Snapshot(ctx, session.RoleSpectator)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// the same mirror seeds a fresh registry after a process fault
	reg2 := New(session.Config{}, time.Minute, nil, nil, store, store)
	t.Cleanup(reg2.Shutdown)
	restored, err := reg2.Resume(ctx, s.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err := restored.Snapshot(ctx, session.RoleSpectator)
	if err != nil {
		t.Fatalf("Snapshot after resume: %v", err)
	}
	if got.FEN != want.FEN || got.Phase != want.Phase || got.BannedMove != want.BannedMove {
		t.Fatalf("resumed state differs:\n got %+v\nwant %+v", got, want)
	}
	if len(got.History) != len(want.History) {
		t.Fatalf("resumed history = %d records, want %d", len(got.History), len(want.History))
	}
	if restored.Mode != session.ModeSolo {
		t.Fatalf("resumed mode = %s, want solo", restored.Mode)
	}
}

func TestResumeUnknown(t *testing.T) {
	reg, _ := newMirroredRegistry(t)
	if _, err := reg.Resume(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Resume unknown: err = %v, want ErrNotFound", err)
	}
}

func TestResumeRefusesLiveSession(t *testing.T) {
	reg, _ := newMirroredRegistry(t)
	s := reg.CreateSolo(ana)
	if _, err := reg.Resume(context.Background(), s.ID); err == nil {
		t.Fatalf("Resume of live session must fail")
	}
}

func TestRetireClearsMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := livestore.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("livestore.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := New(session.Config{}, 20*time.Millisecond, nil, nil, store, store)
	t.Cleanup(reg.Shutdown)

	ctx := context.Background()
	s := reg.CreateSolo(ana)
	if err := s.SubmitAction(ctx, ana.UserID, wire.Action{Kind: wire.ActionBan, UCI: "a2a3"}); err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	if snap, err := store.LoadState(ctx, s.ID); err != nil || snap == nil {
		t.Fatalf("mirror not written: snap=%v err=%v", snap, err)
	}
	if err := s.Resign(ctx, ana.UserID); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := store.LoadState(ctx, s.ID)
		if err != nil {
			t.Fatalf("LoadState: %v", err)
		}
		if snap == nil && reg.Count() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mirror entry survived retirement")
}
