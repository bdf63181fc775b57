package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banchess/banchess-server/internal/admin"
	"github.com/banchess/banchess-server/internal/archive"
	"github.com/banchess/banchess-server/internal/auth"
	"github.com/banchess/banchess-server/internal/config"
	"github.com/banchess/banchess-server/internal/hub"
	"github.com/banchess/banchess-server/internal/livestore"
	"github.com/banchess/banchess-server/internal/matchmaker"
	"github.com/banchess/banchess-server/internal/obslog"
	"github.com/banchess/banchess-server/internal/registry"
	"github.com/banchess/banchess-server/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}

	var authn auth.Authenticator = auth.GuestAuthenticator{}
	if cfg.AuthSecret != "" {
		authn = auth.NewHMACAuthenticator(cfg.AuthSecret)
	}

	var mirror *livestore.Store
	if cfg.RedisURL != "" {
		mirror, err = livestore.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("livestore init error: %v", err)
		}
	}

	var sink *archive.Repository
	if cfg.DatabaseURL != "" {
		sink, err = archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
	}

	sessCfg := session.Config{GraceWindow: cfg.GraceWindow, MoveClock: cfg.MoveClock}

	// nil-interface wiring: a typed nil *Store inside a non-nil
	// interface would dodge the session's nil checks
	var sinkIface session.Sink
	if sink != nil {
		sinkIface = sink
	}
	var mirrorIface session.Mirror
	var loader registry.Loader
	if mirror != nil {
		mirrorIface = mirror
		loader = mirror
	}

	h := hub.New(authn, cfg.OutboundBuffer)
	reg := registry.New(sessCfg, cfg.RetireGrace, h, sinkIface, mirrorIface, loader)
	h.SetRegistry(reg)
	mm := matchmaker.New(reg, h)
	h.SetMatchmaker(mm)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(statsSource{reg: reg, h: h, mm: mm})
		go func() {
			obslog.L().Info("admin_listen", zap.String("addr", cfg.AdminAddr))
			if err := adminSrv.ListenAndServe(cfg.AdminAddr); err != nil {
				obslog.L().Error("admin_error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("server_shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(ctx)
	cancel()
	if adminSrv != nil {
		_ = adminSrv.Shutdown()
	}
	reg.Shutdown()
	if mirror != nil {
		_ = mirror.Close()
	}
	if sink != nil {
		_ = sink.Close()
	}
}

type statsSource struct {
	reg *registry.Registry
	h   *hub.Hub
	mm  *matchmaker.Matchmaker
}

func (s statsSource) Stats() admin.Stats {
	return admin.Stats{
		Sessions:    s.reg.Count(),
		Connections: s.h.ConnCount(),
		QueueDepth:  s.mm.Depth(),
	}
}
