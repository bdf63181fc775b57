// Package admin serves the operational side port: liveness and a few
// process counters. Kept off the game socket on purpose.
package admin

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Stats is sampled per request.
type Stats struct {
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
	QueueDepth  int `json:"queueDepth"`
}

// Source provides the current counters.
type Source interface {
	Stats() Stats
}

type Server struct {
	src Source
	srv *fasthttp.Server
}

func NewServer(src Source) *Server {
	s := &Server{src: src}
	s.srv = &fasthttp.Server{Handler: s.handle, Name: "banchess-admin"}
	return s
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/stats":
		body, err := json.Marshal(s.src.Stats())
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}
