package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/embhttp/embhttp"
	"github.com/embhttp/embhttp/config"
	"github.com/embhttp/embhttp/nethttp"
)

// newHandler combines the chi-routed demo API with one native streaming
// route that the net/http adapter cannot express.
func newHandler(cfg *config.Config, meter *statsMeter) embhttp.Handler {
	routed := nethttp.Wrap(newRouter(cfg, meter))
	return embhttp.HandlerFunc(func(req *embhttp.Request) (*embhttp.Response, error) {
		if req.URL != nil && req.URL.Path == "/stream" {
			return handleStream(req)
		}
		return routed.ServeRequest(req)
	})
}

func newRouter(cfg *config.Config, meter *statsMeter) http.Handler {
	r := chi.NewRouter()

	if cfg.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			ExposedHeaders:   cfg.CORS.ExposedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	r.Get("/healthz", handleHealth)
	r.Get("/greet/{name}", handleGreet)
	r.Post("/echo", handleEcho)
	r.Get("/stats", handleStats(meter))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "ok\n")
}

func handleGreet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "hello, %s\n", chi.URLParam(r, "name"))
}

func handleEcho(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = io.Copy(w, r.Body)
}

func handleStats(meter *statsMeter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leased, released := embhttp.BufferStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"buffers": map[string]int64{
				"leased":   leased,
				"released": released,
			},
			"engine": meter.snapshot(),
		})
	}
}

// handleStream produces an unsized body, which the engine frames as
// chunked on HTTP/1.1 and as run-to-close on HTTP/1.0.
func handleStream(req *embhttp.Request) (*embhttp.Response, error) {
	lines := 50
	if v := req.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1_000_000 {
			resp := embhttp.NewResponse(http.StatusBadRequest, []byte("lines must be 1..1000000\n"))
			_ = resp.SetHeader("Content-Type", "text/plain")
			return resp, nil
		}
		lines = n
	}

	resp := embhttp.NewStreamResponse(http.StatusOK, &lineStream{remaining: lines}, -1)
	_ = resp.SetHeader("Content-Type", "text/plain")
	return resp, nil
}

// lineStream yields "line N" rows one Read at a time.
type lineStream struct {
	remaining int
	next      int
	buf       []byte
}

func (s *lineStream) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		if s.remaining == 0 {
			return 0, io.EOF
		}
		s.next++
		s.remaining--
		s.buf = fmt.Appendf(s.buf, "line %d\n", s.next)
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
