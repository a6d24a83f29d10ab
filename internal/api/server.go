// Package api serves the control API: the list of active transcode runs
// with their live counters, run cancellation, and SRT pull management. The
// same routes are served over HTTPS and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vtpipe/internal/certs"
	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/ingest"
	srtingest "github.com/zsiec/vtpipe/internal/ingest/srt"
	"github.com/zsiec/vtpipe/internal/pipeline"
)

// Session is a running transcode as seen by the API.
type Session interface {
	Info() demux.StreamInfo
	Stats() pipeline.Stats
	StartedAt() time.Time
}

// SRTPuller starts and stops caller-mode SRT pulls.
type SRTPuller interface {
	Pull(ctx context.Context, req srtingest.PullRequest) (<-chan struct{}, error)
	Stop(streamKey string) error
	ActivePulls() []srtingest.PullRequest
}

// Config wires the API to the rest of the process. Only Addr and Cert are
// required.
type Config struct {
	Addr string
	Cert *certs.CertInfo
	// Codec is assumed for pulls that do not name one.
	Codec demux.Codec
	// Cancel stops the run for a key and reports whether one was active.
	Cancel func(key string) bool
	// IngestLookup returns live connection stats for a key.
	IngestLookup func(key string) (ingest.Stats, bool)
	SRT          SRTPuller
	Log          *slog.Logger
}

// StreamStatus is the JSON summary of one run.
type StreamStatus struct {
	Key         string                  `json:"key"`
	Codec       string                  `json:"codec"`
	Width       int                     `json:"width"`
	Height      int                     `json:"height"`
	FrameRate   string                  `json:"frameRate,omitempty"`
	BitDepth    int                     `json:"bitDepth"`
	AccessUnits int64                   `json:"accessUnits"`
	Frames      int64                   `json:"frames"`
	FPS         float64                 `json:"fps"`
	UptimeMs    int64                   `json:"uptimeMs"`
	Channels    []pipeline.ChannelStats `json:"channels"`
	Ingest      *ingest.Stats           `json:"ingest,omitempty"`
}

// Server is the HTTPS and HTTP/3 control server.
type Server struct {
	config Config
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session

	// ctx bounds pulls started through the API; set by Start.
	ctx context.Context
}

// NewServer validates config and returns a Server.
func NewServer(config Config) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:   config,
		log:      log.With("component", "api"),
		sessions: make(map[string]Session),
		ctx:      context.Background(),
	}, nil
}

// SetSession publishes a run under key.
func (s *Server) SetSession(key string, sess Session) {
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()
}

// RemoveSession withdraws the run published under key.
func (s *Server) RemoveSession(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *Server) status(key string, sess Session) StreamStatus {
	info, st := sess.Info(), sess.Stats()
	out := StreamStatus{
		Key:         key,
		Codec:       info.CodecString,
		Width:       info.Width,
		Height:      info.Height,
		BitDepth:    info.BitDepth,
		AccessUnits: st.AccessUnits,
		Frames:      st.FramesDecoded,
		FPS:         st.FPS,
		UptimeMs:    time.Since(sess.StartedAt()).Milliseconds(),
		Channels:    st.Channels,
	}
	if !info.FrameRate.IsZero() {
		out.FrameRate = info.FrameRate.String()
	}
	if s.config.IngestLookup != nil {
		if in, ok := s.config.IngestLookup(key); ok {
			out.Ingest = &in
		}
	}
	return out
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleGetStream)
	mux.HandleFunc("DELETE /api/streams/{key}", s.handleCancelStream)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/", s.handleOptions)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS on TCP and HTTP/3 on UDP at Addr until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	handler := s.Handler()
	h3 := &http3.Server{
		Addr:      s.config.Addr,
		Handler:   handler,
		TLSConfig: s.config.Cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	tcp := &http.Server{
		Addr: s.config.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("setting Alt-Svc", "error", err)
			}
			handler.ServeHTTP(w, r)
		}),
		TLSConfig:         s.config.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("API listening", "addr", s.config.Addr, "cert_hash", s.config.Cert.FingerprintBase64())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPS server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := h3.ListenAndServe()
		if gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("HTTP/3 server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(tcp.Shutdown(shutdownCtx), h3.Close())
	})
	return g.Wait()
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	resp := make([]StreamStatus, 0, len(s.sessions))
	for key, sess := range s.sessions {
		resp = append(resp, s.status(key, sess))
	}
	s.mu.RUnlock()

	sort.Slice(resp, func(i, j int) bool { return resp[i].Key < resp[j].Key })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, s.status(key, sess))
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.config.Cancel == nil || !s.config.Cancel(key) {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	s.log.Info("run cancelled via API", "stream_key", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "streamKey": key})
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"hash": s.config.Cert.FingerprintBase64(),
		"addr": s.config.Addr,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: the pull endpoint dials arbitrary addresses. Expose the API to
// trusted operators only.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRT == nil {
		writeJSON(w, http.StatusOK, []srtingest.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRT.ActivePulls())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRT == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req struct {
		Address   string `json:"address"`
		StreamKey string `json:"streamKey"`
		StreamID  string `json:"streamId,omitempty"`
		Codec     string `json:"codec,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	codec := s.config.Codec
	if req.Codec != "" {
		c, err := demux.ParseCodec(req.Codec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		codec = c
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_, err := s.config.SRT.Pull(ctx, srtingest.PullRequest{
		Address:   req.Address,
		StreamKey: req.StreamKey,
		StreamID:  req.StreamID,
		Codec:     codec,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRT == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRT.Stop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
