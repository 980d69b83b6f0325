// Package control exposes the session over HTTP: stream loading, key
// updates, status, metrics, recording and WebRTC viewer signaling.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/recorder"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/transform"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/webrtc"
	"github.com/gorilla/mux"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const protobufContentType = "application/protobuf"

// Viewers is the WebRTC side the control surface signals for
type Viewers interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	GetClientCount() int
}

// Recorder is the recording side the control surface starts and stops
type Recorder interface {
	Start() (string, error)
	Stop() error
	IsRecording() bool
	GetStatus() recorder.RecordingStatus
}

// Options configures a control Server
type Options struct {
	Addr           string
	Session        *transform.Session
	Viewers        Viewers  // optional
	Recorder       Recorder // optional
	Metrics        *metrics.Metrics
	MaxStreamBytes int64
	CORSOrigin     string
}

// Server is the HTTP control surface
type Server struct {
	session        *transform.Session
	viewers        Viewers
	recorder       Recorder
	metrics        *metrics.Metrics
	maxStreamBytes int64
	corsOrigin     string
	router         *mux.Router
	httpServer     *http.Server
}

// New creates a control server and registers its routes
func New(opts Options) *Server {
	if opts.MaxStreamBytes <= 0 {
		opts.MaxStreamBytes = 64 << 20
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	s := &Server{
		session:        opts.Session,
		viewers:        opts.Viewers,
		recorder:       opts.Recorder,
		metrics:        opts.Metrics,
		maxStreamBytes: opts.MaxStreamBytes,
		corsOrigin:     opts.CORSOrigin,
		router:         mux.NewRouter(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown; http.ErrServerClosed is not an error
func (s *Server) ListenAndServe() error {
	logger.Info("HTTP", "Control API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(s.corsMiddleware)

	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/key", s.handleKey).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/offer", s.handleOffer).Methods(http.MethodPost, http.MethodOptions)

	rec := r.PathPrefix("/record").Subrouter()
	rec.HandleFunc("/start", s.handleStartRecording).Methods(http.MethodPost, http.MethodOptions)
	rec.HandleFunc("/stop", s.handleStopRecording).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStream loads a raw Annex-B body into the frame store
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxStreamBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Stream exceeds %d bytes", s.maxStreamBytes), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	n := s.session.LoadStream(body)
	w.Header().Set("X-Access-Units", fmt.Sprint(n))
	w.WriteHeader(http.StatusNoContent)
}

type keyRequest struct {
	Key       []byte `json:"key"` // base64 in JSON
	UseOffset *bool  `json:"use_offset"`
}

type keyResponse struct {
	KeyID     uint32 `json:"key_id"`
	UseOffset bool   `json:"use_offset"`
}

// handleKey applies a key-update notification. A missing use_offset keeps
// the current setting; an empty key clears it.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid key request: %v", err), http.StatusBadRequest)
		return
	}

	useOffset := s.session.Keys().UseOffset()
	if req.UseOffset != nil {
		useOffset = *req.UseOffset
	}

	id := s.session.SetKey(req.Key, useOffset)
	writeJSON(w, http.StatusOK, keyResponse{KeyID: id, UseOffset: useOffset})
}

type statusResponse struct {
	Session   transform.Status          `json:"session"`
	Viewers   int                       `json:"viewers"`
	Recording *recorder.RecordingStatus `json:"recording,omitempty"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Session: s.session.Status()}
	if s.viewers != nil {
		resp.Viewers = s.viewers.GetClientCount()
	}
	if s.recorder != nil {
		rs := s.recorder.GetStatus()
		resp.Recording = &rs
	}
	return resp
}

// handleStatus reports session status as JSON, or as a protobuf Struct
// when the client accepts application/protobuf.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.status()

	if !strings.Contains(r.Header.Get("Accept"), protobufContentType) {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	msg, err := toStruct(resp)
	if err != nil {
		logger.Error("HTTP", "Status encoding failed: %v", err)
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
		return
	}
	out, err := proto.Marshal(msg)
	if err != nil {
		logger.Error("HTTP", "Status marshal failed: %v", err)
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// toStruct converts a JSON-encodable value to a protobuf Struct
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// handleOffer handles a WebRTC viewer offer
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.viewers == nil {
		http.Error(w, "WebRTC viewers disabled", http.StatusServiceUnavailable)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.viewers.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrInvalidOffer):
			code = http.StatusBadRequest
		case errors.Is(err, webrtc.ErrMaxClients):
			code = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(answerJSON)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "Recording disabled", http.StatusServiceUnavailable)
		return
	}

	if _, err := s.recorder.Start(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			code = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to start recording: %v", err), code)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "Recording disabled", http.StatusServiceUnavailable)
		return
	}

	if err := s.recorder.Stop(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			code = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to stop recording: %v", err), code)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	resp := map[string]any{
		"status":       "ok",
		"session":      st.ID,
		"mode":         st.Mode,
		"store_active": st.StoreActive,
		"has_key":      st.HasKey,
	}
	if s.viewers != nil {
		resp["webrtc_clients"] = s.viewers.GetClientCount()
	}
	if s.recorder != nil {
		resp["recording"] = s.recorder.IsRecording()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("HTTP", "Response encoding failed: %v", err)
	}
}
