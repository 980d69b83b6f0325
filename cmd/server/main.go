package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/config"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/control"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/recorder"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/source"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/transform"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/webrtc"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
	"golang.org/x/sync/errgroup"
)

var (
	// Command-line flags, applied over the config file and environment
	configPath  = flag.String("config", "", "TOML config file")
	httpAddr    = flag.String("http", "", "HTTP control API address")
	mode        = flag.String("mode", "", "Rewrite mode (substitute, cipher)")
	streamPath  = flag.String("stream", "", "Annex-B file loaded into the frame store at startup")
	recordPath  = flag.String("record-path", "", "Recording output path")
	maxClients  = flag.Int("max-clients", 0, "Maximum WebRTC clients")
	stunServers = flag.String("stun", "", "STUN server URLs (comma-separated)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server wires the frame source, both transform directions and the sinks
type Server struct {
	cfg      *config.Config
	session  *transform.Session
	source   *source.Synthetic
	webrtc   *webrtc.Server
	recorder *recorder.Recorder
	control  *control.Server

	// Stage channels: source -> encode -> fan-out -> decode -> sink
	sourceChan chan *types.EncodedFrame
	encodeChan chan *types.EncodedFrame
	loopChan   chan *types.EncodedFrame
	decodeChan chan *types.EncodedFrame
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	if cfg.Log.JSON {
		logger.InitJSON(level, os.Stderr)
	} else {
		logger.Init(level, os.Stderr, cfg.Log.Color)
	}

	logger.Info("Main", "Frame injection server starting...")
	logger.Info("Main", "Log level: %s, mode: %s", level, cfg.Pipeline.Mode)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// loadConfig reads the config file and environment, then applies flags
// that were set explicitly on the command line.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.HTTPAddr = *httpAddr
		case "mode":
			cfg.Pipeline.Mode = strings.ToLower(*mode)
		case "stream":
			cfg.Pipeline.StreamPath = *streamPath
		case "record-path":
			cfg.Recorder.Path = *recordPath
		case "max-clients":
			cfg.Server.MaxClients = *maxClients
		case "stun":
			cfg.Server.STUN = strings.Split(*stunServers, ",")
		case "log-level":
			cfg.Log.Level = strings.ToLower(*logLevel)
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})

	return cfg, cfg.Validate()
}

// NewServer creates the session and all collaborators
func NewServer(cfg *config.Config) (*Server, error) {
	m := metrics.New()

	session, err := transform.NewSession(transform.Options{
		Mode:          cfg.Pipeline.Mode,
		FlushTrailing: cfg.Parser.FlushTrailing,
		KeyHistory:    cfg.Pipeline.KeyHistory,
		Metrics:       m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.SetUseOffset(cfg.Pipeline.UseOffset)

	if cfg.Pipeline.StreamPath != "" {
		buf, err := os.ReadFile(cfg.Pipeline.StreamPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		session.LoadStream(buf)
	}

	viewers := webrtc.NewServer(cfg.Server.STUN, cfg.Server.MaxClients, cfg.Source.FPS, m)
	rec := recorder.NewRecorder(cfg.Recorder.Path, m)

	ctrl := control.New(control.Options{
		Addr:           cfg.Server.HTTPAddr,
		Session:        session,
		Viewers:        viewers,
		Recorder:       rec,
		Metrics:        m,
		MaxStreamBytes: cfg.Server.MaxStreamBytes,
		CORSOrigin:     cfg.Server.CORSOrigin,
	})

	src := source.NewSynthetic(source.Config{
		FPS:        cfg.Source.FPS,
		GOP:        cfg.Source.GOP,
		AudioEvery: cfg.Source.AudioEvery,
	})

	buffer := cfg.Pipeline.Buffer
	return &Server{
		cfg:        cfg,
		session:    session,
		source:     src,
		webrtc:     viewers,
		recorder:   rec,
		control:    ctrl,
		sourceChan: make(chan *types.EncodedFrame, buffer),
		encodeChan: make(chan *types.EncodedFrame, buffer),
		loopChan:   make(chan *types.EncodedFrame, buffer),
		decodeChan: make(chan *types.EncodedFrame, buffer),
	}, nil
}

// Run starts every stage and blocks until ctx is cancelled or a stage fails
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Main", "  Session: %s", s.session.ID())
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.HTTPAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recorder.Path)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(s.source.Run(gctx, s.sourceChan))
	})
	g.Go(func() error {
		return s.session.Run(gctx, s.sourceChan, s.encodeChan, s.loopChan, s.decodeChan)
	})
	g.Go(func() error {
		return s.distribute(gctx)
	})
	g.Go(func() error {
		s.consumeDecoded()
		return nil
	})
	g.Go(func() error {
		return s.control.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return ignoreCancel(g.Wait())
}

// distribute hands each encoded frame to the viewers and the recorder, then
// loops a private copy back into the decode direction.
func (s *Server) distribute(ctx context.Context) error {
	defer close(s.loopChan)

	for frame := range s.encodeChan {
		s.webrtc.SendFrame(frame)
		s.recorder.SendFrame(frame)

		select {
		case s.loopChan <- frame.Clone():
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// consumeDecoded drains the decode direction, standing in for the decoder
func (s *Server) consumeDecoded() {
	var n uint64
	for frame := range s.decodeChan {
		n++
		if n%300 == 0 {
			logger.Debug("Sink", "Decoded %d frames (last: type=%s len=%d)", n, frame.Type, len(frame.Payload))
		}
	}
	logger.Info("Sink", "Decode side drained after %d frames", n)
}

// shutdown stops the sinks and the HTTP server
func (s *Server) shutdown() error {
	logger.Info("Main", "Shutting down...")

	if err := s.recorder.Close(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		logger.Warn("Main", "Recorder close: %v", err)
	}
	s.webrtc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.control.Shutdown(ctx)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
