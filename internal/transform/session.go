package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/framestore"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/h264"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/keyepoch"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options configures a Session
type Options struct {
	Mode          string           // ModeSubstitute or ModeCipher
	FlushTrailing bool             // emit the last open access unit when loading streams
	KeyHistory    int              // recent keys resolvable on decode
	Metrics       *metrics.Metrics // nil creates a private instance
	Random        io.Reader        // IV source for ModeCipher, nil for crypto/rand
}

// Session is the state shared by both directions of one media channel:
// the frame store, the key epoch and the rewrite strategy.
type Session struct {
	id       string
	store    *framestore.Store
	keys     *keyepoch.State
	parser   *h264.Parser
	rewriter FrameRewriter
	metrics  *metrics.Metrics

	// first stored unit carries SPS and PPS
	paramSets atomic.Bool

	mu        sync.Mutex
	pipelines []*Pipeline
}

// NewSession creates a session with an empty frame store and no key
func NewSession(opts Options) (*Session, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	store := framestore.New()
	keys := keyepoch.New(opts.KeyHistory)

	rewriter, err := NewRewriter(opts.Mode, store, keys, opts.Random)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       uuid.NewString(),
		store:    store,
		keys:     keys,
		parser:   &h264.Parser{FlushTrailing: opts.FlushTrailing},
		rewriter: rewriter,
		metrics:  m,
	}
	m.UseOffset.Store(1)

	logger.Info("Session", "Session %s created (mode=%s)", s.id, rewriter.Name())
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Mode returns the rewriter name
func (s *Session) Mode() string {
	return s.rewriter.Name()
}

// Store returns the session frame store
func (s *Session) Store() *framestore.Store {
	return s.store
}

// Keys returns the session key state
func (s *Session) Keys() *keyepoch.State {
	return s.keys
}

// LoadStream parses an Annex-B buffer and replaces the frame store contents.
// A buffer with no access units leaves the store inactive.
// Returns the number of access units loaded.
func (s *Session) LoadStream(buf []byte) int {
	units := s.parser.Parse(buf)
	s.store.Load(units)

	s.metrics.StreamLoads.Add(1)
	s.metrics.StoredUnits.Store(uint64(len(units)))

	if len(units) == 0 {
		s.paramSets.Store(false)
		logger.Warn("Session", "Stream of %d bytes produced no frames, substitution disabled", len(buf))
		return 0
	}

	hasSets := h264.HasParameterSets(units[0].Data)
	s.paramSets.Store(hasSets)
	logger.Info("Session", "Loaded %d frames (%d keyframes) from %d bytes",
		len(units), s.store.Keyframes(), len(buf))
	if !hasSets || !units[0].IsKeyframe {
		logger.Warn("Session", "First stored frame is not a keyframe with SPS/PPS, receivers may not decode substituted video")
	}
	return len(units)
}

// SetKey applies a key-update notification and returns the key identifier
func (s *Session) SetKey(key []byte, useOffset bool) uint32 {
	before := s.keys.KeyIdentifier()
	id := s.keys.Update(key, useOffset)

	if id != before {
		s.metrics.KeyChanges.Add(1)
		logger.Info("Session", "Key changed (id=%d, useOffset=%v)", id, useOffset)
	}
	s.metrics.KeyIdentifier.Store(uint64(id))
	if useOffset {
		s.metrics.UseOffset.Store(1)
	} else {
		s.metrics.UseOffset.Store(0)
	}
	return id
}

// SetUseOffset changes the crypto-offset flag without touching the key
func (s *Session) SetUseOffset(useOffset bool) {
	s.keys.SetUseOffset(useOffset)
	if useOffset {
		s.metrics.UseOffset.Store(1)
	} else {
		s.metrics.UseOffset.Store(0)
	}
}

// Attach wires a pipeline for direction between in and out and runs it
// until in is closed or ctx is cancelled. out is closed on return.
func (s *Session) Attach(ctx context.Context, direction types.Direction, in <-chan *types.EncodedFrame, out chan<- *types.EncodedFrame) error {
	if direction != types.DirectionEncode && direction != types.DirectionDecode {
		close(out)
		return fmt.Errorf("%w: %d", ErrUnknownDirection, direction)
	}

	p := NewPipeline(direction, s.rewriter, s.metrics)

	s.mu.Lock()
	s.pipelines = append(s.pipelines, p)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, q := range s.pipelines {
			if q == p {
				s.pipelines = append(s.pipelines[:i], s.pipelines[i+1:]...)
				break
			}
		}
	}()

	return p.Run(ctx, in, out)
}

// AttachOperation is Attach addressed by operation name ("encode" or "decode")
func (s *Session) AttachOperation(ctx context.Context, operation string, in <-chan *types.EncodedFrame, out chan<- *types.EncodedFrame) error {
	direction, err := types.ParseDirection(operation)
	if err != nil {
		close(out)
		return fmt.Errorf("%w: %v", ErrUnknownDirection, err)
	}
	return s.Attach(ctx, direction, in, out)
}

// Run attaches both directions and waits for them. The directions run
// independently; cancellation of ctx stops both and is not reported as an error.
func (s *Session) Run(ctx context.Context,
	encodeIn <-chan *types.EncodedFrame, encodeOut chan<- *types.EncodedFrame,
	decodeIn <-chan *types.EncodedFrame, decodeOut chan<- *types.EncodedFrame,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Attach(gctx, types.DirectionEncode, encodeIn, encodeOut)
	})
	g.Go(func() error {
		return s.Attach(gctx, types.DirectionDecode, decodeIn, decodeOut)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// PipelineStatus describes one attached pipeline
type PipelineStatus struct {
	Direction string `json:"direction"`
	State     string `json:"state"`
	Processed uint64 `json:"processed"`
	Rewritten uint64 `json:"rewritten"`
}

// Status is a point-in-time view of a session
type Status struct {
	ID            string           `json:"id"`
	Mode          string           `json:"mode"`
	StoreActive   bool             `json:"store_active"`
	StoredUnits   int              `json:"stored_units"`
	Keyframes     int              `json:"keyframes"`
	Cursor        int              `json:"cursor"`
	ParameterSets bool             `json:"parameter_sets"`
	HasKey        bool             `json:"has_key"`
	KeyIdentifier uint32           `json:"key_identifier"`
	UseOffset     bool             `json:"use_offset"`
	Pipelines     []PipelineStatus `json:"pipelines"`
}

// Status returns the session status
func (s *Session) Status() Status {
	epoch := s.keys.Snapshot()
	st := Status{
		ID:            s.id,
		Mode:          s.rewriter.Name(),
		StoreActive:   s.store.Active(),
		StoredUnits:   s.store.Len(),
		Keyframes:     s.store.Keyframes(),
		Cursor:        s.store.Cursor(),
		ParameterSets: s.store.Active() && s.paramSets.Load(),
		HasKey:        epoch.HasKey(),
		KeyIdentifier: epoch.ID,
		UseOffset:     epoch.UseOffset,
		Pipelines:     []PipelineStatus{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pipelines {
		st.Pipelines = append(st.Pipelines, PipelineStatus{
			Direction: p.Direction().String(),
			State:     p.State().String(),
			Processed: p.Processed(),
			Rewritten: p.Rewritten(),
		})
	}
	return st
}
