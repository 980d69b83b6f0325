package transform

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

// PipelineState is the lifecycle state of one direction
type PipelineState int32

const (
	StateIdle   PipelineState = iota // attached, no frame seen yet
	StateActive                      // processing frames
)

func (s PipelineState) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// dumpBytes is how many leading payload bytes debug dumps show
const dumpBytes = 16

// Pipeline runs one direction of the frame transform
type Pipeline struct {
	direction types.Direction
	rewriter  FrameRewriter
	metrics   *metrics.Metrics

	state     atomic.Int32
	processed atomic.Uint64
	rewritten atomic.Uint64
}

// NewPipeline creates a pipeline for direction. m may be nil.
func NewPipeline(direction types.Direction, rewriter FrameRewriter, m *metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		direction: direction,
		rewriter:  rewriter,
		metrics:   m,
	}
}

// Direction returns the direction this pipeline serves
func (p *Pipeline) Direction() types.Direction {
	return p.direction
}

// State returns the current lifecycle state
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Processed returns the number of frames forwarded
func (p *Pipeline) Processed() uint64 {
	return p.processed.Load()
}

// Rewritten returns the number of frames whose payload was replaced
func (p *Pipeline) Rewritten() uint64 {
	return p.rewritten.Load()
}

// Run transforms frames from in and forwards them to out in arrival order.
// A full out blocks the loop, which in turn stops reading from in.
// Run closes out when it returns. It returns nil once in is closed, or the
// context error on cancellation; a frame accepted but not yet delivered at
// cancellation is released without being forwarded.
func (p *Pipeline) Run(ctx context.Context, in <-chan *types.EncodedFrame, out chan<- *types.EncodedFrame) error {
	defer close(out)

	logger.Info("Pipeline", "%s pipeline attached (rewriter=%s)", p.direction, p.rewriter.Name())

	for {
		select {
		case <-ctx.Done():
			logger.Info("Pipeline", "%s pipeline stopped after %d frames", p.direction, p.processed.Load())
			return ctx.Err()

		case frame, ok := <-in:
			if !ok {
				logger.Info("Pipeline", "%s input closed after %d frames", p.direction, p.processed.Load())
				return nil
			}
			if frame == nil {
				continue
			}

			if p.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
				logger.Debug("Pipeline", "%s pipeline active", p.direction)
			}

			p.process(frame)

			select {
			case out <- frame:
				p.processed.Add(1)
				p.countOut()
				p.metrics.UpdateBufferUsage(p.direction == types.DirectionEncode, len(out), cap(out))
			case <-ctx.Done():
				p.metrics.FramesReleased.Add(1)
				logger.Info("Pipeline", "%s pipeline stopped, released 1 pending frame", p.direction)
				return ctx.Err()
			}
		}
	}
}

// process applies the rewriter to a single frame. It is never interrupted.
func (p *Pipeline) process(frame *types.EncodedFrame) {
	start := time.Now()
	p.countIn()

	var outcome Outcome
	if p.direction == types.DirectionEncode {
		outcome = p.rewriter.Encode(frame)
	} else {
		outcome = p.rewriter.Decode(frame)
	}

	if outcome.Modified() {
		p.rewritten.Add(1)
	}
	p.record(outcome, frame)
	p.metrics.UpdateProcessLatency(time.Since(start))

	if logger.Enabled(logger.DEBUG) {
		logger.Debug("Pipeline", "%s", DumpFrame(frame, p.direction, dumpBytes))
	}
}

func (p *Pipeline) record(outcome Outcome, frame *types.EncodedFrame) {
	m := p.metrics
	switch outcome {
	case OutcomeSubstituted:
		m.FramesSubstituted.Add(1)
	case OutcomeEncrypted:
		m.FramesEncrypted.Add(1)
	case OutcomeDecrypted:
		m.FramesDecrypted.Add(1)
	case OutcomeAudioBypass:
		m.AudioBypassed.Add(1)
	case OutcomePassthrough:
		m.FramesPassthrough.Add(1)
	case OutcomeShortFrame:
		m.ShortFrames.Add(1)
		m.FramesPassthrough.Add(1)
		logger.Debug("Pipeline", "%s frame too short (len=%d type=%s), forwarded as-is",
			p.direction, len(frame.Payload), frame.Type)
	case OutcomeMissingKey:
		m.MissingKey.Add(1)
		m.FramesPassthrough.Add(1)
	case OutcomeDecryptFailed:
		m.DecryptErrors.Add(1)
		m.FramesPassthrough.Add(1)
	}
}

func (p *Pipeline) countIn() {
	if p.direction == types.DirectionEncode {
		p.metrics.EncodeFramesIn.Add(1)
	} else {
		p.metrics.DecodeFramesIn.Add(1)
	}
}

func (p *Pipeline) countOut() {
	if p.direction == types.DirectionEncode {
		p.metrics.EncodeFramesOut.Add(1)
	} else {
		p.metrics.DecodeFramesOut.Add(1)
	}
}

// DumpFrame formats the leading payload bytes and metadata of a frame
func DumpFrame(frame *types.EncodedFrame, direction types.Direction, max int) string {
	var b strings.Builder
	for i := 0; i < len(frame.Payload) && i < max; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", frame.Payload[i])
	}

	pt := "(unknown)"
	if frame.Metadata.PayloadType != 0 {
		pt = fmt.Sprintf("%d", frame.Metadata.PayloadType)
	}
	mime := frame.Metadata.MimeType
	if mime == "" {
		mime = "(unknown)"
	}

	return fmt.Sprintf("%s %s len=%d type=%s ts=%d ssrc=%d pt=%s mimeType=%s",
		direction, b.String(), len(frame.Payload), frame.Type, frame.Timestamp,
		frame.Metadata.SynchronizationSource, pt, mime)
}
