// Package source produces outbound encoded frames in place of a real encoder.
package source

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
	"github.com/google/uuid"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000

	keyframeSize = 1200
	deltaSize    = 300
	audioSize    = 120

	videoPayloadType = 102
	audioPayloadType = 111
)

// Config configures a Synthetic source
type Config struct {
	FPS        int // video frames per second
	GOP        int // keyframe every GOP video frames
	AudioEvery int // one audio frame after every N video frames, 0 disables audio
}

// Synthetic emits H.264-shaped video frames (and optionally audio frames)
// at a fixed rate. Payloads start with an Annex-B start code and a NAL
// header matching the frame type; the rest is a deterministic pattern.
type Synthetic struct {
	cfg       Config
	videoSSRC uint32
	audioSSRC uint32

	videoSeq uint64
	audioSeq uint64
	pending  bool // audio frame owed before the next video frame
}

// NewSynthetic creates a source; zero values in cfg fall back to 30fps, GOP 30
func NewSynthetic(cfg Config) *Synthetic {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.GOP <= 0 {
		cfg.GOP = 30
	}

	id := uuid.New()
	return &Synthetic{
		cfg:       cfg,
		videoSSRC: binary.BigEndian.Uint32(id[0:4]),
		audioSSRC: binary.BigEndian.Uint32(id[4:8]),
	}
}

// Next returns the next frame in emission order
func (s *Synthetic) Next() *types.EncodedFrame {
	if s.pending {
		s.pending = false
		return s.audioFrame()
	}

	frame := s.videoFrame()
	if s.cfg.AudioEvery > 0 && s.videoSeq%uint64(s.cfg.AudioEvery) == 0 {
		s.pending = true
	}
	return frame
}

func (s *Synthetic) videoFrame() *types.EncodedFrame {
	seq := s.videoSeq
	s.videoSeq++

	ft := types.FrameTypeDelta
	size := deltaSize
	header := byte(0x41)
	if seq%uint64(s.cfg.GOP) == 0 {
		ft = types.FrameTypeKey
		size = keyframeSize
		header = 0x65
	}

	payload := make([]byte, size)
	copy(payload, []byte{0x00, 0x00, 0x00, 0x01, header})
	fill(payload[5:], seq)

	return &types.EncodedFrame{
		Payload:   payload,
		Type:      ft,
		Timestamp: uint32(seq * uint64(videoClockRate/s.cfg.FPS)),
		Metadata: types.FrameMetadata{
			SynchronizationSource: s.videoSSRC,
			PayloadType:           videoPayloadType,
			MimeType:              "video/H264",
		},
	}
}

func (s *Synthetic) audioFrame() *types.EncodedFrame {
	seq := s.audioSeq
	s.audioSeq++

	payload := make([]byte, audioSize)
	payload[0] = 0xFC // Opus TOC byte
	fill(payload[1:], seq)

	return &types.EncodedFrame{
		Payload:   payload,
		Type:      types.FrameTypeAudio,
		Timestamp: uint32(seq * 960), // 20ms at 48kHz
		Metadata: types.FrameMetadata{
			SynchronizationSource: s.audioSSRC,
			PayloadType:           audioPayloadType,
			MimeType:              "audio/opus",
		},
	}
}

// fill writes a pattern that never contains a zero byte, so no start code
// appears inside the payload.
func fill(b []byte, seq uint64) {
	for i := range b {
		b[i] = byte((uint64(i)+seq)%255) + 1
	}
}

// Run emits frames into out at the configured rate until ctx is done.
// Sends block, so a slow consumer slows the source. out is closed on return.
func (s *Synthetic) Run(ctx context.Context, out chan<- *types.EncodedFrame) error {
	defer close(out)

	interval := time.Second / time.Duration(s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Source", "Synthetic source started (%d fps, GOP %d, audio every %d)",
		s.cfg.FPS, s.cfg.GOP, s.cfg.AudioEvery)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Source", "Synthetic source stopped after %d video frames", s.videoSeq)
			return ctx.Err()
		case <-ticker.C:
			if err := s.emit(ctx, out, s.Next()); err != nil {
				return err
			}
			if s.pending {
				if err := s.emit(ctx, out, s.Next()); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Synthetic) emit(ctx context.Context, out chan<- *types.EncodedFrame, frame *types.EncodedFrame) error {
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
