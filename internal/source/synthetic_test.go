package source

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/h264"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

func TestSyntheticGOPAndTimestamps(t *testing.T) {
	t.Parallel()
	s := NewSynthetic(Config{FPS: 30, GOP: 3})

	want := []types.FrameType{
		types.FrameTypeKey, types.FrameTypeDelta, types.FrameTypeDelta,
		types.FrameTypeKey, types.FrameTypeDelta,
	}
	for i, ft := range want {
		f := s.Next()
		if f.Type != ft {
			t.Errorf("frame %d type = %s, want %s", i, f.Type, ft)
		}
		if f.Timestamp != uint32(i*3000) {
			t.Errorf("frame %d ts = %d, want %d", i, f.Timestamp, i*3000)
		}
		if !bytes.HasPrefix(f.Payload, []byte{0x00, 0x00, 0x00, 0x01}) {
			t.Errorf("frame %d missing start code", i)
		}
		wantNAL := uint8(types.NALTypeSlice)
		if ft == types.FrameTypeKey {
			wantNAL = types.NALTypeIDR
		}
		if got := h264.NALType(f.Payload[4]); got != wantNAL {
			t.Errorf("frame %d NAL type = %d, want %d", i, got, wantNAL)
		}
	}
}

func TestSyntheticInterleavesAudio(t *testing.T) {
	t.Parallel()
	s := NewSynthetic(Config{FPS: 30, GOP: 30, AudioEvery: 2})

	var kinds []bool
	for i := 0; i < 6; i++ {
		kinds = append(kinds, s.Next().IsAudio())
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("audio pattern = %v, want %v", kinds, want)
		}
	}
}

func TestSyntheticPayloadParsesAsAccessUnits(t *testing.T) {
	t.Parallel()
	s := NewSynthetic(Config{GOP: 2})

	var stream []byte
	for i := 0; i < 4; i++ {
		stream = append(stream, s.Next().Payload...)
	}
	units := h264.Parse(stream)
	if len(units) != 3 {
		t.Fatalf("parsed %d units, want 3", len(units))
	}
	if !units[0].IsKeyframe || units[1].IsKeyframe || !units[2].IsKeyframe {
		t.Errorf("keyframe flags wrong: %v %v %v", units[0].IsKeyframe, units[1].IsKeyframe, units[2].IsKeyframe)
	}
}

func TestSyntheticRunStops(t *testing.T) {
	t.Parallel()
	s := NewSynthetic(Config{FPS: 200})
	out := make(chan *types.EncodedFrame, 4)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, out) }()

	select {
	case f := <-out:
		if f.Type != types.FrameTypeKey {
			t.Errorf("first frame type = %s", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame emitted")
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
	for range out {
	}
}
