package transform

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

var sampleStream = []byte{
	0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
	0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
	0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02,
	0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x04,
}

func TestSessionLoadEmptyStreamIsInactive(t *testing.T) {
	t.Parallel()
	s, err := NewSession(Options{Mode: ModeSubstitute})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if n := s.LoadStream(nil); n != 0 {
		t.Fatalf("loaded %d units from empty buffer", n)
	}
	if s.Store().Active() {
		t.Fatal("store active after loading empty stream")
	}

	frame := &types.EncodedFrame{Payload: []byte{0x11, 0x22}, Type: types.FrameTypeDelta}
	p := NewPipeline(types.DirectionEncode, s.rewriter, nil)
	got := runFrames(t, p, []*types.EncodedFrame{frame})
	if !bytes.Equal(got[0].Payload, []byte{0x11, 0x22}) {
		t.Error("encode was not pass-through with inactive store")
	}
}

func TestSessionLoadStreamReplacesStore(t *testing.T) {
	t.Parallel()
	s, _ := NewSession(Options{})
	if n := s.LoadStream(sampleStream); n != 2 {
		t.Fatalf("loaded %d units, want 2", n)
	}
	s.Store().Next()

	if n := s.LoadStream(sampleStream[:23]); n != 0 {
		t.Fatalf("loaded %d units from truncated stream, want 0", n)
	}
	if s.Store().Active() {
		t.Error("reload did not discard previous units")
	}

	flush, _ := NewSession(Options{FlushTrailing: true})
	if n := flush.LoadStream(sampleStream); n != 3 {
		t.Errorf("flushing session loaded %d units, want 3", n)
	}
}

func TestSessionSetKey(t *testing.T) {
	t.Parallel()
	s, _ := NewSession(Options{Mode: ModeCipher})
	ids := []uint32{
		s.SetKey([]byte("A"), true),
		s.SetKey([]byte("A"), false),
		s.SetKey([]byte("B"), false),
	}
	if ids[0] != 1 || ids[1] != 1 || ids[2] != 2 {
		t.Errorf("identifiers = %v, want [1 1 2]", ids)
	}

	st := s.Status()
	if !st.HasKey || st.KeyIdentifier != 2 || st.UseOffset || st.Mode != ModeCipher {
		t.Errorf("unexpected status %+v", st)
	}
	if s.metrics.KeyChanges.Load() != 2 {
		t.Errorf("key changes = %d, want 2", s.metrics.KeyChanges.Load())
	}
}

func TestSessionUnknownMode(t *testing.T) {
	t.Parallel()
	if _, err := NewSession(Options{Mode: "rot13"}); !errors.Is(err, ErrUnknownRewriter) {
		t.Errorf("err = %v, want ErrUnknownRewriter", err)
	}
}

func TestSessionAttachUnknownOperation(t *testing.T) {
	t.Parallel()
	s, _ := NewSession(Options{})
	in := make(chan *types.EncodedFrame)
	out := make(chan *types.EncodedFrame)

	err := s.AttachOperation(context.Background(), "transcode", in, out)
	if !errors.Is(err, ErrUnknownDirection) {
		t.Errorf("err = %v, want ErrUnknownDirection", err)
	}
	if _, ok := <-out; ok {
		t.Error("output should be closed when attach is rejected")
	}
}

func TestSessionRunCipherLoopback(t *testing.T) {
	t.Parallel()
	s, err := NewSession(Options{Mode: ModeCipher})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.SetKey([]byte("loopback key"), true)

	encIn := make(chan *types.EncodedFrame, 4)
	encOut := make(chan *types.EncodedFrame, 4)
	decOut := make(chan *types.EncodedFrame, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// encode output is the decode input
		done <- s.Run(ctx, encIn, encOut, encOut, decOut)
	}()

	var originals [][]byte
	for i := 0; i < 6; i++ {
		ft := types.FrameTypeDelta
		if i%3 == 0 {
			ft = types.FrameTypeKey
		}
		f := videoFrame(ft, 30+i)
		originals = append(originals, append([]byte(nil), f.Payload...))
		encIn <- f
	}
	close(encIn)

	i := 0
	for f := range decOut {
		if !bytes.Equal(f.Payload, originals[i]) {
			t.Errorf("frame %d not restored", i)
		}
		i++
	}
	if i != len(originals) {
		t.Errorf("received %d frames, want %d", i, len(originals))
	}
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if got := s.metrics.FramesDecrypted.Load(); got != 6 {
		t.Errorf("decrypted = %d, want 6", got)
	}
}

func TestSessionStatusTracksPipelines(t *testing.T) {
	t.Parallel()
	s, _ := NewSession(Options{})
	s.LoadStream(sampleStream)

	in := make(chan *types.EncodedFrame)
	out := make(chan *types.EncodedFrame, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Attach(ctx, types.DirectionEncode, in, out)
	}()

	in <- &types.EncodedFrame{Payload: []byte{0x01}, Type: types.FrameTypeKey}
	<-out

	st := s.Status()
	if len(st.Pipelines) != 1 || st.Pipelines[0].Direction != "encode" {
		t.Fatalf("pipelines = %+v", st.Pipelines)
	}
	if st.StoredUnits != 2 || st.Keyframes != 1 || st.Cursor != 1 || !st.ParameterSets {
		t.Errorf("store status = %+v", st)
	}

	cancel()
	<-done
	if n := len(s.Status().Pipelines); n != 0 {
		t.Errorf("%d pipelines still listed after teardown", n)
	}
}
