package webrtc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

func TestHandleOfferRejectsBadJSON(t *testing.T) {
	s := NewServer(nil, 1, 30, nil)
	if _, err := s.HandleOffer([]byte("not json")); !errors.Is(err, ErrInvalidOffer) {
		t.Errorf("err = %v, want ErrInvalidOffer", err)
	}
}

func TestHandleOfferClientLimit(t *testing.T) {
	s := NewServer(nil, 0, 30, nil)
	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":""}`))
	if !errors.Is(err, ErrMaxClients) {
		t.Errorf("err = %v, want ErrMaxClients", err)
	}
}

func TestSendFrameQueuesVideoOnly(t *testing.T) {
	m := metrics.New()
	s := NewServer(nil, 2, 30, m)

	// A registered client without a sender goroutine lets the queue be inspected.
	c := &Client{
		id:        "viewer",
		frameChan: make(chan *types.EncodedFrame, 1),
		closeChan: make(chan struct{}),
	}
	s.clients[c.id] = c

	s.SendFrame(&types.EncodedFrame{Payload: []byte{0x01}, Type: types.FrameTypeAudio})
	if len(c.frameChan) != 0 {
		t.Fatal("audio frame was queued")
	}

	s.SendFrame(&types.EncodedFrame{Payload: []byte{0x02}, Type: types.FrameTypeKey})
	s.SendFrame(&types.EncodedFrame{Payload: []byte{0x03}, Type: types.FrameTypeDelta})

	stats := s.GetClientStats()["viewer"]
	if stats["frames_sent"] != 1 || stats["frames_dropped"] != 1 {
		t.Errorf("stats = %v", stats)
	}
	if m.ViewerFramesSent.Load() != 1 || m.ViewerFramesDrops.Load() != 1 {
		t.Errorf("metrics sent=%d drops=%d", m.ViewerFramesSent.Load(), m.ViewerFramesDrops.Load())
	}
}

func TestClientStatsDuringSend(t *testing.T) {
	s := NewServer(nil, 2, 30, nil)
	c := &Client{
		id:        "viewer",
		frameChan: make(chan *types.EncodedFrame, 8),
		closeChan: make(chan struct{}),
	}
	s.clients[c.id] = c

	const senders, perSender = 4, 100
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				s.SendFrame(&types.EncodedFrame{Payload: []byte{0x41}, Type: types.FrameTypeDelta})
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = s.GetClientStats()
		}
	}()

	wg.Wait()
	<-done

	stats := s.GetClientStats()["viewer"]
	if stats["frames_sent"] != 8 {
		t.Errorf("frames_sent = %d, want 8", stats["frames_sent"])
	}
	if total := stats["frames_sent"] + stats["frames_dropped"]; total != senders*perSender {
		t.Errorf("sent+dropped = %d, want %d", total, senders*perSender)
	}
}

func TestSampleDuration(t *testing.T) {
	cases := []struct {
		prev, cur uint32
		want      time.Duration
	}{
		{0, 3000, time.Second / 30},
		{3000, 6000, time.Second / 30},
		{6000, 7500, time.Second / 60},
		{6000, 6000, time.Second / 30},
		{1000, 1000 + 10*h264ClockRate, time.Second / 30},
	}
	for _, tc := range cases {
		if got := sampleDuration(tc.prev, tc.cur, 30); got != tc.want {
			t.Errorf("sampleDuration(%d, %d) = %v, want %v", tc.prev, tc.cur, got, tc.want)
		}
	}
}
