// Package webrtc delivers transformed outbound frames to browser viewers.
// Each viewer gets one H.264 sample track; audio frames are not forwarded.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	// H.264 clock rate (90kHz for video)
	h264ClockRate = 90000

	// Per-viewer queue, one second at 30fps
	viewerQueue = 30
)

var (
	// ErrMaxClients is returned when an offer arrives while the viewer limit is reached
	ErrMaxClients = errors.New("maximum clients reached")

	// ErrInvalidOffer is returned when the offer body is not a session description
	ErrInvalidOffer = errors.New("invalid offer")
)

// Client represents a connected WebRTC viewer
type Client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	videoTrack    *webrtc.TrackLocalStaticSample
	frameChan     chan *types.EncodedFrame
	closeOnce     sync.Once
	closeChan     chan struct{}
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Server manages WebRTC viewer connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	fps        int
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server. fps sets the sample duration used
// when consecutive frame timestamps cannot provide one.
func NewServer(stunServers []string, maxClients, fps int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	if fps <= 0 {
		fps = 30
	}
	if m == nil {
		m = metrics.New()
	}

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		fps:        fps,
		metrics:    m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	if n := s.GetClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: h264ClockRate,
		},
		"video",
		"frameinject",
	)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// Drain RTCP so interceptors keep running
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	client := &Client{
		id:         uuid.NewString(),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		frameChan:  make(chan *types.EncodedFrame, viewerQueue),
		closeChan:  make(chan struct{}),
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	s.metrics.ActiveViewers.Add(1)
	s.metrics.TotalViewers.Add(1)

	go s.sendFrames(client)

	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	return answerJSON, nil
}

// SendFrame queues a video frame for every connected viewer.
// Viewers whose queue is full drop the frame. Audio frames are ignored.
func (s *Server) SendFrame(frame *types.EncodedFrame) {
	if frame == nil || frame.IsAudio() {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.frameChan <- frame:
			client.framesSent.Add(1)
			s.metrics.ViewerFramesSent.Add(1)
		default:
			client.framesDropped.Add(1)
			s.metrics.ViewerFramesDrops.Add(1)
		}
	}
}

// sendFrames writes queued frames to one viewer's track
func (s *Server) sendFrames(client *Client) {
	var lastTS uint32
	var written uint64

	for {
		select {
		case <-client.closeChan:
			return

		case frame := <-client.frameChan:
			duration := sampleDuration(lastTS, frame.Timestamp, s.fps)
			lastTS = frame.Timestamp

			if err := client.videoTrack.WriteSample(media.Sample{
				Data:     frame.Payload,
				Duration: duration,
			}); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn("WebRTC", "Error writing sample for client %s: %v", client.id, err)
				}
				return
			}

			written++
			if written%30 == 0 {
				logger.Debug("WebRTC", "Sent %d frames to client %s (ts=%d, type=%s)",
					written, client.id, frame.Timestamp, frame.Type)
			}
		}
	}
}

// sampleDuration derives the sample duration from the 90kHz timestamp delta,
// falling back to one frame interval at fps.
func sampleDuration(prev, cur uint32, fps int) time.Duration {
	fallback := time.Second / time.Duration(fps)
	if prev == 0 || cur <= prev {
		return fallback
	}
	delta := time.Duration(cur-prev) * time.Second / h264ClockRate
	if delta <= 0 || delta > time.Second {
		return fallback
	}
	return delta
}

// RemoveClient removes a viewer by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	client.closeOnce.Do(func() { close(client.closeChan) })
	client.peerConn.Close()
	s.metrics.ActiveViewers.Add(^uint64(0))

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// GetClientCount returns the number of connected viewers
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all viewers
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close closes all viewer connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
