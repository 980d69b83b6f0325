package transform

import (
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/framestore"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

// Substitute replaces outbound video payloads with access units from a
// frame store, cycling through them indefinitely. It is one-way: Decode
// forwards frames as they are.
type Substitute struct {
	store *framestore.Store
}

// NewSubstitute creates a substitution rewriter backed by store
func NewSubstitute(store *framestore.Store) *Substitute {
	return &Substitute{store: store}
}

func (s *Substitute) Name() string {
	return ModeSubstitute
}

// Encode swaps in the next stored access unit. With an empty store the
// frame keeps its own payload.
func (s *Substitute) Encode(frame *types.EncodedFrame) Outcome {
	if frame.IsAudio() {
		logger.Debug("Substitute", "Got audio frame, forwarding")
		return OutcomeAudioBypass
	}

	unit, ok := s.store.Next()
	if !ok {
		return OutcomePassthrough
	}

	// Copy so downstream writers cannot corrupt the stored unit.
	frame.Payload = append([]byte(nil), unit.Data...)
	return OutcomeSubstituted
}

func (s *Substitute) Decode(frame *types.EncodedFrame) Outcome {
	return OutcomePassthrough
}
