package transform

import "github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"

// Leading bytes left in the clear when the crypto offset is enabled.
// Video counts cover the VP8 payload header (RFC 6386 section 9.1), which is
// enough for a middlebox to tell keyframes from delta frames. Audio keeps the
// Opus TOC byte (RFC 6716 section 3.1).
const (
	keyframeOffset = 10
	deltaOffset    = 3
	defaultOffset  = 1
)

// PlaintextPrefixLength returns how many leading payload bytes stay untransformed
func PlaintextPrefixLength(t types.FrameType, useOffset bool) int {
	if !useOffset {
		return 0
	}
	switch t {
	case types.FrameTypeKey:
		return keyframeOffset
	case types.FrameTypeDelta:
		return deltaOffset
	default:
		return defaultOffset
	}
}
