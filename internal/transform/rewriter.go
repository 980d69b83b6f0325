// Package transform rewrites encoded frames crossing a media channel.
//
// A Session owns the frame store and key state of one call. Each direction
// (encode or decode) is served by a Pipeline that pulls frames from an input
// channel, applies the session's FrameRewriter to one frame at a time and
// pushes the result to an output channel. Per-frame failures never stop a
// pipeline: the frame is forwarded unchanged and the failure is counted.
package transform

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/framestore"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/keyepoch"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

var (
	ErrUnknownDirection = errors.New("unknown pipeline direction")
	ErrUnknownRewriter  = errors.New("unknown rewrite mode")
	ErrTrailerTooShort  = errors.New("payload too short for cipher trailer")
	ErrUnknownKey       = errors.New("no key for identifier")
)

// Rewrite modes
const (
	ModeSubstitute = "substitute"
	ModeCipher     = "cipher"
)

// Outcome describes what a rewriter did to one frame
type Outcome int

const (
	OutcomePassthrough Outcome = iota
	OutcomeAudioBypass
	OutcomeSubstituted
	OutcomeEncrypted
	OutcomeDecrypted
	OutcomeShortFrame
	OutcomeMissingKey
	OutcomeDecryptFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeAudioBypass:
		return "audio-bypass"
	case OutcomeSubstituted:
		return "substituted"
	case OutcomeEncrypted:
		return "encrypted"
	case OutcomeDecrypted:
		return "decrypted"
	case OutcomeShortFrame:
		return "short-frame"
	case OutcomeMissingKey:
		return "missing-key"
	case OutcomeDecryptFailed:
		return "decrypt-failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Modified reports whether the frame payload was replaced
func (o Outcome) Modified() bool {
	return o == OutcomeSubstituted || o == OutcomeEncrypted || o == OutcomeDecrypted
}

// FrameRewriter transforms frame payloads in place.
// Encode and Decode must leave every field other than Payload untouched and
// must leave Payload untouched whenever they return an unmodified outcome.
type FrameRewriter interface {
	Name() string
	Encode(frame *types.EncodedFrame) Outcome
	Decode(frame *types.EncodedFrame) Outcome
}

// NewRewriter builds the rewriter named by mode.
// random supplies cipher IVs; nil selects crypto/rand.
func NewRewriter(mode string, store *framestore.Store, keys *keyepoch.State, random io.Reader) (FrameRewriter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeSubstitute, "":
		return NewSubstitute(store), nil
	case ModeCipher:
		return NewSelectiveCipher(keys, random), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRewriter, mode)
	}
}
