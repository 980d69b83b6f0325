package types

import (
	"fmt"
	"strings"
)

// AccessUnit is one parsed frame of an Annex-B stream
type AccessUnit struct {
	Data       []byte // Owned copy of the access unit bytes (start codes included)
	IsKeyframe bool   // True if the unit was opened by an IDR slice
}

// FrameType classifies an encoded frame crossing the pipeline
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey
	FrameTypeDelta
	FrameTypeAudio
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeKey:
		return "key"
	case FrameTypeDelta:
		return "delta"
	case FrameTypeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// FrameMetadata is side-channel information forwarded untouched by the pipeline
type FrameMetadata struct {
	SynchronizationSource uint32
	PayloadType           uint8
	MimeType              string
}

// EncodedFrame is a single encoded audio or video frame
type EncodedFrame struct {
	Payload   []byte        // Encoded payload, the only field a rewriter mutates
	Type      FrameType     // Key/delta for video, audio for audio frames
	Timestamp uint32        // RTP timestamp
	Metadata  FrameMetadata // Read-only metadata
}

// IsAudio returns true for audio frames
func (f *EncodedFrame) IsAudio() bool {
	return f.Type == FrameTypeAudio
}

// IsVideo returns true for key and delta frames
func (f *EncodedFrame) IsVideo() bool {
	return f.Type == FrameTypeKey || f.Type == FrameTypeDelta
}

// Clone returns a copy of the frame that shares no payload memory
func (f *EncodedFrame) Clone() *EncodedFrame {
	c := *f
	c.Payload = append([]byte(nil), f.Payload...)
	return &c
}

// Direction selects which side of the media channel a pipeline serves
type Direction int

const (
	DirectionEncode Direction = iota // outbound, post-encoder
	DirectionDecode                  // inbound, pre-decoder
)

func (d Direction) String() string {
	switch d {
	case DirectionEncode:
		return "encode"
	case DirectionDecode:
		return "decode"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses an operation name ("encode" or "decode")
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "encode":
		return DirectionEncode, nil
	case "decode":
		return DirectionDecode, nil
	default:
		return 0, fmt.Errorf("invalid direction: %q", s)
	}
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)
