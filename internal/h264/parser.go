package h264

import (
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

// Parser splits an Annex-B H.264 elementary stream into access units.
//
// The scan is a heuristic: it tracks runs of zero bytes and treats a 0x01
// preceded by two or three zeros as a start code. Emulation prevention bytes
// are not removed before scanning.
type Parser struct {
	// FlushTrailing emits the access unit still open at end of buffer.
	// When false the last access unit of a stream is dropped.
	FlushTrailing bool
}

// Parse splits buf with the default parser
func Parse(buf []byte) []types.AccessUnit {
	return (&Parser{}).Parse(buf)
}

// Parse scans buf and returns its access units in stream order.
// A buffer without start codes yields an empty result.
func (p *Parser) Parse(buf []byte) []types.AccessUnit {
	units := make([]types.AccessUnit, 0, 64)

	lastStart := 0
	slice := false
	isKeyframe := false
	zeros := 0

	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			zeros++
			continue
		}

		if (zeros == 2 || zeros == 3) && buf[i] == 1 {
			if slice {
				units = append(units, newAccessUnit(buf[lastStart:i-zeros], isKeyframe))
				slice = false
				lastStart = i - zeros
			}

			if i+1 < len(buf) {
				if t := NALType(buf[i+1]); IsSlice(t) {
					slice = true
					isKeyframe = t == types.NALTypeIDR
				}
			}
		}

		zeros = 0
	}

	if p.FlushTrailing && slice && lastStart < len(buf) {
		units = append(units, newAccessUnit(buf[lastStart:], isKeyframe))
	}

	logger.Debug("H264", "Split NALU stream into %d frames (%d bytes)", len(units), len(buf))
	return units
}

// NALType extracts nal_unit_type from a NAL header byte
func NALType(header byte) uint8 {
	return header & 0x1F
}

// IsSlice reports whether a NAL unit type carries a coded picture slice
func IsSlice(nalType uint8) bool {
	return nalType == types.NALTypeSlice || nalType == types.NALTypeIDR
}

func newAccessUnit(data []byte, keyframe bool) types.AccessUnit {
	return types.AccessUnit{
		Data:       append([]byte(nil), data...),
		IsKeyframe: keyframe,
	}
}
