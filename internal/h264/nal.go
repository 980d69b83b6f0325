package h264

import (
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

// NALUnit is one NAL unit of an access unit, start code included.
// Data aliases the scanned buffer.
type NALUnit struct {
	Type uint8
	Data []byte
}

// SplitNALUnits returns the NAL units of an Annex-B buffer in order.
// Bytes before the first start code are skipped.
func SplitNALUnits(data []byte) []NALUnit {
	units := make([]NALUnit, 0, 8)

	offset := 0
	for offset < len(data) {
		scLen := startCodeAt(data, offset)
		if scLen == 0 {
			offset++
			continue
		}

		headerOffset := offset + scLen
		if headerOffset >= len(data) {
			break
		}

		end := findNextStartCode(data, headerOffset+1)
		if end == -1 {
			end = len(data)
		}

		units = append(units, NALUnit{
			Type: NALType(data[headerOffset]),
			Data: data[offset:end],
		})
		offset = end
	}

	return units
}

// ParameterSets returns the first SPS and PPS NAL units in data, or nil
func ParameterSets(data []byte) (sps, pps []byte) {
	for _, nal := range SplitNALUnits(data) {
		switch nal.Type {
		case types.NALTypeSPS:
			if sps == nil {
				sps = nal.Data
			}
		case types.NALTypePPS:
			if pps == nil {
				pps = nal.Data
			}
		}
		if sps != nil && pps != nil {
			break
		}
	}
	return sps, pps
}

// HasParameterSets reports whether data carries both an SPS and a PPS,
// i.e. whether a decoder can start from it.
func HasParameterSets(data []byte) bool {
	sps, pps := ParameterSets(data)
	return sps != nil && pps != nil
}

// IsKeyframe reports whether an Annex-B access unit is an IDR picture.
// The first coded slice decides; leading SPS/PPS/SEI units are skipped.
func IsKeyframe(data []byte) bool {
	for _, nal := range SplitNALUnits(data) {
		if IsSlice(nal.Type) {
			return nal.Type == types.NALTypeIDR
		}
	}
	return false
}

// startCodeAt returns the length of a start code at offset, or 0
func startCodeAt(data []byte, offset int) int {
	if offset+4 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 0 && data[offset+3] == 1 {
		return 4
	}
	if offset+3 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 1 {
		return 3
	}
	return 0
}

// findNextStartCode finds the next start code position at or after offset
func findNextStartCode(data []byte, offset int) int {
	for i := offset; i < len(data)-2; i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 {
			if data[i+2] == 0x01 {
				return i
			}
			if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
				return i
			}
		}
	}
	return -1
}
