// Package recorder writes transformed outbound video frames to disk.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/h264"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder appends video frame payloads to a .h264 file.
// Writing starts at the first IDR access unit. The payload decides, not the
// frame type, since a substituted frame keeps the encoder's classification.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	skipped      uint64
	startTime    time.Time
	sawKeyframe  bool
	frameChan    chan *types.EncodedFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
}

// NewRecorder creates a new recorder writing under basePath
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath:  basePath,
		frameChan: make(chan *types.EncodedFrame, 60), // Buffer 2 seconds
		metrics:   m,
	}
}

// Start starts recording to a new file and returns its name
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	filename := fmt.Sprintf("recording_%s.h264", time.Now().Format("20060102_150405.000"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.skipped = 0
	r.sawKeyframe = false
	r.startTime = time.Now()
	r.stopChan = make(chan struct{})

	r.metrics.RecordingActive.Store(1)
	r.metrics.RecordingBytes.Store(0)
	r.metrics.RecordingFrames.Store(0)

	r.wg.Add(1)
	go r.writeFrames(r.stopChan)

	logger.Info("Recorder", "Recording started: %s", filename)
	return filename, nil
}

// Stop stops recording and closes the file
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.RecordingActive.Store(0)

	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes, %d skipped before first keyframe)",
		r.filename, r.frameCount, r.bytesWritten, r.skipped)
	return nil
}

// SendFrame queues a frame for writing (non-blocking).
// Returns false when not recording, for non-video frames, or when the queue is full.
func (r *Recorder) SendFrame(frame *types.EncodedFrame) bool {
	if frame == nil || !frame.IsVideo() {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

// writeFrames writes queued frames until stop is closed, then drains the queue
func (r *Recorder) writeFrames(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-r.frameChan:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame *types.EncodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	if !r.sawKeyframe {
		if !h264.IsKeyframe(frame.Payload) {
			r.skipped++
			return
		}
		r.sawKeyframe = true
	}

	n, err := r.file.Write(frame.Payload)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	r.metrics.RecordingBytes.Store(r.bytesWritten)
	r.metrics.RecordingFrames.Store(r.frameCount)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
