package audio

import (
	"sync"
)

// Framer converts an arbitrarily-chunked byte stream into fixed-size frames
// while keeping the backlog bounded. When the ceiling is exceeded the oldest
// buffered bytes are evicted first, trading transcript completeness for
// bounded memory under a stalled consumer.
type Framer struct {
	frameSize int
	maxBuffer int

	mutex sync.Mutex
	buf   []byte

	// Statistics
	bytesIn      int64
	framesOut    int64
	bytesEvicted int64
}

// NewFramer creates a framer producing frames of frameSize bytes with at most
// maxBuffer bytes of backlog. maxBuffer is raised to frameSize if smaller.
func NewFramer(frameSize, maxBuffer int) *Framer {
	if frameSize <= 0 {
		frameSize = 640 // 16 kHz 16-bit mono, 20 ms
	}
	if maxBuffer < frameSize {
		maxBuffer = frameSize
	}

	return &Framer{
		frameSize: frameSize,
		maxBuffer: maxBuffer,
		buf:       make([]byte, 0, frameSize*4),
	}
}

// FrameSize returns the fixed frame length in bytes.
func (f *Framer) FrameSize() int {
	return f.frameSize
}

// AddChunk appends a chunk of raw bytes and returns all complete frames now
// available, in arrival order. A partial remainder stays buffered for the
// next call.
func (f *Framer) AddChunk(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.bytesIn += int64(len(chunk))
	f.buf = append(f.buf, chunk...)

	// Evict oldest bytes first when over the ceiling
	if excess := len(f.buf) - f.maxBuffer; excess > 0 {
		f.buf = f.buf[excess:]
		f.bytesEvicted += int64(excess)
	}

	var frames [][]byte
	for len(f.buf) >= f.frameSize {
		frame := make([]byte, f.frameSize)
		copy(frame, f.buf[:f.frameSize])
		f.buf = f.buf[f.frameSize:]
		frames = append(frames, frame)
	}

	f.framesOut += int64(len(frames))
	return frames
}

// Flush emits any leftover partial buffer as a final zero-padded frame and
// resets the framer. Returns nil when nothing is buffered.
func (f *Framer) Flush() []byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if len(f.buf) == 0 {
		return nil
	}

	frame := make([]byte, f.frameSize)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	f.framesOut++

	return frame
}

// Buffered returns the number of bytes currently waiting for a full frame.
func (f *Framer) Buffered() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.buf)
}

// EvictedBytes returns the total number of bytes dropped under memory pressure.
func (f *Framer) EvictedBytes() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.bytesEvicted
}

// Reset discards all buffered bytes.
func (f *Framer) Reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.buf = f.buf[:0]
}

// Stats returns framer counters for monitoring.
func (f *Framer) Stats() map[string]int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return map[string]int64{
		"bytes_in":      f.bytesIn,
		"frames_out":    f.framesOut,
		"bytes_evicted": f.bytesEvicted,
		"buffered":      int64(len(f.buf)),
	}
}
