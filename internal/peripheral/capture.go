package peripheral

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// CaptureStats summarises what a Capture has seen.
type CaptureStats struct {
	Writes   uint64
	Bytes    uint64
	Dropped  uint64
	Buffered int
}

// Capture buffers bytes written by remote clients until drained, up to a
// fixed capacity. Bytes that do not fit are counted and dropped.
type Capture struct {
	mu    sync.Mutex
	buf   *ringbuffer.RingBuffer
	stats CaptureStats
}

// NewCapture creates a capture of capacity bytes; 0 only counts.
func NewCapture(capacity int) *Capture {
	c := &Capture{}
	if capacity > 0 {
		c.buf = ringbuffer.New(capacity)
	}
	return c
}

// Record appends value.
func (c *Capture) Record(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Writes++
	c.stats.Bytes += uint64(len(value))
	if len(value) == 0 {
		return
	}
	if c.buf == nil {
		c.stats.Dropped += uint64(len(value))
		return
	}

	// a full or partial write still reports what was stored
	written, _ := c.buf.Write(value)
	c.stats.Dropped += uint64(len(value) - written)
}

// Drain returns and clears the buffered bytes.
func (c *Capture) Drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf == nil || c.buf.IsEmpty() {
		return nil
	}
	out := make([]byte, c.buf.Length())
	n, err := c.buf.TryRead(out)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil
	}
	return out[:n]
}

// Stats returns counters and the number of buffered bytes.
func (c *Capture) Stats() CaptureStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	if c.buf != nil {
		s.Buffered = c.buf.Length()
	}
	return s
}

// LogSummary writes the counters and the buffered text at info level.
func (c *Capture) LogSummary(log logrus.FieldLogger) {
	s := c.Stats()
	log.WithFields(logrus.Fields{
		"writes":  s.Writes,
		"bytes":   s.Bytes,
		"dropped": s.Dropped,
	}).Infof("Received data: %q", printable(c.Drain()))
}
