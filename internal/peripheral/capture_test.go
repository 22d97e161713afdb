package peripheral

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture(t *testing.T) {
	t.Run("buffers until full", func(t *testing.T) {
		c := NewCapture(4)
		c.Record([]byte("ab"))
		c.Record(nil)
		c.Record([]byte("cdef"))

		s := c.Stats()
		assert.Equal(t, uint64(3), s.Writes)
		assert.Equal(t, uint64(6), s.Bytes)
		assert.Equal(t, uint64(2), s.Dropped)
		assert.Equal(t, 4, s.Buffered)

		assert.Equal(t, []byte("abcd"), c.Drain())
		assert.Nil(t, c.Drain(), "drain MUST empty the buffer")

		c.Record([]byte("gh"))
		assert.Equal(t, []byte("gh"), c.Drain(), "space MUST be reusable after a drain")
	})

	t.Run("zero capacity only counts", func(t *testing.T) {
		c := NewCapture(0)
		c.Record([]byte("xyz"))

		s := c.Stats()
		assert.Equal(t, uint64(3), s.Dropped)
		assert.Zero(t, s.Buffered)
		assert.Nil(t, c.Drain())
	})

	t.Run("summary", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		c := NewCapture(16)
		c.Record([]byte{'o', 'k', 0x00, '\n'})

		c.LogSummary(logger)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.InfoLevel, entry.Level)
		assert.Contains(t, entry.Message, `"ok.."`)
		assert.Equal(t, uint64(4), entry.Data["bytes"])
	})
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "AB", printable([]byte{0x41, 0x42}))
	assert.Equal(t, "a.b.", printable([]byte{'a', 0x7f, 'b', 0xff}))
	assert.Equal(t, "", printable(nil))
}
