package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/bus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// StartEngine starts an engine over conn and stops it when the test ends.
// Timeouts are generous so slow CI machines do not flake.
func (h *TestHelper) StartEngine(conn *FakeConn) *bus.Engine {
	h.T.Helper()

	engine := bus.NewEngine(bus.Options{
		Dial:             conn.Dial,
		HandshakeTimeout: time.Second,
		SendTimeout:      time.Second,
		ReplyTimeout:     time.Second,
		Logger:           h.Logger,
	})
	if err := engine.Start(context.Background()); err != nil {
		h.T.Fatalf("engine start: %v", err)
	}
	h.T.Cleanup(func() { _ = engine.Stop() })
	return engine
}
