package cache

import (
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestSweeperStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(time.Minute, 100, zap.NewNop())
	c.StartSweeper(10 * time.Millisecond)

	c.Put(Fingerprint("question", "conv"), "answer", "model", 0)
	time.Sleep(30 * time.Millisecond)

	c.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(time.Minute, 100, zap.NewNop())
	c.StartSweeper(10 * time.Millisecond)
	c.Stop()
	c.Stop()
}
