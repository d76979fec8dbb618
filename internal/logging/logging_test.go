package logging

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "console")
	test.That(t, err, test.ShouldNotBeNil)

	logger, err := New("debug", "json")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logger, test.ShouldNotBeNil)
}

func TestSometimesLimitsOutput(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewSometimes(zap.New(core).Sugar(), 2, time.Hour)

	for i := 0; i < 10; i++ {
		s.Warnw("read failed", "attempt", i)
	}
	test.That(t, logs.Len(), test.ShouldEqual, 2)
	test.That(t, logs.All()[1].ContextMap()["attempt"], test.ShouldEqual, int64(1))
}
