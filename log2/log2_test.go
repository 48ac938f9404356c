package log2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog2Levels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		level  Level
		fun    func(l *Log)
		expect string
	}{
		{"debug/enabled", LDebug, func(l *Log) { l.Debugf("var=%d", 42) }, "debug: var=42\n"},
		{"debug/filtered", LInfo, func(l *Log) { l.Debugf("var=%d", 42) }, ""},
		{"info/enabled", LInfo, func(l *Log) { l.Infof("state=%s", "ok") }, "state=ok\n"},
		{"info/filtered", LError, func(l *Log) { l.Infof("state=%s", "ok") }, ""},
		{"error/always", LError, func(l *Log) { l.Errorf("problem") }, "error: problem\n"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, c.level)
			l.SetFlags(0)
			c.fun(l)
			assert.Equal(t, c.expect, buf.String())
		})
	}
}

func TestLog2NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var l *Log
	require.False(t, l.Enabled(LError))
	l.Errorf("unreachable")
	l.SetLevel(LDebug)
	l.SetFlags(0)
	l.Clone(LDebug)
}

func TestLog2SetLevelIsConcurrencySafe(t *testing.T) {
	t.Parallel()

	l := NewWriter(bytes.NewBuffer(nil), LError)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			l.SetLevel(LDebug)
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		l.Enabled(LInfo)
	}
	<-done
}

func TestLog2NewTestRoutesThroughLogf(t *testing.T) {
	l := NewTest(t, LDebug)
	l.Infof("routed through t.Logf")
}
