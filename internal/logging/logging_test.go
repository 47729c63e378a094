package logging

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

type countingLogger struct{ calls int }

func (c *countingLogger) Log(keyvals ...interface{}) error {
	c.calls++
	return nil
}

func TestRateLimited_AllowsBurstThenDropsExcessWithinTheSameTick(t *testing.T) {
	inner := &countingLogger{}
	limited := RateLimited(inner, 1) // burst size 1 regardless of rate

	require.NoError(t, limited.Log("msg", "first"))
	require.NoError(t, limited.Log("msg", "second"))
	require.NoError(t, limited.Log("msg", "third"))

	require.Equal(t, 1, inner.calls)
}

func TestNew_ConstructsAndLogsForEveryLevel(t *testing.T) {
	logger := New("warn")
	require.NotNil(t, logger)

	// level.NewFilter swallows calls below the configured level rather than
	// erroring, so debug/info keyvals without a level key are dropped
	// silently; this just asserts construction never panics or errors for
	// every minLevel value the config layer accepts.
	for _, lvl := range []string{"debug", "info", "warn", "error", "unrecognized"} {
		require.NotPanics(t, func() {
			l := New(lvl)
			require.NoError(t, l.Log("msg", "hello"))
		})
	}
}

var _ log.Logger = (*RateLimitedLogger)(nil)
