package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThatPanicsOnlyWhenEnabled(t *testing.T) {
	if !Enabled {
		require.NotPanics(t, func() { That(false, "ignored in release builds") })
		require.NotPanics(t, func() { Thatf(false, "ignored %d", 1) })
		return
	}
	require.PanicsWithError(t, "lakesched: invariant violated: boom", func() { That(false, "boom") })
	require.PanicsWithError(t, "lakesched: invariant violated: slot 3", func() { Thatf(false, "slot %d", 3) })
}

func TestThatHoldsQuietly(t *testing.T) {
	require.NotPanics(t, func() { That(true, "never") })
}
