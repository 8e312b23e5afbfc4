package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateWindow(t *testing.T) {
	t.Parallel()

	w := newRateWindow(4, 0.5)

	// never trips before the window fills
	w.Observe(true)
	w.Observe(true)
	w.Observe(true)
	require.False(t, w.Exceeded())

	w.Observe(true)
	require.True(t, w.Exceeded())
	require.Equal(t, 1.0, w.Rate())

	// recovery slides the blocks out
	w.Observe(false)
	w.Observe(false)
	require.True(t, w.Exceeded()) // still 2/4
	w.Observe(false)
	require.False(t, w.Exceeded()) // 1/4
	require.Equal(t, 0.25, w.Rate())
}

func TestRateWindow_AtLimitDoesNotTrip(t *testing.T) {
	t.Parallel()

	w := newRateWindow(2, 0.5)
	w.Observe(true)
	w.Observe(false)
	require.False(t, w.Exceeded())
}
