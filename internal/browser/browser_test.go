package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

func TestNew_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	b, err := New(Config{BaseURL: "https://example.com"})
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, 1, b.cfg.MaxParallel)
	require.Equal(t, 45*time.Second, b.cfg.NavigationTimeout)
	require.NotEmpty(t, b.cfg.ExtractScript)
	require.Equal(t, 1, cap(b.limiter))
}

func TestNoop_FailsEveryCall(t *testing.T) {
	t.Parallel()

	n := NewNoop()
	_, err := n.Mint(context.Background())
	require.ErrorIs(t, err, ErrDisabled)

	_, _, err = n.FetchAllItems(context.Background(), crawl.Target{ID: "q1"})
	require.ErrorIs(t, err, ErrDisabled)
}
