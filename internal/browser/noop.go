package browser

import (
	"context"
	"errors"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// ErrDisabled is returned when the headless browser is not enabled.
var ErrDisabled = errors.New("headless browser disabled")

// Noop satisfies the minter and heavy fetcher contracts without a browser.
// Use it when Chrome is unavailable; every call fails with ErrDisabled.
type Noop struct{}

// NewNoop returns a Noop.
func NewNoop() *Noop {
	return &Noop{}
}

// Mint always fails.
func (*Noop) Mint(context.Context) (crawl.Credential, error) {
	return crawl.Credential{}, ErrDisabled
}

// FetchAllItems always fails.
func (*Noop) FetchAllItems(context.Context, crawl.Target) ([]crawl.Item, float64, error) {
	return nil, 0, ErrDisabled
}
