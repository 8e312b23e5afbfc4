// Package browser drives headless Chrome for the two jobs the plain HTTP
// path cannot do: minting fresh credentials and draining a target whose API
// listing is being silently degraded.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// Config controls the headless browser.
type Config struct {
	BaseURL           string
	UserAgent         string
	MaxParallel       int
	NavigationTimeout time.Duration
	// ExtractScript overrides the default item extraction JavaScript.
	ExtractScript string
}

// defaultExtractScript pulls rendered answers off a question page.
const defaultExtractScript = `(() => {
	const out = [];
	document.querySelectorAll('.AnswerItem').forEach((el) => {
		let meta = {};
		try { meta = JSON.parse(el.getAttribute('data-zop')) || {}; } catch (e) {}
		const content = el.querySelector('.RichContent-inner');
		const vote = el.querySelector('.VoteButton--up');
		out.push({
			id: String(meta.itemId || ''),
			author: meta.authorName || '',
			content: content ? content.innerText : '',
			votes: vote ? (parseInt((vote.innerText || '').replace(/[^0-9]/g, ''), 10) || 0) : 0,
		});
	});
	return JSON.stringify(out);
})()`

// Browser implements crawl.Minter and crawl.HeavyFetcher with chromedp.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Browser backed by a shared Chrome exec allocator.
func New(cfg Config) (*Browser, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ExtractScript == "" {
		cfg.ExtractScript = defaultExtractScript
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (b *Browser) Close() {
	b.allocCancel()
}

// Mint opens the source's landing page in a fresh browser context and
// harvests the session cookies it hands out. The cookie string is the
// credential token presented on API calls.
func (b *Browser) Mint(ctx context.Context) (crawl.Credential, error) {
	if err := b.acquire(ctx); err != nil {
		return crawl.Credential{}, err
	}
	defer b.release()

	taskCtx, cancel := b.newTab(ctx)
	defer cancel()

	var cookieHeader string
	actions := []chromedp.Action{
		b.setupAction(),
		chromedp.Navigate(b.cfg.BaseURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			pairs := make([]string, 0, len(cookies))
			for _, c := range cookies {
				pairs = append(pairs, c.Name+"="+c.Value)
			}
			cookieHeader = strings.Join(pairs, "; ")
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return crawl.Credential{}, fmt.Errorf("mint session: %w", err)
	}
	if cookieHeader == "" {
		return crawl.Credential{}, fmt.Errorf("mint session: no cookies issued")
	}
	return crawl.Credential{
		Token:    cookieHeader,
		State:    crawl.CredentialFresh,
		MintedAt: time.Now().UTC(),
	}, nil
}

type renderedItem struct {
	ID      string `json:"id"`
	Author  string `json:"author"`
	Content string `json:"content"`
	Votes   int    `json:"votes"`
}

// FetchAllItems renders the target's question page, scrolls until the
// answer list stops growing, and extracts every loaded item in one pass.
// The returned ratio compares what was extracted against the listed count.
func (b *Browser) FetchAllItems(ctx context.Context, target crawl.Target) ([]crawl.Item, float64, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer b.release()

	taskCtx, cancel := b.newTab(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/question/%s", b.cfg.BaseURL, target.ID)
	if err := chromedp.Run(taskCtx,
		b.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, 0, fmt.Errorf("open question page: %w", err)
	}
	if err := b.scrollUntilStable(taskCtx); err != nil {
		return nil, 0, err
	}

	var raw string
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(b.cfg.ExtractScript, &raw)); err != nil {
		return nil, 0, fmt.Errorf("extract items: %w", err)
	}
	var rendered []renderedItem
	if err := json.Unmarshal([]byte(raw), &rendered); err != nil {
		return nil, 0, fmt.Errorf("decode extracted items: %w", err)
	}

	items := make([]crawl.Item, 0, len(rendered))
	for _, r := range rendered {
		if r.Content == "" {
			continue
		}
		items = append(items, crawl.Item{
			ID:        r.ID,
			Author:    r.Author,
			Content:   r.Content,
			VoteCount: r.Votes,
			CreatedAt: time.Now().UTC(),
		})
	}

	coverage := 1.0
	if target.ExpectedItems > 0 {
		coverage = float64(len(items)) / float64(target.ExpectedItems)
		if coverage > 1 {
			coverage = 1
		}
	}
	return items, coverage, nil
}

// scrollUntilStable keeps scrolling while the loaded item count grows.
func (b *Browser) scrollUntilStable(ctx context.Context) error {
	const maxRounds = 40
	last := -1
	for round := 0; round < maxRounds; round++ {
		var count int
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(800*time.Millisecond),
			chromedp.Evaluate(`document.querySelectorAll('.AnswerItem').length`, &count),
		); err != nil {
			return fmt.Errorf("scroll question page: %w", err)
		}
		if count == last {
			return nil
		}
		last = count
	}
	return nil
}

func (b *Browser) newTab(ctx context.Context) (context.Context, context.CancelFunc) {
	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, b.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, timeoutCancel)
	return taskCtx, func() {
		stop()
		timeoutCancel()
		taskCancel()
	}
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	select {
	case <-b.limiter:
	default:
	}
}
