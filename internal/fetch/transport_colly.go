package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// IsCredentialRejected reports whether the error indicates the upstream
// rejected the presented credential outright.
func IsCredentialRejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

// TransportConfig controls collector behavior.
type TransportConfig struct {
	BaseURL   string
	UserAgent string
	PageSize  int
	Timeout   time.Duration
}

// CollyTransport implements crawl.Transport using the Colly collector.
type CollyTransport struct {
	cfg           TransportConfig
	baseCollector *colly.Collector
}

// NewCollyTransport builds a CollyTransport.
func NewCollyTransport(cfg TransportConfig) *CollyTransport {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &CollyTransport{cfg: cfg, baseCollector: c}
}

// FetchPage executes one paginated API request and returns the raw body.
func (t *CollyTransport) FetchPage(ctx context.Context, req crawl.PageRequest) ([]byte, error) {
	target, err := t.buildURL(req)
	if err != nil {
		return nil, err
	}

	collector := t.baseCollector.Clone()
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(t.cfg.Timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		if req.Credential.Token != "" {
			r.Headers.Set("Cookie", req.Credential.Token)
		}
		if req.Stage == crawl.StageQA {
			r.Headers.Set("Referer", fmt.Sprintf("%s/question/%s", t.cfg.BaseURL, req.TargetID))
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = &StatusError{Code: r.StatusCode}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.Stage, fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.Stage, err)
		}
		return body, nil
	}
}

func (t *CollyTransport) buildURL(req crawl.PageRequest) (string, error) {
	// both endpoints return an absolute next-page URL; follow it as is
	if req.Cursor != "" {
		return req.Cursor, nil
	}
	switch req.Stage {
	case crawl.StageSearch:
		q := url.Values{}
		q.Set("t", "general")
		q.Set("q", strings.Join(req.Keywords, " "))
		q.Set("limit", strconv.Itoa(t.cfg.PageSize))
		q.Set("offset", "0")
		return fmt.Sprintf("%s/api/v4/search_v3?%s", t.cfg.BaseURL, q.Encode()), nil
	case crawl.StageQA:
		q := url.Values{}
		q.Set("limit", strconv.Itoa(t.cfg.PageSize))
		q.Set("order", "default")
		return fmt.Sprintf("%s/api/v4/questions/%s/feeds?%s", t.cfg.BaseURL, req.TargetID, q.Encode()), nil
	default:
		return "", fmt.Errorf("unknown stage %q", req.Stage)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
