package scraper

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
)

const (
	ctxBody   = "body"
	ctxStatus = "status"
)

// Fetcher issues one GET per listing page with a random User-Agent.
type Fetcher struct {
	collector *colly.Collector
	metrics   *Metrics
}

// NewFetcher builds a fetcher whose requests time out after cfg.Timeout.
func NewFetcher(cfg *config.Config, metrics *Metrics) *Fetcher {
	collector := newCollector(cfg)
	extensions.RandomUserAgent(collector)

	f := &Fetcher{
		collector: collector,
		metrics:   metrics,
	}
	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, string(r.Body))
	})
	collector.OnError(func(r *colly.Response, _ error) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
	})
	return f
}

// Fetch returns the body of the page. Failures are logged here with their
// category and returned classified; there is no retry.
func (f *Fetcher) Fetch(ctx context.Context, req models.PageRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cctx := colly.NewContext()
	start := time.Now()
	f.metrics.IncRequest("page")
	err := f.collector.Request(http.MethodGet, req.URL, nil, cctx, nil)
	f.metrics.ObserveDuration("page", time.Since(start))

	if classified := requestError(err, cctx); classified != nil {
		category := errorTypeLabel(classified)
		f.metrics.IncError(category)
		logFetchError(req, category, classified)
		return "", classified
	}

	slog.Info("fetched page",
		slog.Int("page", req.Index),
		slog.String("url", req.URL),
	)
	return cctx.Get(ctxBody), nil
}

// requestError turns the outcome of a collector request into a classified error.
// Any response below 400 counts as success.
func requestError(err error, cctx *colly.Context) error {
	status, _ := cctx.GetAny(ctxStatus).(int)
	if err == nil && status < http.StatusBadRequest {
		return nil
	}
	return classifyError(err, status)
}

func logFetchError(req models.PageRequest, category string, err error) {
	attrs := []any{
		slog.Int("page", req.Index),
		slog.String("url", req.URL),
		slog.String("category", category),
		slog.Any("error", err),
	}

	var status ErrHTTPStatus
	switch {
	case category == "timeout":
		slog.Error("request timed out", attrs...)
	case errors.As(err, &status):
		slog.Error("http error occurred", append(attrs, slog.Int("status", status.Code))...)
	default:
		slog.Error("request failed", attrs...)
	}
}

func newCollector(cfg *config.Config) *colly.Collector {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
	)

	// Statuses are checked by requestError.
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	return collector
}
