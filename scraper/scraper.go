package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

// Scraper walks the listing pages one by one: fetch, parse, accumulate, pause.
type Scraper struct {
	cfg     *config.Config
	fetcher *Fetcher
	images  *ImageRetriever
	parser  *parser.Parser
	Metrics *Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewScraper builds a scraper instance configured from cfg. The image directory
// is created here, before any download.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	metrics := NewMetrics()

	images, err := NewImageRetriever(cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("init image retriever: %w", err)
	}

	return &Scraper{
		cfg:     cfg,
		fetcher: NewFetcher(cfg, metrics),
		images:  images,
		parser:  parser.NewParser(cfg.Selectors, images),
		Metrics: metrics,
		sleep:   sleepContext,
	}, nil
}

// WithTransport routes page and image requests through rt.
func (s *Scraper) WithTransport(rt http.RoundTripper) {
	s.fetcher.collector.WithTransport(rt)
	s.images.collector.WithTransport(rt)
}

// Run scrapes pages 1..NumPages in order and returns every product found. A page
// that cannot be fetched or read contributes no products. Cancelling ctx stops the
// run between pages; the products gathered so far are still returned.
func (s *Scraper) Run(ctx context.Context) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.ScraperResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	for page := 1; page <= s.cfg.NumPages; page++ {
		if ctx.Err() != nil {
			slog.Info("scrape interrupted", slog.Int("next_page", page))
			break
		}

		req := s.cfg.PageRequest(page)
		result.PagesRequested++

		products, err := s.scrapePage(ctx, req)
		if err != nil {
			category := errorTypeLabel(err)
			result.ErrorsByType[category]++
			result.FailedURLs = append(result.FailedURLs, req.URL)
			result.SkippedPages = append(result.SkippedPages, page)
			s.Metrics.IncPage("skipped")
			slog.Info("skipping page due to an error",
				slog.Int("page", page),
				slog.String("category", category),
			)
			continue
		}

		result.PagesFetched++
		result.Products = append(result.Products, products...)
		s.Metrics.IncPage("fetched")
		s.Metrics.AddItems(len(products))
		slog.Info("parsed page",
			slog.Int("page", page),
			slog.Int("products", len(products)),
			slog.Int("total", len(result.Products)),
		)

		if err := s.sleep(ctx, s.cfg.Delay); err != nil {
			slog.Info("scrape interrupted during delay", slog.Int("page", page))
			break
		}
	}

	for _, p := range result.Products {
		if p.Image.Present() {
			result.ImagesSaved++
		} else {
			result.ImagesMissing++
		}
	}
	result.EndTime = time.Now()
	return result, nil
}

func (s *Scraper) scrapePage(ctx context.Context, req models.PageRequest) ([]*models.Product, error) {
	html, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	products, err := s.parser.Parse(ctx, req.URL, html)
	if err != nil {
		s.Metrics.IncError("parse")
		slog.Error("failed to parse page",
			slog.Int("page", req.Index),
			slog.String("url", req.URL),
			slog.Any("error", err),
		)
		return nil, err
	}
	return products, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
