package scraper

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/pipeline"
)

const testTemplate = "http://shop.example.test/cards/page={page}/"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.URLTemplate = testTemplate
	cfg.NumPages = 1
	cfg.Delay = 0
	cfg.Timeout = 2 * time.Second
	cfg.ImageDir = filepath.Join(t.TempDir(), "images")
	return cfg
}

type sleepRecorder struct {
	calls []time.Duration
}

func (sr *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	sr.calls = append(sr.calls, d)
	return ctx.Err()
}

func newTestScraper(t *testing.T, cfg *config.Config) (*Scraper, *httpmock.MockTransport, *sleepRecorder) {
	t.Helper()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	transport := httpmock.NewMockTransport()
	s.WithTransport(transport)
	recorder := &sleepRecorder{}
	s.sleep = recorder.sleep
	return s, transport, recorder
}

type tile struct {
	name     string
	price    string
	imgAttrs string
}

func buildListingPage(tiles ...tile) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, t := range tiles {
		b.WriteString("<li><div class=\"goods-tile\">")
		fmt.Fprintf(&b, "<img class=\"lazy_img_hover\" %s>", t.imgAttrs)
		fmt.Fprintf(&b, "<span class=\"goods-tile__title\">%s</span>", t.name)
		fmt.Fprintf(&b, "<span class=\"goods-tile__price-value\">%s</span>", t.price)
		b.WriteString("<div class=\"goods-tile__availability goods-tile__availability--available ng-star-inserted\">Є в наявності</div>")
		b.WriteString("</div></li>")
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func counterValue(t *testing.T, m *Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func pageURL(page int) string {
	return strings.ReplaceAll(testTemplate, config.PagePlaceholder, fmt.Sprint(page))
}

func TestScraperEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	s, transport, _ := newTestScraper(t, cfg)

	page := buildListingPage(
		tile{name: "MSI RTX 3080", price: "39 999₴", imgAttrs: `src="http://cdn.example.test/msi.jpg"`},
		tile{name: "ASUS TUF / OC", price: "41 250₴", imgAttrs: `data-src="http://cdn.example.test/asus.jpg"`},
		tile{name: "Gigabyte Eagle", price: "37 100₴", imgAttrs: `alt="none"`},
	)
	transport.RegisterResponder("GET", pageURL(1), htmlResponder(page))
	transport.RegisterResponder("GET", "http://cdn.example.test/msi.jpg", httpmock.NewBytesResponder(200, []byte("msi-bytes")))
	transport.RegisterResponder("GET", "http://cdn.example.test/asus.jpg", httpmock.NewBytesResponder(200, []byte("asus-bytes")))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := result.TotalCount(); got != 3 {
		t.Fatalf("products = %d, want 3", got)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("requests = %d, want 3 (page + 2 images): %v", got, transport.GetCallCountInfo())
	}

	wantImages := []string{
		filepath.Join(cfg.ImageDir, "MSI RTX 3080.jpg"),
		filepath.Join(cfg.ImageDir, "ASUS TUF _ OC.jpg"),
		models.NoImage,
	}
	for i, p := range result.Products {
		if got := p.Image.String(); got != wantImages[i] {
			t.Fatalf("product %d image = %q, want %q", i, got, wantImages[i])
		}
	}

	data, err := os.ReadFile(wantImages[1])
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if string(data) != "asus-bytes" {
		t.Fatalf("image content = %q, want asus-bytes", data)
	}
	if result.ImagesSaved != 2 || result.ImagesMissing != 1 {
		t.Fatalf("images saved/missing = %d/%d, want 2/1", result.ImagesSaved, result.ImagesMissing)
	}
	for outcome, want := range map[string]float64{"saved": 2, "missing": 1} {
		if got := counterValue(t, s.Metrics, "scraper_images_total", "outcome", outcome); got != want {
			t.Fatalf("images_total{outcome=%q} = %v, want %v", outcome, got, want)
		}
	}

	out := filepath.Join(t.TempDir(), "product.csv")
	writer, err := pipeline.NewCSVWriter(out)
	if err != nil {
		t.Fatalf("csv writer: %v", err)
	}
	p := pipeline.NewPipeline(writer, cfg.BatchSize)
	if err := p.Process(result.Products...); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("csv records = %d, want header + 3", len(records))
	}
	if records[3][0] != "Gigabyte Eagle" || records[3][3] != models.NoImage {
		t.Fatalf("unexpected last row %v", records[3])
	}
}

func TestScraperSkipsFailedPage(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumPages = 3
	cfg.Delay = 50 * time.Millisecond
	s, transport, recorder := newTestScraper(t, cfg)

	transport.RegisterResponder("GET", pageURL(1), htmlResponder(buildListingPage(
		tile{name: "A", price: "1"},
		tile{name: "B", price: "2"},
	)))
	transport.RegisterResponder("GET", pageURL(2), httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
	transport.RegisterResponder("GET", pageURL(3), htmlResponder(buildListingPage(
		tile{name: "C", price: "3"},
	)))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := result.TotalCount(); got != 3 {
		t.Fatalf("products = %d, want 3", got)
	}
	var names []string
	for _, p := range result.Products {
		names = append(names, p.Name.String())
	}
	if !reflect.DeepEqual(names, []string{"A", "B", "C"}) {
		t.Fatalf("names = %v", names)
	}
	if !reflect.DeepEqual(result.SkippedPages, []int{2}) {
		t.Fatalf("skipped = %v, want [2]", result.SkippedPages)
	}
	if result.ErrorsByType["http_status"] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
	if result.PagesRequested != 3 || result.PagesFetched != 2 {
		t.Fatalf("pages requested/fetched = %d/%d, want 3/2", result.PagesRequested, result.PagesFetched)
	}
	// One pause after every fetched page, the last one included.
	if !reflect.DeepEqual(recorder.calls, []time.Duration{cfg.Delay, cfg.Delay}) {
		t.Fatalf("pauses = %v", recorder.calls)
	}
}

func TestScraperAllPagesFail(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumPages = 2
	s, transport, recorder := newTestScraper(t, cfg)
	transport.RegisterNoResponder(httpmock.NewStringResponder(http.StatusNotFound, ""))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalCount() != 0 {
		t.Fatalf("products = %d, want 0", result.TotalCount())
	}
	if len(result.FailedURLs) != 2 {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
	if len(recorder.calls) != 0 {
		t.Fatalf("skipped pages should not pause, got %v", recorder.calls)
	}
}

func TestScraperStopsWhenCancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumPages = 5
	s, transport, _ := newTestScraper(t, cfg)
	transport.RegisterNoResponder(htmlResponder(buildListingPage(tile{name: "A", price: "1"})))

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PagesRequested != 1 || result.TotalCount() != 1 {
		t.Fatalf("requested=%d products=%d, want 1/1", result.PagesRequested, result.TotalCount())
	}
}

func TestFetcherClassification(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		expected  string
	}{
		{
			name:      "timeout",
			responder: httpmock.NewErrorResponder(&net.DNSError{IsTimeout: true}),
			expected:  "timeout",
		},
		{
			name:      "http status",
			responder: httpmock.NewStringResponder(http.StatusServiceUnavailable, ""),
			expected:  "http_status",
		},
		{
			name:      "connection",
			responder: httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}),
			expected:  "connection",
		},
		{
			name:      "other",
			responder: httpmock.NewErrorResponder(errors.New("tls: bad record")),
			expected:  "other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			f := NewFetcher(cfg, NewMetrics())
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", pageURL(1), tt.responder)
			f.collector.WithTransport(transport)

			body, err := f.Fetch(context.Background(), cfg.PageRequest(1))
			if err == nil {
				t.Fatalf("expected error")
			}
			if body != "" {
				t.Fatalf("body = %q, want empty", body)
			}
			if got := errorTypeLabel(err); got != tt.expected {
				t.Fatalf("category = %q, want %q (err=%v)", got, tt.expected, err)
			}
		})
	}
}

func TestFetcherSetsUserAgent(t *testing.T) {
	cfg := testConfig(t)
	f := NewFetcher(cfg, NewMetrics())
	transport := httpmock.NewMockTransport()

	var agents []string
	transport.RegisterResponder("GET", pageURL(1), func(req *http.Request) (*http.Response, error) {
		agents = append(agents, req.Header.Get("User-Agent"))
		return httpmock.NewStringResponse(200, "<html></html>"), nil
	})
	f.collector.WithTransport(transport)

	const fetches = 20
	for i := 0; i < fetches; i++ {
		if _, err := f.Fetch(context.Background(), cfg.PageRequest(1)); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if len(agents) != fetches {
		t.Fatalf("requests = %d, want %d", len(agents), fetches)
	}

	distinct := make(map[string]struct{})
	for _, ua := range agents {
		if !strings.HasPrefix(ua, "Mozilla/") {
			t.Fatalf("unexpected user agent %q", ua)
		}
		if ua == cfg.UserAgent {
			t.Fatalf("request used the configured fallback user agent %q", ua)
		}
		distinct[ua] = struct{}{}
	}
	if len(distinct) < 2 {
		t.Fatalf("user agent never varied across %d requests: %q", fetches, agents[0])
	}
}

func TestFetcherAcceptsNonErrorStatuses(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusPartialContent} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			cfg := testConfig(t)
			f := NewFetcher(cfg, NewMetrics())
			transport := httpmock.NewMockTransport()
			page := buildListingPage(tile{name: "Card", price: "1₴"})
			transport.RegisterResponder("GET", pageURL(1), httpmock.NewStringResponder(status, page))
			f.collector.WithTransport(transport)

			body, err := f.Fetch(context.Background(), cfg.PageRequest(1))
			if err != nil {
				t.Fatalf("fetch with status %d: %v", status, err)
			}
			if body != page {
				t.Fatalf("body = %q, want listing page", body)
			}
		})
	}
}

func TestScraperKeepsNonAuthoritativePage(t *testing.T) {
	cfg := testConfig(t)
	s, transport, _ := newTestScraper(t, cfg)
	page := buildListingPage(tile{name: "Card", price: "1₴"})
	transport.RegisterResponder("GET", pageURL(1), httpmock.NewStringResponder(http.StatusNonAuthoritativeInfo, page))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.SkippedPages) != 0 {
		t.Fatalf("skipped pages = %v, want none", result.SkippedPages)
	}
	if result.TotalCount() != 1 {
		t.Fatalf("products = %d, want 1", result.TotalCount())
	}
}

func TestFetcherCancelledContext(t *testing.T) {
	cfg := testConfig(t)
	f := NewFetcher(cfg, NewMetrics())
	transport := httpmock.NewMockTransport()
	f.collector.WithTransport(transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, cfg.PageRequest(1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("no request should be issued")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "shop.example.test"}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: errors.New("Forbidden"), statusCode: http.StatusForbidden, expected: "http_status"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "http_status"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}
