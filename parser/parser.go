package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
)

const (
	srcAttr       = "src"
	lazySrcAttr   = "data-src"
	dataURIScheme = "data:"
)

// ImageSaver downloads a product image and reports where it was stored. imageURL is
// empty when the tile has no usable source; the saver then returns the zero ImageRef.
type ImageSaver interface {
	Retrieve(ctx context.Context, imageURL, productName string) models.ImageRef
}

// Cell is one selected element reduced to the values the parser needs.
type Cell struct {
	Text     string
	ImageURL string
}

// Row pairs the i-th cell of each selected list.
type Row struct {
	Name         Cell
	Price        Cell
	Availability Cell
	Image        Cell
}

// Parser turns a listing page into products.
type Parser struct {
	selectors config.Selectors
	images    ImageSaver
	now       func() time.Time
}

// NewParser builds a parser for the given selectors. images may be nil, in which
// case no download is attempted and every product keeps the no-image sentinel.
func NewParser(selectors config.Selectors, images ImageSaver) *Parser {
	return &Parser{
		selectors: selectors,
		images:    images,
		now:       time.Now,
	}
}

// Parse extracts one product per aligned row of the page. It fails only when the
// document cannot be read.
func (p *Parser) Parse(ctx context.Context, pageURL, html string) ([]*models.Product, error) {
	rows, err := p.Rows(pageURL, html)
	if err != nil {
		return nil, err
	}

	scrapedAt := p.now()
	products := make([]*models.Product, 0, len(rows))
	for _, row := range rows {
		product := &models.Product{
			Name:         models.Text(row.Name.Text),
			Price:        models.Text(row.Price.Text),
			Availability: models.Text(row.Availability.Text),
			PageURL:      pageURL,
			ScrapedAt:    scrapedAt,
		}
		product.Image = p.resolveImage(ctx, row.Image.ImageURL, product.Name)
		products = append(products, product)
	}
	return products, nil
}

// Rows selects the four field lists and aligns them without touching the network.
func (p *Parser) Rows(pageURL, html string) ([]Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, _ := url.Parse(pageURL)

	names := selectText(doc, p.selectors.Name)
	prices := selectText(doc, p.selectors.Price)
	availability := selectText(doc, p.selectors.Availability)
	images := selectImages(doc, p.selectors.Image, base)

	if n, pr, a, im := len(names), len(prices), len(availability), len(images); n != pr || n != a || n != im {
		slog.Debug("selected lists differ in length, truncating",
			slog.String("url", pageURL),
			slog.Int("names", n),
			slog.Int("prices", pr),
			slog.Int("availability", a),
			slog.Int("images", im),
		)
	}

	return AlignRows(names, prices, availability, images), nil
}

// AlignRows pairs the lists by position and stops at the shortest one. Surplus
// entries of longer lists are dropped, so a missing element shifts every later row.
func AlignRows(names, prices, availability, images []Cell) []Row {
	n := min(len(names), len(prices), len(availability), len(images))
	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		rows[i] = Row{
			Name:         names[i],
			Price:        prices[i],
			Availability: availability[i],
			Image:        images[i],
		}
	}
	return rows
}

func (p *Parser) resolveImage(ctx context.Context, imageURL string, name models.Field) models.ImageRef {
	if p.images == nil {
		return models.ImageRef{}
	}
	return p.images.Retrieve(ctx, imageURL, name.String())
}

func selectText(doc *goquery.Document, selector string) []Cell {
	sel := doc.Find(selector)
	cells := make([]Cell, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		cells = append(cells, Cell{Text: strings.TrimSpace(s.Text())})
	})
	return cells
}

func selectImages(doc *goquery.Document, selector string, base *url.URL) []Cell {
	sel := doc.Find(selector)
	cells := make([]Cell, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		cells = append(cells, Cell{ImageURL: ImageSource(s, base)})
	})
	return cells
}

// ImageSource returns the absolute image URL of an img element, trying src and then
// the lazy-load data-src attribute. Inline data: placeholders are not usable sources.
// It returns "" when neither attribute holds a usable value.
func ImageSource(s *goquery.Selection, base *url.URL) string {
	for _, attr := range []string{srcAttr, lazySrcAttr} {
		value, ok := s.Attr(attr)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || strings.HasPrefix(value, dataURIScheme) {
			continue
		}
		return absoluteURL(base, value)
	}
	return ""
}

func absoluteURL(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
