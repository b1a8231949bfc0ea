// Package models defines data structures for the scraper.
package models

import (
	"strings"
	"time"
)

const (
	// NotAvailable is rendered for a text field that could not be extracted.
	NotAvailable = "N/A"
	// NoImage is rendered for a product whose image was missing or failed to download.
	NoImage = "No Image"
)

// Field is a best-effort text value scraped from a page. The zero value is absent.
type Field struct {
	value string
	ok    bool
}

// Text returns s trimmed as a present field. An element that exists but holds no
// text stays present with an empty value; only the zero Field renders as N/A.
func Text(s string) Field {
	return Field{value: strings.TrimSpace(s), ok: true}
}

// Value returns the text and whether it was present.
func (f Field) Value() (string, bool) {
	return f.value, f.ok
}

// Present reports whether the field holds scraped text.
func (f Field) Present() bool {
	return f.ok
}

func (f Field) String() string {
	if !f.ok {
		return NotAvailable
	}
	return f.value
}

// MarshalText renders the field with its sentinel so JSON output matches the CSV.
func (f Field) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ImageRef points at a downloaded image on disk. The zero value means no image.
type ImageRef struct {
	path string
}

// ImageAt returns a reference to a stored image file.
func ImageAt(path string) ImageRef {
	return ImageRef{path: path}
}

// Path returns the file path and whether an image was stored.
func (r ImageRef) Path() (string, bool) {
	return r.path, r.path != ""
}

// Present reports whether an image was stored.
func (r ImageRef) Present() bool {
	return r.path != ""
}

func (r ImageRef) String() string {
	if r.path == "" {
		return NoImage
	}
	return r.path
}

// MarshalText renders the reference with its sentinel.
func (r ImageRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// PageRequest identifies one listing page of a run.
type PageRequest struct {
	Index int
	URL   string
}

// Product is one aligned row of a listing page.
type Product struct {
	Name         Field     `csv:"Product_name" json:"product_name"`
	Price        Field     `csv:"Price" json:"price"`
	Availability Field     `csv:"Availability" json:"availability"`
	Image        ImageRef  `csv:"Image_Filename" json:"image_filename"`
	PageURL      string    `csv:"-" json:"page_url"`
	ScrapedAt    time.Time `csv:"-" json:"scraped_at"`
}

// Complete reports whether every scraped field is present.
func (p *Product) Complete() bool {
	return p.Name.Present() && p.Price.Present() && p.Availability.Present() && p.Image.Present()
}

// ScraperResult holds the overall result of a scraping operation
type ScraperResult struct {
	Products       []*Product
	StartTime      time.Time
	EndTime        time.Time
	PagesRequested int
	PagesFetched   int
	SkippedPages   []int
	FailedURLs     []string
	ErrorsByType   map[string]int
	ImagesSaved    int
	ImagesMissing  int
}

// TotalCount returns the number of accumulated products.
func (r *ScraperResult) TotalCount() int {
	return len(r.Products)
}
