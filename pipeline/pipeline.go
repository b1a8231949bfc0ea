// Package pipeline exports scraped products to CSV and JSON lines files.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(products []*models.Product) error
	Close() error
	Validate() error
}

// Pipeline buffers products and hands them to the writer in batches. It runs on
// the caller's goroutine; nothing is written concurrently.
type Pipeline struct {
	writer    OutputWriter
	batchSize int
	batch     []*models.Product

	metrics metrics

	closed bool
	err    error
}

// NewPipeline builds a pipeline flushing every batchSize products.
func NewPipeline(writer OutputWriter, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Pipeline{
		writer:    writer,
		batchSize: batchSize,
		batch:     make([]*models.Product, 0, batchSize),
		metrics:   newMetrics(),
	}
}

// Process appends products and flushes every full batch.
func (p *Pipeline) Process(products ...*models.Product) error {
	if p.closed {
		return ErrPipelineClosed
	}
	if p.err != nil {
		return p.err
	}

	for _, product := range products {
		if product == nil {
			p.metrics.addValidation("invalid_record")
			continue
		}
		if err := parser.ValidateProduct(product); err != nil {
			p.metrics.addValidation("incomplete_record")
			slog.Debug("incomplete product", slog.Any("reason", err))
		}
		p.batch = append(p.batch, product)
		p.metrics.incrementProcessed()
		if len(p.batch) >= p.batchSize {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes the remaining products and closes the writer.
func (p *Pipeline) Close() error {
	if p.closed {
		return p.err
	}
	p.closed = true

	flushErr := p.flush()
	closeErr := p.writer.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		p.err = fmt.Errorf("close writer: %w", closeErr)
	}
	return p.err
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

func (p *Pipeline) flush() error {
	if p.err != nil {
		return p.err
	}
	if len(p.batch) == 0 {
		return nil
	}
	if err := p.writer.Write(p.batch); err != nil {
		p.err = fmt.Errorf("write batch: %w", err)
		return p.err
	}
	p.batch = p.batch[:0]
	return nil
}

// metrics is owned by the goroutine driving the pipeline.
type metrics struct {
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.processed++
}

func (m *metrics) addValidation(kind string) {
	m.validation[kind]++
}

func (m *metrics) snapshot() map[string]interface{} {
	return map[string]interface{}{
		"processed_products": m.processed,
		"validation_errors":  maps.Clone(m.validation),
	}
}
