package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-products/models"
)

// CSVHeader is the header row of the CSV output.
var CSVHeader = []string{"Product_name", "Price", "Availability", "Image_Filename"}

// sink owns an output file truncated on creation and buffered until close.
type sink struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
}

func openSink(path string) (*sink, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	return &sink{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

func (s *sink) close() error {
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", filepath.Base(s.path), flushErr)
	}
	return closeErr
}

func (s *sink) stat() (os.FileInfo, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat output: %w", err)
	}
	return info, nil
}

// CSVWriter writes one row per product below a fixed header.
type CSVWriter struct {
	*sink
	rows *csv.Writer
}

// NewCSVWriter creates the file, replacing any previous content, and writes the header.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	s, err := openSink(filename)
	if err != nil {
		return nil, err
	}
	cw := &CSVWriter{sink: s, rows: csv.NewWriter(s.buf)}
	if err := cw.rows.Write(CSVHeader); err != nil {
		s.file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return cw, nil
}

func csvRecord(p *models.Product) []string {
	return []string{p.Name.String(), p.Price.String(), p.Availability.String(), p.Image.String()}
}

// Write appends products, rendering absent fields as their sentinel text.
func (cw *CSVWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, p := range products {
		if err := cw.rows.Write(csvRecord(p)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.rows.Flush()
	if err := cw.rows.Error(); err != nil {
		return fmt.Errorf("flush csv rows: %w", err)
	}
	return cw.buf.Flush()
}

// Close flushes buffered rows and closes the file.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.rows.Flush()
	return errors.Join(cw.rows.Error(), cw.close())
}

// Validate reports an error when the file is missing or empty. It may be called after Close.
func (cw *CSVWriter) Validate() error {
	info, err := cw.stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("csv output is empty")
	}
	return nil
}

// JSONWriter writes one JSON object per line.
type JSONWriter struct {
	*sink
	enc *json.Encoder
}

// NewJSONWriter creates the file, replacing any previous content.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	s, err := openSink(filename)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{sink: s, enc: json.NewEncoder(s.buf)}, nil
}

func (jw *JSONWriter) Write(products []*models.Product) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, p := range products {
		if err := jw.enc.Encode(p); err != nil {
			return fmt.Errorf("encode product: %w", err)
		}
	}
	return jw.buf.Flush()
}

func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.close()
}

// Validate only checks the file exists; zero products is a valid run.
func (jw *JSONWriter) Validate() error {
	_, err := jw.stat()
	return err
}
