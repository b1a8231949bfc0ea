package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
)

const imageExt = ".jpg"

var pathSeparators = strings.NewReplacer("/", "_", "\\", "_")

// SanitizeFilename replaces path separators in a product name so it can be used
// as a single file name.
func SanitizeFilename(name string) string {
	return pathSeparators.Replace(name)
}

// ImageRetriever downloads product images into a single directory, one file per
// sanitized product name. Names that sanitize identically overwrite each other.
type ImageRetriever struct {
	collector *colly.Collector
	dir       string
	metrics   *Metrics

	// target path -> URL last written there during this run
	written *lru.Cache[string, string]
}

// NewImageRetriever creates the image directory if needed.
func NewImageRetriever(cfg *config.Config, metrics *Metrics) (*ImageRetriever, error) {
	if err := os.MkdirAll(cfg.ImageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory %q: %w", cfg.ImageDir, err)
	}

	var written *lru.Cache[string, string]
	if cfg.ImageCache > 0 {
		cache, err := lru.New[string, string](cfg.ImageCache)
		if err != nil {
			return nil, fmt.Errorf("create image cache: %w", err)
		}
		written = cache
	}

	collector := newCollector(cfg)
	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, r.Body)
	})
	collector.OnError(func(r *colly.Response, _ error) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
	})

	return &ImageRetriever{
		collector: collector,
		dir:       cfg.ImageDir,
		metrics:   metrics,
		written:   written,
	}, nil
}

// Path returns where the image of productName is stored.
func (ir *ImageRetriever) Path(productName string) string {
	return filepath.Join(ir.dir, SanitizeFilename(productName)+imageExt)
}

// Retrieve downloads imageURL and stores it under the product's file name. Any
// failure is logged and yields the no-image reference.
func (ir *ImageRetriever) Retrieve(ctx context.Context, imageURL, productName string) models.ImageRef {
	if imageURL == "" {
		slog.Warn("image source missing", slog.String("product", productName))
		ir.metrics.IncImage("missing")
		return models.ImageRef{}
	}

	target := ir.Path(productName)
	if ir.written != nil {
		if last, ok := ir.written.Get(target); ok && last == imageURL {
			ir.metrics.IncImage("cached")
			return models.ImageAt(target)
		}
	}

	data, err := ir.download(ctx, imageURL)
	if err != nil {
		category := errorTypeLabel(err)
		ir.metrics.IncError(category)
		ir.metrics.IncImage("failed")
		slog.Error("failed to download image",
			slog.String("url", imageURL),
			slog.String("product", productName),
			slog.String("category", category),
			slog.Any("error", err),
		)
		return models.ImageRef{}
	}

	if err := ir.save(target, data); err != nil {
		ir.metrics.IncError("filesystem")
		ir.metrics.IncImage("failed")
		slog.Error("failed to save image",
			slog.String("path", target),
			slog.String("product", productName),
			slog.Any("error", err),
		)
		return models.ImageRef{}
	}

	if ir.written != nil {
		ir.written.Add(target, imageURL)
	}
	ir.metrics.IncImage("saved")
	slog.Info("downloaded image", slog.String("product", productName), slog.String("path", target))
	return models.ImageAt(target)
}

func (ir *ImageRetriever) download(ctx context.Context, imageURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cctx := colly.NewContext()
	start := time.Now()
	ir.metrics.IncRequest("image")
	err := ir.collector.Request(http.MethodGet, imageURL, nil, cctx, nil)
	ir.metrics.ObserveDuration("image", time.Since(start))
	if err := requestError(err, cctx); err != nil {
		return nil, err
	}

	data, _ := cctx.GetAny(ctxBody).([]byte)
	return data, nil
}

// save writes through a temp file in the same directory and renames it over the
// target, replacing any existing file.
func (ir *ImageRetriever) save(target string, data []byte) error {
	tmp, err := os.CreateTemp(ir.dir, ".image-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write image data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temporary file: %w", closeErr)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temporary file: %w", err)
	}
	return nil
}
