package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/aluiziolira/go-scrape-products/models"
)

// PagePlaceholder marks where the page index goes in URLTemplate.
const PagePlaceholder = "{page}"

// Selectors holds the CSS selectors used to locate product fields on a listing page.
type Selectors struct {
	Name         string `mapstructure:"name"`
	Price        string `mapstructure:"price"`
	Availability string `mapstructure:"availability"`
	Image        string `mapstructure:"image"`
}

// Config holds scraper configuration.
type Config struct {
	URLTemplate  string        `mapstructure:"url"`
	NumPages     int           `mapstructure:"num_pages"`
	Delay        time.Duration `mapstructure:"delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
	OutputFile   string        `mapstructure:"output"`
	OutputFormat string        `mapstructure:"format"` // csv, json, or dual
	ImageDir     string        `mapstructure:"images_dir"`
	ImageCache   int           `mapstructure:"image_cache"`
	BatchSize    int           `mapstructure:"batch_size"`
	UserAgent    string        `mapstructure:"user_agent"`
	Selectors    Selectors     `mapstructure:"selectors"`
	LogFile      string        `mapstructure:"log_file"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	Verbose      bool          `mapstructure:"verbose"`
}

// DefaultSelectors returns the selectors for the Rozetka listing markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Name:         "span.goods-tile__title",
		Price:        ".goods-tile__price-value",
		Availability: ".goods-tile__availability.goods-tile__availability--available.ng-star-inserted",
		Image:        "img.ng-lazyloaded, img.lazy_img_hover",
	}
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		URLTemplate:  "https://hard.rozetka.com.ua/videocards/c80087/page={page};21330=geforce-rtx-3080/",
		NumPages:     2,
		Delay:        2 * time.Second,
		Timeout:      10 * time.Second,
		OutputFile:   "product.csv",
		OutputFormat: "csv",
		ImageDir:     "images",
		ImageCache:   1024,
		BatchSize:    64,
		UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Selectors:    DefaultSelectors(),
		Verbose:      false,
	}
}

// Load layers environment variables (prefix SCRAPER_) and an optional config file
// over DefaultConfig. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsDurationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsDurationHook decodes durations the way the CLI flags read them: a bare
// number is seconds, anything else must parse as a Go duration ("500ms", "1m").
func secondsDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}

	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	case reflect.String:
		s := strings.TrimSpace(reflect.ValueOf(data).String())
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return d, nil
	}
	return data, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("url", cfg.URLTemplate)
	v.SetDefault("num_pages", cfg.NumPages)
	v.SetDefault("delay", cfg.Delay)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("output", cfg.OutputFile)
	v.SetDefault("format", cfg.OutputFormat)
	v.SetDefault("images_dir", cfg.ImageDir)
	v.SetDefault("image_cache", cfg.ImageCache)
	v.SetDefault("batch_size", cfg.BatchSize)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("selectors.name", cfg.Selectors.Name)
	v.SetDefault("selectors.price", cfg.Selectors.Price)
	v.SetDefault("selectors.availability", cfg.Selectors.Availability)
	v.SetDefault("selectors.image", cfg.Selectors.Image)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("verbose", cfg.Verbose)
}

// PageURL fills the template placeholder with the page index.
func (c *Config) PageURL(index int) string {
	return strings.ReplaceAll(c.URLTemplate, PagePlaceholder, strconv.Itoa(index))
}

// PageRequest returns the request for the 1-based page index.
func (c *Config) PageRequest(index int) models.PageRequest {
	return models.PageRequest{Index: index, URL: c.PageURL(index)}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.URLTemplate == "" {
		return fmt.Errorf("url template cannot be empty")
	}
	if !strings.Contains(c.URLTemplate, PagePlaceholder) {
		return fmt.Errorf("url template must contain %s", PagePlaceholder)
	}

	parsedURL, err := url.Parse(c.PageURL(1))
	if err != nil {
		return fmt.Errorf("invalid url template: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("url template must include a host")
	}

	if c.NumPages <= 0 {
		return fmt.Errorf("num pages must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.ImageDir == "" {
		return fmt.Errorf("images dir cannot be empty")
	}
	if c.ImageCache < 0 {
		return fmt.Errorf("image cache cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Selectors.Name == "" || c.Selectors.Price == "" || c.Selectors.Availability == "" || c.Selectors.Image == "" {
		return fmt.Errorf("selectors cannot be empty")
	}

	return nil
}
