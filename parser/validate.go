package parser

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-products/models"
)

// ValidateProduct reports which scraped fields fell back to a sentinel.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}

	var missing []string
	if !p.Name.Present() {
		missing = append(missing, "name")
	}
	if !p.Price.Present() {
		missing = append(missing, "price")
	}
	if !p.Availability.Present() {
		missing = append(missing, "availability")
	}
	if !p.Image.Present() {
		missing = append(missing, "image")
	}
	if len(missing) > 0 {
		return fmt.Errorf("product %s missing %s", p.Name, strings.Join(missing, ", "))
	}
	return nil
}
