package payment

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
)

// Package is a purchasable bundle of credits.
type Package struct {
	Code       string
	Credits    ledger.PositiveCredits
	PriceCents int64
}

// Catalog resolves package codes.
type Catalog struct {
	packages map[string]Package
}

// NewCatalog indexes packages by code.
func NewCatalog(packages []Package) (Catalog, error) {
	indexed := make(map[string]Package, len(packages))
	for _, creditPackage := range packages {
		code := strings.ToLower(strings.TrimSpace(creditPackage.Code))
		if code == "" {
			return Catalog{}, fmt.Errorf("%w: empty code", ErrInvalidPackage)
		}
		if creditPackage.Credits <= 0 || creditPackage.PriceCents <= 0 {
			return Catalog{}, fmt.Errorf("%w: %s must have positive credits and price", ErrInvalidPackage, code)
		}
		if _, exists := indexed[code]; exists {
			return Catalog{}, fmt.Errorf("%w: duplicate code %s", ErrInvalidPackage, code)
		}
		creditPackage.Code = code
		indexed[code] = creditPackage
	}
	return Catalog{packages: indexed}, nil
}

// ParseCatalog reads "code:credits:price_cents" items separated by commas.
func ParseCatalog(raw string) (Catalog, error) {
	var packages []Package
	for _, item := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 3 {
			return Catalog{}, fmt.Errorf("%w: %q", ErrInvalidPackage, trimmed)
		}
		credits, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return Catalog{}, fmt.Errorf("%w: credits of %q: %v", ErrInvalidPackage, trimmed, err)
		}
		priceCents, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return Catalog{}, fmt.Errorf("%w: price of %q: %v", ErrInvalidPackage, trimmed, err)
		}
		packages = append(packages, Package{Code: parts[0], Credits: ledger.PositiveCredits(credits), PriceCents: priceCents})
	}
	return NewCatalog(packages)
}

// Lookup returns the package registered under code.
func (catalog Catalog) Lookup(code string) (Package, error) {
	creditPackage, ok := catalog.packages[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrUnknownPackage, code)
	}
	return creditPackage, nil
}

// Packages lists the catalog ordered by price.
func (catalog Catalog) Packages() []Package {
	packages := make([]Package, 0, len(catalog.packages))
	for _, creditPackage := range catalog.packages {
		packages = append(packages, creditPackage)
	}
	sort.Slice(packages, func(left, right int) bool {
		if packages[left].PriceCents == packages[right].PriceCents {
			return packages[left].Code < packages[right].Code
		}
		return packages[left].PriceCents < packages[right].PriceCents
	})
	return packages
}
