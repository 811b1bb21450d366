package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrProfileNotFound = errors.New("profile not found")

// Profile is a named set of crawl parameters. Zero fields leave the
// environment value in place.
type Profile struct {
	Query      string   `yaml:"query"`
	CategoryID string   `yaml:"category_id"`
	State      string   `yaml:"state"`
	PriceFrom  *float64 `yaml:"price_from"`
	PriceTo    *float64 `yaml:"price_to"`
	Target     int      `yaml:"target"`
	MaxResults int      `yaml:"max_results"`
	PageSize   int      `yaml:"page_size"`
	Workers    int      `yaml:"workers"`
}

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfile reads the named profile from a YAML file of the form
//
//	profiles:
//	  ebikes:
//	    query: rowery elektryczne
//	    category_id: "767"
func LoadProfile(path, name string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles %s: %w", path, err)
	}

	p, ok := file.Profiles[name]
	if !ok {
		names := make([]string, 0, len(file.Profiles))
		for n := range file.Profiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrProfileNotFound, name, names)
	}

	return &p, nil
}

// Apply overlays the profile onto c.
func (p *Profile) Apply(c *CrawlConfig) {
	if p.Query != "" {
		c.Query = p.Query
	}
	if p.CategoryID != "" {
		c.CategoryID = p.CategoryID
	}
	if p.State != "" {
		c.State = p.State
	}
	if p.PriceFrom != nil {
		c.PriceFrom = decimal.NewNullDecimal(decimal.NewFromFloat(*p.PriceFrom))
	}
	if p.PriceTo != nil {
		c.PriceTo = decimal.NewNullDecimal(decimal.NewFromFloat(*p.PriceTo))
	}
	if p.Target > 0 {
		c.Target = p.Target
	}
	if p.MaxResults > 0 {
		c.MaxResults = p.MaxResults
	}
	if p.PageSize > 0 {
		c.PageSize = p.PageSize
	}
	if p.Workers > 0 {
		c.Workers = p.Workers
	}
}
