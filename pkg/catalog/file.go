package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML layout of a catalog.
//
//	subnets:
//	  - id: subnet-1
//	    endpoint: http://localhost:7001
//	services:
//	  - id: general
//	    name: General Knowledge
//	    description: Broad domain knowledge base
//	    price_per_query: "0.01"
//	    subnets: [subnet-1]
type File struct {
	Subnets  []Subnet      `yaml:"subnets"`
	Services []ServiceFile `yaml:"services"`
}

// ServiceFile is one service entry of a catalog file.
type ServiceFile struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	PricePerQuery string   `yaml:"price_per_query"`
	Subnets       []string `yaml:"subnets"`
}

// LoadFile reads and validates a YAML catalog.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	services := make([]Service, 0, len(f.Services))
	for _, s := range f.Services {
		// "$0.01" and "0.01" are both accepted.
		price, err := decimal.NewFromString(strings.TrimPrefix(s.PricePerQuery, "$"))
		if err != nil {
			return nil, fmt.Errorf("service %s: price %q: %w", s.ID, s.PricePerQuery, err)
		}
		services = append(services, Service{
			ID:            s.ID,
			Name:          s.Name,
			Description:   s.Description,
			PricePerQuery: price,
			Subnets:       s.Subnets,
		})
	}
	return New(f.Subnets, services)
}
