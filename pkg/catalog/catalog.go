// Package catalog maps service identifiers to their price, description and the
// subnets that serve them. A Catalog is built once at startup and never mutated;
// it is passed by interface to the payment gateway and the fan-out engine.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrServiceNotFound is returned when a service id is not in the catalog.
	ErrServiceNotFound = errors.New("service not found")

	errEmptyID          = errors.New("empty id")
	errDuplicateID      = errors.New("duplicate id")
	errNonPositivePrice = errors.New("price per query must be positive")
	errNoSubnets        = errors.New("service has no subnets")
	errUnknownSubnet    = errors.New("unknown subnet")
)

// DefaultSubnets is the subnet set queried for services absent from the catalog.
var DefaultSubnets = []string{"subnet-1", "subnet-2"}

// Registry is the read-only view of the service catalog.
type Registry interface {
	// Services returns every service in insertion order.
	Services() []Service
	// Service looks up a service by exact id.
	Service(id string) (Service, bool)
	// Price returns the per-query price of a service.
	Price(id string) (decimal.Decimal, bool)
	// Subnets returns the subnet ids serving a service.
	Subnets(id string) ([]string, bool)
}

// Subnet is a known data source.
type Subnet struct {
	ID string `yaml:"id" json:"id"`
	// Endpoint is the base URL of a remote subnet node. Empty for simulated subnets.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Service describes one priced query service.
type Service struct {
	ID            string
	Name          string
	Description   string
	PricePerQuery decimal.Decimal
	Subnets       []string
}

// DisplayPrice renders the price the way it is shown to callers, e.g. "$0.01".
func (s Service) DisplayPrice() string {
	return "$" + s.PricePerQuery.String()
}

// MarshalJSON emits the public listing shape. Subnet routing is not exposed.
func (s Service) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		PricePerQuery string `json:"pricePerQuery"`
	}{s.ID, s.Name, s.Description, s.DisplayPrice()})
}

// Catalog is the immutable Registry implementation.
type Catalog struct {
	services []Service
	index    map[string]int
	subnets  []Subnet
}

var _ Registry = (*Catalog)(nil)

// New validates and builds a Catalog. Every subnet referenced by a service, and
// every entry of DefaultSubnets, must be declared in subnets.
func New(subnets []Subnet, services []Service) (*Catalog, error) {
	known := make(map[string]struct{}, len(subnets))
	for _, sn := range subnets {
		if sn.ID == "" {
			return nil, fmt.Errorf("subnet: %w", errEmptyID)
		}
		if _, dup := known[sn.ID]; dup {
			return nil, fmt.Errorf("%w: subnet %s", errDuplicateID, sn.ID)
		}
		known[sn.ID] = struct{}{}
	}
	for _, id := range DefaultSubnets {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("%w: default subnet %s", errUnknownSubnet, id)
		}
	}

	c := &Catalog{
		services: make([]Service, 0, len(services)),
		index:    make(map[string]int, len(services)),
		subnets:  append([]Subnet(nil), subnets...),
	}
	for _, svc := range services {
		if svc.ID == "" {
			return nil, fmt.Errorf("service: %w", errEmptyID)
		}
		if _, dup := c.index[svc.ID]; dup {
			return nil, fmt.Errorf("%w: service %s", errDuplicateID, svc.ID)
		}
		if !svc.PricePerQuery.IsPositive() {
			return nil, fmt.Errorf("%w: service %s", errNonPositivePrice, svc.ID)
		}
		if len(svc.Subnets) == 0 {
			return nil, fmt.Errorf("%w: service %s", errNoSubnets, svc.ID)
		}
		for _, id := range svc.Subnets {
			if _, ok := known[id]; !ok {
				return nil, fmt.Errorf("%w: %s referenced by service %s", errUnknownSubnet, id, svc.ID)
			}
		}
		svc.Subnets = append([]string(nil), svc.Subnets...)
		c.index[svc.ID] = len(c.services)
		c.services = append(c.services, svc)
	}
	return c, nil
}

// Services returns a copy of all services in insertion order.
func (c *Catalog) Services() []Service {
	out := make([]Service, len(c.services))
	for i, svc := range c.services {
		svc.Subnets = append([]string(nil), svc.Subnets...)
		out[i] = svc
	}
	return out
}

func (c *Catalog) Service(id string) (Service, bool) {
	i, ok := c.index[id]
	if !ok {
		return Service{}, false
	}
	svc := c.services[i]
	svc.Subnets = append([]string(nil), svc.Subnets...)
	return svc, true
}

func (c *Catalog) Price(id string) (decimal.Decimal, bool) {
	i, ok := c.index[id]
	if !ok {
		return decimal.Decimal{}, false
	}
	return c.services[i].PricePerQuery, true
}

func (c *Catalog) Subnets(id string) ([]string, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return append([]string(nil), c.services[i].Subnets...), true
}

// KnownSubnets returns every declared subnet.
func (c *Catalog) KnownSubnets() []Subnet {
	return append([]Subnet(nil), c.subnets...)
}

// Endpoints returns the endpoint URL of every subnet that declares one.
func (c *Catalog) Endpoints() map[string]string {
	out := make(map[string]string)
	for _, sn := range c.subnets {
		if sn.Endpoint != "" {
			out[sn.ID] = sn.Endpoint
		}
	}
	return out
}

// SubnetsOrDefault resolves the subnets for id, falling back to DefaultSubnets
// when the service is unknown. The fan-out path uses this so that queries for
// uncatalogued services still get a best-effort answer.
func SubnetsOrDefault(reg Registry, id string) []string {
	if subnets, ok := reg.Subnets(id); ok {
		return subnets
	}
	return append([]string(nil), DefaultSubnets...)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	subnets := make([]Subnet, 0, 9)
	for i := 1; i <= 9; i++ {
		subnets = append(subnets, Subnet{ID: fmt.Sprintf("subnet-%d", i)})
	}
	c, err := New(subnets, []Service{
		{
			ID:            "general",
			Name:          "General Knowledge",
			Description:   "Broad domain knowledge base",
			PricePerQuery: decimal.RequireFromString("0.01"),
			Subnets:       []string{"subnet-1", "subnet-2", "subnet-5"},
		},
		{
			ID:            "scientific",
			Name:          "Scientific Papers",
			Description:   "Academic research and citations",
			PricePerQuery: decimal.RequireFromString("0.02"),
			Subnets:       []string{"subnet-3", "subnet-7"},
		},
		{
			ID:            "code",
			Name:          "Code & Documentation",
			Description:   "Programming resources",
			PricePerQuery: decimal.RequireFromString("0.015"),
			Subnets:       []string{"subnet-4", "subnet-6"},
		},
		{
			ID:            "financial",
			Name:          "Financial Data",
			Description:   "Market data and financial reports",
			PricePerQuery: decimal.RequireFromString("0.025"),
			Subnets:       []string{"subnet-8", "subnet-9"},
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
