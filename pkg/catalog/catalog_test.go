package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ListsServicesInOrder(t *testing.T) {
	c := Default()

	services := c.Services()
	require.Len(t, services, 4)

	ids := make([]string, len(services))
	for i, s := range services {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"general", "scientific", "code", "financial"}, ids)
}

func TestDefault_Lookups(t *testing.T) {
	c := Default()

	svc, ok := c.Service("general")
	require.True(t, ok)
	assert.Equal(t, "General Knowledge", svc.Name)

	price, ok := c.Price("code")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("0.015")))

	subnets, ok := c.Subnets("general")
	require.True(t, ok)
	assert.Equal(t, []string{"subnet-1", "subnet-2", "subnet-5"}, subnets)
}

func TestDefault_Miss(t *testing.T) {
	c := Default()

	_, ok := c.Service("bogus")
	assert.False(t, ok)
	_, ok = c.Price("bogus")
	assert.False(t, ok)
	_, ok = c.Subnets("bogus")
	assert.False(t, ok)
}

func TestSubnetsOrDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, []string{"subnet-3", "subnet-7"}, SubnetsOrDefault(c, "scientific"))
	assert.Equal(t, DefaultSubnets, SubnetsOrDefault(c, "bogus"))
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	c := Default()

	subnets, _ := c.Subnets("general")
	subnets[0] = "mutated"

	fresh, _ := c.Subnets("general")
	assert.Equal(t, "subnet-1", fresh[0])

	fallback := SubnetsOrDefault(c, "bogus")
	fallback[0] = "mutated"
	assert.Equal(t, "subnet-1", DefaultSubnets[0])
}

func TestNew_Validation(t *testing.T) {
	base := []Subnet{{ID: "subnet-1"}, {ID: "subnet-2"}}
	price := decimal.RequireFromString("0.01")

	tests := []struct {
		name     string
		subnets  []Subnet
		services []Service
		wantErr  error
	}{
		{
			name:     "unknown subnet",
			subnets:  base,
			services: []Service{{ID: "a", PricePerQuery: price, Subnets: []string{"subnet-9"}}},
			wantErr:  errUnknownSubnet,
		},
		{
			name:     "duplicate service",
			subnets:  base,
			services: []Service{{ID: "a", PricePerQuery: price, Subnets: []string{"subnet-1"}}, {ID: "a", PricePerQuery: price, Subnets: []string{"subnet-1"}}},
			wantErr:  errDuplicateID,
		},
		{
			name:     "zero price",
			subnets:  base,
			services: []Service{{ID: "a", PricePerQuery: decimal.Zero, Subnets: []string{"subnet-1"}}},
			wantErr:  errNonPositivePrice,
		},
		{
			name:     "no subnets",
			subnets:  base,
			services: []Service{{ID: "a", PricePerQuery: price}},
			wantErr:  errNoSubnets,
		},
		{
			name:    "default subnets undeclared",
			subnets: []Subnet{{ID: "subnet-1"}},
			wantErr: errUnknownSubnet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.subnets, tt.services)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_MarshalJSON(t *testing.T) {
	svc, _ := Default().Service("financial")

	raw, err := json.Marshal(svc)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "$0.025", got["pricePerQuery"])
	assert.Equal(t, "financial", got["id"])
	assert.NotContains(t, got, "subnets")
}

func TestLoadFile(t *testing.T) {
	doc := `
subnets:
  - id: subnet-1
  - id: subnet-2
    endpoint: http://localhost:7002
services:
  - id: legal
    name: Legal
    description: Case law
    price_per_query: "$0.05"
    subnets: [subnet-2]
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)

	price, ok := c.Price("legal")
	require.True(t, ok)
	assert.Equal(t, "0.05", price.String())
	assert.Equal(t, map[string]string{"subnet-2": "http://localhost:7002"}, c.Endpoints())
}

func TestParse_BadPrice(t *testing.T) {
	_, err := Parse([]byte(`
subnets: [{id: subnet-1}, {id: subnet-2}]
services:
  - id: x
    price_per_query: free
    subnets: [subnet-1]
`))
	require.Error(t, err)
}
