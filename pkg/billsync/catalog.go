package billsync

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type planKey struct {
	planID   string
	interval Interval
}

// Catalog is the read-only plan price list.
// It is safe for concurrent use because it is never mutated after construction.
type Catalog struct {
	prices  map[planKey]PlanPrice
	byPrice map[string]PlanPrice
}

// NewCatalog validates and indexes the given prices
func NewCatalog(prices ...PlanPrice) (*Catalog, error) {
	c := &Catalog{
		prices:  make(map[planKey]PlanPrice, len(prices)),
		byPrice: make(map[string]PlanPrice, len(prices)),
	}

	for _, p := range prices {
		p.PlanID = strings.TrimSpace(p.PlanID)
		p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))

		if p.PlanID == "" {
			return nil, fmt.Errorf("%w: empty plan id", ErrInvalidCatalog)
		}
		if !p.Interval.Valid() {
			return nil, fmt.Errorf("%w: plan %s has invalid interval %q", ErrInvalidCatalog, p.PlanID, p.Interval)
		}
		if p.AmountMinorUnits < 0 {
			return nil, fmt.Errorf("%w: plan %s/%s has negative amount", ErrInvalidCatalog, p.PlanID, p.Interval)
		}
		if p.Currency == "" {
			return nil, fmt.Errorf("%w: plan %s/%s has no currency", ErrInvalidCatalog, p.PlanID, p.Interval)
		}

		key := planKey{planID: p.PlanID, interval: p.Interval}
		if _, dup := c.prices[key]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %s/%s", ErrInvalidCatalog, p.PlanID, p.Interval)
		}
		c.prices[key] = p

		if p.ProviderPriceID != "" {
			if _, dup := c.byPrice[p.ProviderPriceID]; dup {
				return nil, fmt.Errorf("%w: provider price %s mapped twice", ErrInvalidCatalog, p.ProviderPriceID)
			}
			c.byPrice[p.ProviderPriceID] = p
		}
	}

	return c, nil
}

type catalogFile struct {
	Plans []PlanPrice `yaml:"plans"`
}

// LoadCatalog reads a YAML plan file of the form:
//
//	plans:
//	  - plan_id: pro
//	    interval: monthly
//	    amount_minor_units: 4900
//	    currency: usd
//	    provider_price_id: price_pro_monthly
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return NewCatalog(f.Plans...)
}

// PriceFor returns the price for a plan and interval
func (c *Catalog) PriceFor(planID string, interval Interval) (PlanPrice, error) {
	p, ok := c.prices[planKey{planID: strings.TrimSpace(planID), interval: interval}]
	if !ok {
		return PlanPrice{}, fmt.Errorf("%w: %s/%s", ErrUnknownPlan, planID, interval)
	}
	return p, nil
}

// PlanForPrice resolves a provider price id back to its catalog entry
func (c *Catalog) PlanForPrice(providerPriceID string) (PlanPrice, bool) {
	p, ok := c.byPrice[providerPriceID]
	return p, ok
}

// Plans returns all prices sorted by plan id then interval
func (c *Catalog) Plans() []PlanPrice {
	out := make([]PlanPrice, 0, len(c.prices))
	for _, p := range c.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].Interval < out[j].Interval
	})
	return out
}
