package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Plan describes a purchasable subscription tier. ProviderPriceID is
// the provider-side price reference the plan bills against.
type Plan struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description,omitempty" yaml:"description"`
	Price           Money           `json:"price" yaml:"price"`
	Interval        BillingInterval `json:"interval" yaml:"interval"`
	ProviderPriceID string          `json:"-" yaml:"provider_price_id"`
	TrialDays       int             `json:"trial_days,omitempty" yaml:"trial_days"`
	Features        []string        `json:"features,omitempty" yaml:"features"`
}

// PlanSource supplies the plan set at startup. Implementations load
// from static configuration; the catalog does not reload at runtime.
type PlanSource interface {
	Load(ctx context.Context) ([]Plan, error)
}

// Catalog is an immutable, validated index over the configured plans.
// It resolves plans both by plan ID and by provider price reference.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]string
	ordered []string
}

// NewCatalog loads plans from src and validates them. Plan IDs and
// provider price references must be unique across the set.
func NewCatalog(ctx context.Context, src PlanSource) (*Catalog, error) {
	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}
	if len(plans) == 0 {
		return nil, errors.Join(ErrInvalidPlanConfiguration, errors.New("no plans configured"))
	}

	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string, len(plans)),
	}
	for _, p := range plans {
		if err := validatePlan(p); err != nil {
			return nil, errors.Join(ErrInvalidPlanConfiguration, err)
		}
		if _, ok := c.plans[p.ID]; ok {
			return nil, errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("duplicate plan id %q", p.ID))
		}
		if owner, ok := c.byPrice[p.ProviderPriceID]; ok {
			return nil, errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("price %q is shared by plans %q and %q", p.ProviderPriceID, owner, p.ID))
		}
		c.plans[p.ID] = p
		c.byPrice[p.ProviderPriceID] = p.ID
		c.ordered = append(c.ordered, p.ID)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.plans[c.ordered[i]].Price.Amount < c.plans[c.ordered[j]].Price.Amount
	})
	return c, nil
}

func validatePlan(p Plan) error {
	switch {
	case p.ID == "":
		return errors.New("plan id is required")
	case p.Name == "":
		return fmt.Errorf("plan %q: name is required", p.ID)
	case p.ProviderPriceID == "":
		return fmt.Errorf("plan %q: provider price id is required", p.ID)
	case p.Price.Amount <= 0:
		return fmt.Errorf("plan %q: price must be positive", p.ID)
	case p.Price.Currency == "":
		return fmt.Errorf("plan %q: currency is required", p.ID)
	case p.Interval != IntervalMonth && p.Interval != IntervalYear:
		return fmt.Errorf("plan %q: unsupported interval %q", p.ID, p.Interval)
	case p.TrialDays < 0:
		return fmt.Errorf("plan %q: trial days must not be negative", p.ID)
	}
	return nil
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// ByProviderRef resolves a plan by its provider price reference. Used
// when projecting webhook events that only carry the provider price.
func (c *Catalog) ByProviderRef(priceID string) (Plan, bool) {
	id, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, false
	}
	return c.plans[id], true
}

// List returns all plans ordered by price, cheapest first.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.ordered))
	for _, id := range c.ordered {
		out = append(out, c.plans[id])
	}
	return out
}
