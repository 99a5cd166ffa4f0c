// Package plans holds the static plan catalog: supported durations and their
// canonical prices.
package plans

import "sort"

// DefaultDays is used when a requested duration is not a supported plan.
const DefaultDays = 30

type Plan struct {
	Days  int   `json:"days"`
	Price int64 `json:"price"`
}

type Catalog struct {
	plans []Plan
	price map[int]int64
}

// New builds a catalog from a days->price map. Non-positive entries are ignored.
func New(prices map[int]int64) *Catalog {
	c := &Catalog{price: make(map[int]int64, len(prices))}
	for days, price := range prices {
		if days <= 0 || price <= 0 {
			continue
		}
		c.price[days] = price
		c.plans = append(c.plans, Plan{Days: days, Price: price})
	}
	sort.Slice(c.plans, func(i, j int) bool { return c.plans[i].Days < c.plans[j].Days })
	return c
}

func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

func (c *Catalog) Supported(days int) bool {
	_, ok := c.price[days]
	return ok
}

// Normalize maps an arbitrary duration onto a supported plan.
func (c *Catalog) Normalize(days int) int {
	if c.Supported(days) {
		return days
	}
	return DefaultDays
}

// Price returns the canonical price of the normalized plan.
func (c *Catalog) Price(days int) int64 {
	return c.price[c.Normalize(days)]
}

// ByAmount finds the plan whose price matches amount exactly. Shorter plans
// win when two plans share a price.
func (c *Catalog) ByAmount(amount int64) (int, bool) {
	for _, p := range c.plans {
		if p.Price == amount {
			return p.Days, true
		}
	}
	return 0, false
}
