/*
Package pricing provides the Tier Pricing Table and the Pricing Calculator.

PURPOSE:
  Turns an entity count and a service type into an amount the firm pays.
  Filing is billed per entity on a step-function volume discount; monitoring
  is a flat per-entity rate; an upgrade from monitoring to filing costs a
  fixed per-entity differential.

KEY CONCEPTS IN THIS FILE (table.go):
  - Tier: one inclusive [Min, Max] entity-count band with a per-entity price
  - Table: an immutable, validated set of tiers
  - MonitoringRate / UpgradeRate: fixed; tables cannot override them

TIER RULES:
  - Tiers are sorted, contiguous and non-overlapping, starting at 1
  - The last tier is open-ended (Max == 0) and is the Custom tier: it has no
    price and signals a manual quote, never a free batch
  - A tier may be given as OriginalPrice + DiscountPercent; Price is then
    derived and rounded half-up to the cent

DEFAULT TABLE:
  Tier 1   1-25    $398.00
  Tier 2   26-75   $378.10  (5% off $398)
  Tier 3   76-150  $358.20  (10% off $398)
  Custom   151+    manual quote
  Monitoring       $249.00 flat
  Upgrade          $149.00 per entity

SEE ALSO:
  - calculator.go: Calculate / CalculateMixed / CheckProposed
  - provider.go: hot-reloadable snapshot holder
  - factory/pricing.go: JSON config -> Table
*/
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nylta/bulk-filing/filing"
)

// CustomLabel is the label of the default open-ended tier.
const CustomLabel = "Custom"

var (
	// MonitoringRate is the flat per-entity monitoring rate.
	MonitoringRate = filing.MustDollars("249.00")

	// UpgradeRate is the per-entity monitoring -> filing differential. It
	// does not follow tier price changes, so what a monitoring customer
	// owes to upgrade never moves under them.
	UpgradeRate = filing.MustDollars("149.00")

	baseFilingPrice = filing.MustDollars("398.00")
)

// Tier is one band of the filing price schedule.
type Tier struct {
	Label           string          `json:"label"`
	Min             int             `json:"min"`
	Max             int             `json:"max"` // 0 = open-ended (custom tier only)
	Price           decimal.Decimal `json:"price"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Features        []string        `json:"features,omitempty"`
}

// IsCustom reports whether the tier is the open-ended manual quote band.
func (t Tier) IsCustom() bool { return t.Max == 0 }

// Contains reports whether count falls in [Min, Max].
func (t Tier) Contains(count int) bool {
	if count < t.Min {
		return false
	}
	return t.IsCustom() || count <= t.Max
}

// Range renders "26-75" or "151+".
func (t Tier) Range() string {
	if t.IsCustom() {
		return fmt.Sprintf("%d+", t.Min)
	}
	return fmt.Sprintf("%d-%d", t.Min, t.Max)
}

// Savings is the per-entity discount against OriginalPrice.
func (t Tier) Savings() decimal.Decimal {
	if t.IsCustom() || t.OriginalPrice.IsZero() {
		return decimal.Zero
	}
	return filing.Cents(t.OriginalPrice.Sub(t.Price))
}

func (t Tier) clone() Tier {
	out := t
	if t.Features != nil {
		out.Features = append([]string(nil), t.Features...)
	}
	return out
}

// =============================================================================
// TABLE - immutable after construction
// =============================================================================

// Table is a validated pricing snapshot. It is never mutated after NewTable
// returns; a reload builds a fresh Table.
type Table struct {
	tiers  []Tier
	source string
}

// TableConfig is the input to NewTable.
type TableConfig struct {
	Tiers  []Tier
	Source string // where the snapshot came from, for logs and /tiers
}

// NewTable validates cfg and builds an immutable Table.
func NewTable(cfg TableConfig) (*Table, error) {
	if len(cfg.Tiers) == 0 {
		return nil, &filing.ValidationError{Field: "tiers", Reason: "at least one tier required"}
	}

	tiers := make([]Tier, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		tiers[i] = t.clone()
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Min < tiers[j].Min })

	for i := range tiers {
		t := &tiers[i]
		last := i == len(tiers)-1

		if t.Label == "" {
			return nil, &filing.ValidationError{Field: "tiers", Reason: fmt.Sprintf("tier %d has no label", i+1)}
		}
		if i == 0 && t.Min != 1 {
			return nil, &filing.ValidationError{Field: "tiers", Reason: fmt.Sprintf("first tier must start at 1, got %d", t.Min)}
		}
		if i > 0 && t.Min != tiers[i-1].Max+1 {
			return nil, &filing.ValidationError{
				Field:  "tiers",
				Reason: fmt.Sprintf("tier %q starts at %d, expected %d", t.Label, t.Min, tiers[i-1].Max+1),
			}
		}
		if t.IsCustom() != last {
			if last {
				return nil, &filing.ValidationError{Field: "tiers", Reason: "last tier must be open-ended"}
			}
			return nil, &filing.ValidationError{Field: "tiers", Reason: fmt.Sprintf("tier %q: only the last tier may be open-ended", t.Label)}
		}
		if t.IsCustom() {
			// Price on the custom tier means "ask sales", not "free".
			t.Price = decimal.Zero
			continue
		}
		if t.Max < t.Min {
			return nil, &filing.ValidationError{Field: "tiers", Reason: fmt.Sprintf("tier %q: max %d < min %d", t.Label, t.Max, t.Min)}
		}
		if t.Price.IsZero() && !t.OriginalPrice.IsZero() {
			t.Price = discounted(t.OriginalPrice, t.DiscountPercent)
		}
		if !t.Price.IsPositive() {
			return nil, &filing.ValidationError{Field: "tiers", Reason: fmt.Sprintf("tier %q: price must be positive", t.Label)}
		}
		t.Price = filing.Cents(t.Price)
		t.OriginalPrice = filing.Cents(t.OriginalPrice)
	}

	return &Table{tiers: tiers, source: cfg.Source}, nil
}

func discounted(original, percent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(100).Sub(percent).Div(decimal.NewFromInt(100))
	return filing.Cents(original.Mul(factor))
}

// DefaultTable returns the built-in price schedule.
func DefaultTable() *Table {
	t, err := NewTable(TableConfig{
		Tiers: []Tier{
			{
				Label: "Tier 1", Min: 1, Max: 25,
				OriginalPrice: baseFilingPrice,
				Features:      []string{"Full NYDOS filing", "Beneficial owner disclosure", "PDF receipt"},
			},
			{
				Label: "Tier 2", Min: 26, Max: 75,
				OriginalPrice: baseFilingPrice, DiscountPercent: decimal.NewFromInt(5),
				Features: []string{"Full NYDOS filing", "Beneficial owner disclosure", "PDF receipt", "5% volume discount"},
			},
			{
				Label: "Tier 3", Min: 76, Max: 150,
				OriginalPrice: baseFilingPrice, DiscountPercent: decimal.NewFromInt(10),
				Features: []string{"Full NYDOS filing", "Beneficial owner disclosure", "PDF receipt", "10% volume discount"},
			},
			{
				Label: CustomLabel, Min: 151,
				Features: []string{"Dedicated account manager", "Custom pricing"},
			},
		},
		Source: "defaults",
	})
	if err != nil {
		panic(fmt.Sprintf("pricing: default table invalid: %v", err))
	}
	return t
}

// Tiers returns a copy of the tiers in ascending order.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	for i, tier := range t.tiers {
		out[i] = tier.clone()
	}
	return out
}

func (t *Table) MonitoringPrice() decimal.Decimal { return MonitoringRate }
func (t *Table) UpgradePrice() decimal.Decimal    { return UpgradeRate }
func (t *Table) Source() string                   { return t.source }

// ResolveTier returns the tier whose range contains count.
// Counts at or past the custom tier's Min return the custom tier.
func (t *Table) ResolveTier(count int) (Tier, error) {
	if count <= 0 {
		return Tier{}, &filing.ValidationError{Field: "entity_count", Reason: fmt.Sprintf("must be positive, got %d", count)}
	}
	for _, tier := range t.tiers {
		if tier.Contains(count) {
			return tier.clone(), nil
		}
	}
	// Unreachable for a validated table: tiers start at 1 and end open.
	return Tier{}, &filing.ValidationError{Field: "entity_count", Reason: fmt.Sprintf("no tier for %d", count)}
}
