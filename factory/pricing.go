/*
Package factory provides JSON to Go pricing conversion.

PURPOSE:
  Converts a JSON pricing document into a validated pricing.Table. Prices
  are edited by marketing in WordPress; the factory is the one place that
  turns that payload into something the calculator trusts.

JSON SCHEMA (schema.json, embedded):
  {
    "monitoring_price": 249,
    "upgrade_price": 149,
    "tiers": [
      {"label": "Tier 1", "min": 1,   "max": 25,  "price": 398},
      {"label": "Tier 2", "min": 26,  "max": 75,  "original_price": 398, "discount_percent": 5},
      {"label": "Tier 3", "min": 76,  "max": 150, "original_price": "398.00", "discount_percent": "10"},
      {"label": "Custom", "min": 151, "max": null}
    ]
  }

  monitoring_price and upgrade_price are fixed rates. They may be omitted
  or restated, but a document that changes them is rejected.

  The WordPress REST endpoint wraps the same object in {"acf": {...}};
  both shapes are accepted. ACF returns numbers as strings, so money fields
  accept either.

KEY FEATURES:
  - Structural validation against the embedded schema (gojsonschema)
  - Semantic validation (contiguity, custom tier) by pricing.NewTable
  - ToJSON for the /api/pricing/tiers surface and round-tripping configs

SEE ALSO:
  - pricing/table.go: Table invariants
  - factory/source.go: HTTPSource that fetches this document
*/
package factory

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/pricing"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PricingJSON is the JSON representation of a pricing table.
type PricingJSON struct {
	MonitoringPrice Money      `json:"monitoring_price,omitempty"`
	UpgradePrice    Money      `json:"upgrade_price,omitempty"`
	Tiers           []TierJSON `json:"tiers"`
}

// TierJSON represents one tier.
type TierJSON struct {
	Label           string   `json:"label"`
	Min             int      `json:"min"`
	Max             *int     `json:"max"` // null = open-ended custom tier
	Price           Money    `json:"price,omitempty"`
	OriginalPrice   Money    `json:"original_price,omitempty"`
	DiscountPercent Money    `json:"discount_percent,omitempty"`
	Features        []string `json:"features,omitempty"`
}

type acfEnvelope struct {
	ACF *json.RawMessage `json:"acf"`
}

// Money decodes from a JSON number or a numeric string.
type Money struct {
	decimal.Decimal
}

func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		m.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", string(b), err)
	}
	m.Decimal = d
	return nil
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal.StringFixed(2)), nil
}

// =============================================================================
// PRICING FACTORY
// =============================================================================

// PricingFactory converts JSON pricing documents to tables.
type PricingFactory struct{}

// NewPricingFactory creates a new pricing factory.
func NewPricingFactory() *PricingFactory {
	return &PricingFactory{}
}

// ParsePricing validates and parses a pricing document. source is recorded
// on the resulting table.
func (f *PricingFactory) ParsePricing(data []byte, source string) (*pricing.Table, error) {
	doc, err := unwrapACF(data)
	if err != nil {
		return nil, err
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, eris.Wrap(err, "factory: schema validation")
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return nil, &filing.ValidationError{Field: "pricing", Reason: strings.Join(msgs, "; ")}
	}

	var pj PricingJSON
	if err := json.Unmarshal(doc, &pj); err != nil {
		return nil, &filing.ValidationError{Field: "pricing", Reason: err.Error()}
	}
	return f.FromJSON(pj, source)
}

// FromJSON converts PricingJSON to a pricing.Table.
func (f *PricingFactory) FromJSON(pj PricingJSON, source string) (*pricing.Table, error) {
	if err := checkFixedRate("monitoring_price", pj.MonitoringPrice, pricing.MonitoringRate); err != nil {
		return nil, err
	}
	if err := checkFixedRate("upgrade_price", pj.UpgradePrice, pricing.UpgradeRate); err != nil {
		return nil, err
	}

	tiers := make([]pricing.Tier, 0, len(pj.Tiers))
	for _, tj := range pj.Tiers {
		t := pricing.Tier{
			Label:           tj.Label,
			Min:             tj.Min,
			Price:           tj.Price.Decimal,
			OriginalPrice:   tj.OriginalPrice.Decimal,
			DiscountPercent: tj.DiscountPercent.Decimal,
			Features:        tj.Features,
		}
		if tj.Max != nil {
			t.Max = *tj.Max
		}
		tiers = append(tiers, t)
	}

	return pricing.NewTable(pricing.TableConfig{Tiers: tiers, Source: source})
}

// checkFixedRate accepts an absent rate or one equal to want.
func checkFixedRate(field string, got Money, want decimal.Decimal) error {
	if got.IsZero() || got.Equal(want) {
		return nil
	}
	return &filing.ValidationError{
		Field:  field,
		Reason: fmt.Sprintf("fixed at %s, got %s", want.StringFixed(2), got.StringFixed(2)),
	}
}

// ToJSON converts a table back to its JSON form.
func (f *PricingFactory) ToJSON(t *pricing.Table) PricingJSON {
	pj := PricingJSON{
		MonitoringPrice: Money{t.MonitoringPrice()},
		UpgradePrice:    Money{t.UpgradePrice()},
	}
	for _, tier := range t.Tiers() {
		tj := TierJSON{
			Label:           tier.Label,
			Min:             tier.Min,
			Price:           Money{tier.Price},
			OriginalPrice:   Money{tier.OriginalPrice},
			DiscountPercent: Money{tier.DiscountPercent},
			Features:        tier.Features,
		}
		if !tier.IsCustom() {
			max := tier.Max
			tj.Max = &max
		}
		pj.Tiers = append(pj.Tiers, tj)
	}
	return pj
}

func unwrapACF(data []byte) ([]byte, error) {
	var env acfEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &filing.ValidationError{Field: "pricing", Reason: "not a JSON object: " + err.Error()}
	}
	if env.ACF != nil {
		return *env.ACF, nil
	}
	return data, nil
}
