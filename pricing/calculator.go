package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/nylta/bulk-filing/filing"
)

// MonitoringLabel is the tier label attached to monitoring quotes.
const MonitoringLabel = "Monitoring"

// Quote is the calculator output.
//
// Total is nil when RequiresManualQuote is set: a custom-tier batch has no
// automatic price and must never be charged as zero.
type Quote struct {
	ServiceType         filing.ServiceType `json:"service_type"`
	EntityCount         int                `json:"entity_count"`
	PerEntity           decimal.Decimal    `json:"per_entity"`
	Total               *decimal.Decimal   `json:"total"`
	TierLabel           string             `json:"tier_label"`
	OriginalPerEntity   decimal.Decimal    `json:"original_per_entity"`
	RequiresManualQuote bool               `json:"requires_manual_quote"`

	// Parts is set on mixed quotes: [monitoring, filing], zero-count parts omitted.
	Parts []Quote `json:"parts,omitempty"`
}

// Amount returns the total or ErrManualQuoteRequired.
func (q Quote) Amount() (decimal.Decimal, error) {
	if q.RequiresManualQuote || q.Total == nil {
		return decimal.Zero, filing.ErrManualQuoteRequired
	}
	return *q.Total, nil
}

// Savings is the discount against the undiscounted per-entity price.
func (q Quote) Savings() decimal.Decimal {
	if q.Total == nil || q.OriginalPerEntity.IsZero() {
		return decimal.Zero
	}
	full := q.OriginalPerEntity.Mul(decimal.NewFromInt(int64(q.EntityCount)))
	return filing.Cents(full.Sub(*q.Total))
}

// Calculator prices batches against one Table snapshot.
type Calculator struct {
	table *Table
}

// NewCalculator returns a Calculator bound to table; nil uses the defaults.
func NewCalculator(table *Table) *Calculator {
	if table == nil {
		table = DefaultTable()
	}
	return &Calculator{table: table}
}

// Table returns the snapshot the calculator prices against.
func (c *Calculator) Table() *Table { return c.table }

// Calculate prices count entities of a single service type.
func (c *Calculator) Calculate(count int, service filing.ServiceType) (Quote, error) {
	if count <= 0 {
		return Quote{}, &filing.ValidationError{Field: "entity_count", Reason: "must be positive"}
	}

	switch service {
	case filing.ServiceMonitoring:
		per := c.table.MonitoringPrice()
		total := filing.Cents(per.Mul(decimal.NewFromInt(int64(count))))
		return Quote{
			ServiceType: service,
			EntityCount: count,
			PerEntity:   per,
			Total:       &total,
			TierLabel:   MonitoringLabel,
		}, nil

	case filing.ServiceFiling:
		tier, err := c.table.ResolveTier(count)
		if err != nil {
			return Quote{}, err
		}
		q := Quote{
			ServiceType:       service,
			EntityCount:       count,
			PerEntity:         tier.Price,
			TierLabel:         tier.Label,
			OriginalPerEntity: tier.OriginalPrice,
		}
		if tier.IsCustom() {
			q.RequiresManualQuote = true
			return q, nil
		}
		total := filing.Cents(tier.Price.Mul(decimal.NewFromInt(int64(count))))
		q.Total = &total
		return q, nil

	case filing.ServiceMixed:
		return Quote{}, &filing.ValidationError{Field: "service_type", Reason: "mixed batches are priced with CalculateMixed"}
	}
	return Quote{}, &filing.ValidationError{Field: "service_type", Reason: "unknown service type " + string(service)}
}

// CalculateMixed prices a batch holding both monitoring and filing entities.
// Each part is priced independently; the filing tier is resolved on the
// filing count alone.
func (c *Calculator) CalculateMixed(monitoringCount, filingCount int) (Quote, error) {
	if monitoringCount < 0 || filingCount < 0 {
		return Quote{}, &filing.ValidationError{Field: "entity_count", Reason: "counts must not be negative"}
	}
	if monitoringCount == 0 && filingCount == 0 {
		return Quote{}, &filing.ValidationError{Field: "entity_count", Reason: "must be positive"}
	}
	if filingCount == 0 {
		return c.Calculate(monitoringCount, filing.ServiceMonitoring)
	}
	if monitoringCount == 0 {
		return c.Calculate(filingCount, filing.ServiceFiling)
	}

	mon, err := c.Calculate(monitoringCount, filing.ServiceMonitoring)
	if err != nil {
		return Quote{}, err
	}
	fil, err := c.Calculate(filingCount, filing.ServiceFiling)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		ServiceType:         filing.ServiceMixed,
		EntityCount:         monitoringCount + filingCount,
		TierLabel:           fil.TierLabel,
		RequiresManualQuote: fil.RequiresManualQuote,
		Parts:               []Quote{mon, fil},
	}
	if !q.RequiresManualQuote {
		total := filing.Cents(mon.Total.Add(*fil.Total))
		q.Total = &total
	}
	return q, nil
}

// CalculateUpgrade prices moving count monitoring entities to filing.
// The amount is the fixed differential, never the current tier price.
func (c *Calculator) CalculateUpgrade(count int) (decimal.Decimal, error) {
	if count <= 0 {
		return decimal.Zero, &filing.ValidationError{Field: "client_count", Reason: "must be positive"}
	}
	return filing.Cents(c.table.UpgradePrice().Mul(decimal.NewFromInt(int64(count)))), nil
}

// CheckProposed compares a caller-supplied amount with the quote.
func CheckProposed(q Quote, proposed decimal.Decimal) error {
	amount, err := q.Amount()
	if err != nil {
		return err
	}
	if !filing.WithinTolerance(amount, proposed) {
		return &filing.PriceMismatchError{Expected: amount, Proposed: proposed}
	}
	return nil
}
