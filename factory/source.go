package factory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/pricing"
	"github.com/nylta/bulk-filing/resilience"
)

const maxPricingBody = 1 << 20

// HTTPSource fetches the pricing document from a remote endpoint, usually
// the WordPress ACF route.
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Retry   resilience.Policy
	Factory *PricingFactory
}

// NewHTTPSource returns a source with a client bounded by timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Retry:   resilience.DefaultPolicy(),
		Factory: NewPricingFactory(),
	}
}

// Fetch implements pricing.Source.
func (s *HTTPSource) Fetch(ctx context.Context) (*pricing.Table, error) {
	body, err := resilience.DoVal(ctx, s.Retry, s.get)
	if err != nil {
		return nil, filing.External("pricing", "fetch", err)
	}
	return s.Factory.ParsePricing(body, s.URL)
}

func (s *HTTPSource) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "pricing: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "pricing: request"), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("pricing: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPricingBody))
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "pricing: read body"), 0)
	}
	return body, nil
}

var _ pricing.Source = (*HTTPSource)(nil)
