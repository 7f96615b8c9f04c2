// Package crm pushes firm contacts to GoHighLevel for ops and marketing.
//
// Sync is best effort. A failure here never blocks or fails a filing;
// callers log it and move on.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/resilience"
)

// Tags applied to synced contacts.
const (
	TagSubmitted  = "nylta-submitted"
	TagMonitoring = "nylta-monitoring"
	TagFiling     = "nylta-filing"
	TagUpgraded   = "nylta-upgraded"
)

const (
	defaultBaseURL = "https://services.leadconnectorhq.com"
	apiVersion     = "2021-07-28"
)

// Contact is the subset of a GoHighLevel contact the engine writes.
type Contact struct {
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	CompanyName string   `json:"companyName,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ContactFor derives the contact and tags for a persisted submission.
func ContactFor(sub *filing.Submission) Contact {
	c := Contact{Tags: []string{TagSubmitted}}
	if sub.FirmInfo != nil {
		c.Email = sub.FirmInfo.ContactEmail
		c.Name = sub.FirmInfo.ContactName
		c.CompanyName = sub.FirmInfo.Name
		c.Phone = sub.FirmInfo.ContactPhone
	}
	mon, fil := sub.CountByService()
	if mon > 0 {
		c.Tags = append(c.Tags, TagMonitoring)
	}
	if fil > 0 {
		c.Tags = append(c.Tags, TagFiling)
	}
	if sub.UpgradedFrom != "" {
		c.Tags = append(c.Tags, TagUpgraded)
	}
	return c
}

// Syncer upserts contacts.
type Syncer interface {
	SyncContact(ctx context.Context, c Contact) error
}

// Noop is used when no CRM is configured.
type Noop struct{}

func (Noop) SyncContact(context.Context, Contact) error { return nil }

// ClientOption configures a GoHighLevel client.
type ClientOption func(*GoHighLevel)

// WithBaseURL overrides the API host (tests).
func WithBaseURL(u string) ClientOption {
	return func(c *GoHighLevel) { c.baseURL = u }
}

// WithRateLimit sets a per-second request budget.
func WithRateLimit(rps float64) ClientOption {
	return func(c *GoHighLevel) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithTimeout bounds a single sync.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *GoHighLevel) { c.timeout = d }
}

// GoHighLevel is a Syncer backed by the GoHighLevel contacts API.
type GoHighLevel struct {
	apiKey     string
	locationID string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	retry      resilience.Policy
}

// NewGoHighLevel creates a client for one location.
func NewGoHighLevel(apiKey, locationID string, opts ...ClientOption) *GoHighLevel {
	c := &GoHighLevel{
		apiKey:     apiKey,
		locationID: locationID,
		baseURL:    defaultBaseURL,
		http:       &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		timeout:    10 * time.Second,
		retry:      resilience.Policy{Attempts: 2, BaseDelay: 250 * time.Millisecond},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type upsertBody struct {
	LocationID string `json:"locationId"`
	Contact
}

// SyncContact implements Syncer.
func (c *GoHighLevel) SyncContact(ctx context.Context, contact Contact) error {
	if contact.Email == "" {
		return &filing.ValidationError{Field: "email", Reason: "contact email required"}
	}
	body, err := json.Marshal(upsertBody{LocationID: c.locationID, Contact: contact})
	if err != nil {
		return eris.Wrap(err, "crm: encode contact")
	}

	err = resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "crm: rate limit")
		}
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			return c.upsert(ctx, body)
		})
	})
	return filing.External("crm", "upsert_contact", err)
}

func (c *GoHighLevel) upsert(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/contacts/upsert", bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "crm: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.Transient(eris.Wrap(err, "crm: request"), 0)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("crm: status %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.Transient(err, resp.StatusCode)
	}
	return err
}

var (
	_ Syncer = Noop{}
	_ Syncer = (*GoHighLevel)(nil)
)
