// Package importer reads client lists uploaded as CSV.
//
// The expected layout is the one receipt.RenderSummaryTable writes, so a
// firm can export a filed batch, edit it and upload it as next year's
// working copy. Header names are matched case-insensitively and spaces are
// treated as underscores; unknown columns are ignored.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/receipt"
)

// MaxRows caps a single upload.
const MaxRows = 5000

// RowError reports a row that could not be turned into a ClientEntity.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Reason) }

// Result is the outcome of ParseClients.
type Result struct {
	Clients []filing.ClientEntity `json:"clients"`
	Errors  []RowError            `json:"errors"`
}

// ParseClients decodes r. Rows with unparseable enum values are reported in
// Result.Errors and skipped; completeness is left to the validator. A
// malformed file (not CSV, no header) is returned as a ValidationError.
func ParseClients(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &filing.ValidationError{Field: "file", Reason: "empty upload"}
	}
	if err != nil {
		return nil, &filing.ValidationError{Field: "file", Reason: err.Error()}
	}
	for i := range header {
		header[i] = normalizeHeader(header[i])
	}

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, eris.Wrap(err, "importer: decoder")
	}

	res := &Result{Clients: []filing.ClientEntity{}, Errors: []RowError{}}
	line := 1
	for {
		var row receipt.SummaryRow
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, &filing.ValidationError{Field: "file", Reason: perr.Error()}
			}
			res.Errors = append(res.Errors, RowError{Line: line, Reason: err.Error()})
			continue
		}
		if line-1 > MaxRows {
			return nil, &filing.ValidationError{Field: "file", Reason: fmt.Sprintf("more than %d rows", MaxRows)}
		}
		if blankRow(row) {
			continue
		}

		client, rowErr := toClient(row)
		if rowErr != "" {
			res.Errors = append(res.Errors, RowError{Line: line, Reason: rowErr})
			continue
		}
		res.Clients = append(res.Clients, client)
	}
	return res, nil
}

func toClient(row receipt.SummaryRow) (filing.ClientEntity, string) {
	c := filing.ClientEntity{
		ID:                   strings.TrimSpace(row.ClientID),
		LLCName:              strings.TrimSpace(row.LLCName),
		NYDOSID:              strings.TrimSpace(row.NYDOSID),
		EIN:                  strings.TrimSpace(row.EIN),
		FormationDate:        strings.TrimSpace(row.FormationDate),
		ExemptionType:        strings.TrimSpace(row.ExemptionType),
		ExemptionExplanation: strings.TrimSpace(row.ExemptionExplanation),
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if s := strings.TrimSpace(row.FilingStatus); s != "" {
		status, err := filing.ParseFilingStatus(s)
		if err != nil {
			return c, fmt.Sprintf("unknown filing status %q", s)
		}
		c.FilingStatus = status
	}
	if s := strings.TrimSpace(row.ServiceType); s != "" {
		svc, err := filing.ParseServiceType(s)
		if err != nil || !svc.IsEntityLevel() {
			return c, fmt.Sprintf("unknown service type %q", s)
		}
		c.ServiceType = svc
	}

	for _, o := range row.Owners() {
		if *o == (receipt.OwnerColumns{}) {
			continue
		}
		c.BeneficialOwners = append(c.BeneficialOwners, filing.BeneficialOwner{
			FullName: strings.TrimSpace(o.FullName),
			DOB:      strings.TrimSpace(o.DOB),
			Address:  strings.TrimSpace(o.Address),
			IDType:   strings.TrimSpace(o.IDType),
			IDLast4:  filing.MaskID(strings.TrimSpace(o.IDLast4)),
		})
	}
	return c, ""
}

func blankRow(row receipt.SummaryRow) bool {
	return strings.TrimSpace(row.LLCName) == "" &&
		strings.TrimSpace(row.ClientID) == "" &&
		strings.TrimSpace(row.FilingStatus) == "" &&
		row.Owner1 == (receipt.OwnerColumns{})
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}
