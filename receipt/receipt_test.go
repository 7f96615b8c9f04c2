package receipt_test

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/pricing"
	"github.com/nylta/bulk-filing/receipt"
	"github.com/nylta/bulk-filing/submission"
)

func owner(name string) filing.BeneficialOwner {
	return filing.BeneficialOwner{FullName: name, DOB: "1975-05-05", Address: "9 Elm St", IDType: "passport", IDLast4: "4242"}
}

// recordedSubmission goes through the recorder so the export sees exactly
// what a real checkout would store.
func recordedSubmission(t *testing.T) *filing.Submission {
	t.Helper()
	clients := []filing.ClientEntity{
		{ID: "a", LLCName: "Alpha LLC", FilingStatus: filing.StatusNonExempt, BeneficialOwners: []filing.BeneficialOwner{owner("Ann")}},
		{ID: "b", LLCName: "Beta LLC", FilingStatus: filing.StatusNonExempt,
			BeneficialOwners: []filing.BeneficialOwner{owner("Bo"), owner("Bea"), owner("Ben"), owner("Bix")}},
		{ID: "c", LLCName: "Gamma LLC", FilingStatus: filing.StatusExempt, ExemptionType: "Bank"},
		{ID: "d", LLCName: "", FilingStatus: filing.StatusExempt, ExemptionType: "Bank"}, // not selectable
	}
	r := &submission.Recorder{
		Pricing: pricing.NewProvider(nil),
		Now:     func() time.Time { return time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC) },
		NewID:   func() string { return "sub-1" },
	}
	sub, err := r.CreateSubmission(submission.Request{
		Firm:        filing.FirmInfo{Name: "Acme", EIN: "12-3456789", ContactEmail: "ops@acme.test"},
		Clients:     clients,
		ServiceType: filing.ServiceFiling,
		Auth:        filing.PaymentAuthorization{Method: filing.MethodCard, Token: "tok", ProposedAmount: filing.MustDollars("1194")},
	})
	require.NoError(t, err)
	return sub
}

func readCSV(t *testing.T, b []byte) [][]string {
	t.Helper()
	records, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	require.NoError(t, err)
	return records
}

func col(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

// =============================================================================
// SUMMARY TABLE
// =============================================================================

func TestRenderSummaryTable_OneRowPerSelectedClient(t *testing.T) {
	// GIVEN: A submission with 3 selected clients carrying 1, 4 and 0 owners
	// WHEN: Rendered as CSV
	// THEN: 3 rows; owner columns filled only up to the owners present

	sub := recordedSubmission(t)
	var buf bytes.Buffer
	require.NoError(t, receipt.RenderSummaryTable(&buf, sub))

	records := readCSV(t, buf.Bytes())
	require.Len(t, records, 1+3)
	header := records[0]
	assert.Equal(t, receipt.SummaryHeader(), header)
	assert.Equal(t, 10+4*5, len(header))

	name := func(n int) int { return col(header, fmt.Sprintf("owner%d_full_name", n)) }
	last4 := col(header, "owner1_id_last4")
	require.NotEqual(t, -1, name(1))
	require.NotEqual(t, -1, last4)

	alpha, beta, gamma := records[1], records[2], records[3]
	assert.Equal(t, "Alpha LLC", alpha[col(header, "llc_name")])
	assert.Equal(t, "Ann", alpha[name(1)])
	assert.Equal(t, "4242", alpha[last4])
	assert.Equal(t, "", alpha[name(2)])
	assert.Equal(t, "", alpha[name(4)])

	for i, want := range []string{"Bo", "Bea", "Ben", "Bix"} {
		assert.Equal(t, want, beta[name(i+1)])
	}

	assert.Equal(t, "Exempt", gamma[col(header, "filing_status")])
	assert.Equal(t, "Bank", gamma[col(header, "exemption_type")])
	assert.Equal(t, "", gamma[name(1)])
	assert.Equal(t, sub.ConfirmationNumber, gamma[col(header, "confirmation_number")])
}

func TestRenderSummaryTable_EmptyAndNil(t *testing.T) {
	for name, sub := range map[string]*filing.Submission{
		"nil":   nil,
		"empty": {ID: "x"},
	} {
		var buf bytes.Buffer
		require.NoError(t, receipt.RenderSummaryTable(&buf, sub), name)
		records := readCSV(t, buf.Bytes())
		assert.Len(t, records, 1, "%s: header only", name)
	}
}

func TestRenderSummaryWorkbook(t *testing.T) {
	sub := recordedSubmission(t)
	var buf bytes.Buffer
	require.NoError(t, receipt.RenderSummaryWorkbook(&buf, sub))

	wb, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	sheet, ok := wb.Sheet["Clients"]
	require.True(t, ok)
	assert.Len(t, sheet.Rows, 1+3)
	assert.Equal(t, "llc_name", sheet.Rows[0].Cells[2].String())
	assert.Equal(t, "Beta LLC", sheet.Rows[2].Cells[2].String())

	_, ok = wb.Sheet["Submission"]
	assert.True(t, ok)

	buf.Reset()
	assert.NoError(t, receipt.RenderSummaryWorkbook(&buf, nil), "nil submission still renders")
}

// =============================================================================
// PDF RECEIPT
// =============================================================================

func TestRenderReceipt_ProducesPDF(t *testing.T) {
	sub := recordedSubmission(t)
	sub.UpgradedTo = "sub-2"

	var buf bytes.Buffer
	require.NoError(t, receipt.RenderReceipt(&buf, sub))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	assert.Greater(t, buf.Len(), 1000)
}

func TestRenderReceipt_DegradesGracefully(t *testing.T) {
	cases := map[string]*filing.Submission{
		"nil":        nil,
		"no firm":    {ID: "x", ConfirmationNumber: "20240101T000000", Clients: []filing.ClientEntity{{ID: "a"}}},
		"no clients": {ID: "x", FirmInfo: &filing.FirmInfo{Name: "Acme"}},
		"zero value": {},
		"accents":    {ID: "x", FirmInfo: &filing.FirmInfo{Name: "Café Société"}},
	}
	for name, sub := range cases {
		var buf bytes.Buffer
		assert.NoError(t, receipt.RenderReceipt(&buf, sub), name)
		assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")), name)
	}
}
