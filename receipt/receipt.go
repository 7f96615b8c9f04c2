/*
Package receipt provides the Receipt Generator.

PURPOSE:
  Renders a Submission into the documents a firm keeps for its records:
  a PDF receipt, a CSV summary table and an XLSX workbook. Rendering is pure
  formatting: amounts and statuses are printed as stored, nothing is
  recomputed.

DEGRADATION:
  A receipt is the last thing the user sees in a session, so missing data
  never fails a render:
  - nil submission: a one-page "receipt unavailable" document
  - missing firm info: a placeholder block
  - no clients: a placeholder line; CSV/XLSX carry the header only

SEE ALSO:
  - summary.go: CSV / XLSX exports
  - importer/importer.go: reads the CSV layout back
*/
package receipt

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rotisserie/eris"

	"github.com/nylta/bulk-filing/filing"
)

const (
	placeholder = "Not provided"
	brand       = "NYLTA Bulk Filing"
)

// RenderReceipt writes a PDF receipt for sub.
func RenderReceipt(w io.Writer, sub *filing.Submission) error {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetTitle(brand+" Receipt", true)
	pdf.SetAuthor(brand, true)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, brand+" Receipt", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if sub == nil {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "Receipt unavailable: no submission data was found. "+
			"Contact support with your confirmation number.", "", "L", false)
		return output(pdf, w)
	}

	section(pdf, "Submission")
	for _, kv := range submissionFacts(sub) {
		field(pdf, tr, kv[0], kv[1])
	}

	section(pdf, "Firm")
	if sub.FirmInfo == nil {
		field(pdf, tr, "Firm", placeholder)
	} else {
		f := sub.FirmInfo
		field(pdf, tr, "Name", orPlaceholder(f.Name))
		field(pdf, tr, "EIN", orPlaceholder(f.EIN))
		field(pdf, tr, "Contact", orPlaceholder(f.ContactName))
		field(pdf, tr, "Email", orPlaceholder(f.ContactEmail))
		field(pdf, tr, "Phone", orPlaceholder(f.ContactPhone))
	}

	section(pdf, fmt.Sprintf("Client entities (%d)", len(sub.Clients)))
	if len(sub.Clients) == 0 {
		pdf.SetFont("Helvetica", "I", 10)
		pdf.CellFormat(0, 6, "No client entities recorded.", "", 1, "L", false, 0, "")
	}
	for i, c := range sub.Clients {
		clientBlock(pdf, tr, i+1, c)
	}

	return output(pdf, w)
}

func clientBlock(pdf *fpdf.Fpdf, tr func(string) string, n int, c filing.ClientEntity) {
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 7, tr(fmt.Sprintf("%d. %s", n, orPlaceholder(c.LLCName))), "B", 1, "L", false, 0, "")

	for _, f := range clientFields(c) {
		field(pdf, tr, f[0], f[1])
	}
}

// clientFields is the label/value list printed for one client. Owners are
// listed for every status; only Non-Exempt entities print a placeholder
// when there are none.
func clientFields(c filing.ClientEntity) [][2]string {
	fields := [][2]string{
		{"NYDOS ID", orPlaceholder(c.NYDOSID)},
		{"EIN", orPlaceholder(c.EIN)},
		{"Formed", orPlaceholder(c.FormationDate)},
		{"Status", orPlaceholder(string(c.FilingStatus))},
		{"Service", orPlaceholder(string(c.ServiceType))},
	}

	if c.FilingStatus == filing.StatusExempt {
		fields = append(fields, [2]string{"Exemption", orPlaceholder(c.ExemptionType)})
		if c.ExemptionExplanation != "" {
			fields = append(fields, [2]string{"Explanation", c.ExemptionExplanation})
		}
	} else if len(c.BeneficialOwners) == 0 {
		fields = append(fields, [2]string{"Owners", placeholder})
	}

	for i, o := range c.BeneficialOwners {
		id := o.IDType
		if o.IDLast4 != "" {
			id = fmt.Sprintf("%s ending %s", orPlaceholder(o.IDType), o.IDLast4)
		}
		fields = append(fields, [2]string{
			fmt.Sprintf("Owner %d", i+1),
			fmt.Sprintf("%s, born %s, %s, %s",
				orPlaceholder(o.FullName), orPlaceholder(o.DOB), orPlaceholder(o.Address), orPlaceholder(id)),
		})
	}
	return fields
}

// submissionFacts is the label/value list shared by the PDF and the workbook.
func submissionFacts(sub *filing.Submission) [][2]string {
	if sub == nil {
		return [][2]string{{"Submission", placeholder}}
	}
	facts := [][2]string{
		{"Confirmation", orPlaceholder(sub.ConfirmationNumber)},
		{"Submission ID", orPlaceholder(sub.ID)},
		{"Date", dateOrPlaceholder(sub.CreatedAt)},
		{"Service", orPlaceholder(string(sub.ServiceType))},
		{"Tier", orPlaceholder(sub.TierLabel)},
		{"Entities", fmt.Sprintf("%d", sub.ClientCount)},
		{"Amount", filing.FormatUSD(sub.AmountPaid)},
		{"Payment status", orPlaceholder(string(sub.PaymentStatus))},
		{"Payment method", orPlaceholder(string(sub.PaymentMethod))},
		{"Transaction", orPlaceholder(sub.TransactionID)},
	}
	if sub.UpgradedFrom != "" {
		facts = append(facts, [2]string{"Upgraded from", sub.UpgradedFrom})
	}
	if sub.UpgradedTo != "" {
		facts = append(facts, [2]string{"Upgraded to", sub.UpgradedTo})
	}
	return facts
}

func section(pdf *fpdf.Fpdf, title string) {
	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 13)
	pdf.SetFillColor(235, 235, 235)
	pdf.CellFormat(0, 8, title, "", 1, "L", true, 0, "")
	pdf.Ln(1)
}

func field(pdf *fpdf.Fpdf, tr func(string) string, label, value string) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(40, 6, tr(label), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(0, 6, tr(value), "", "L", false)
}

func output(pdf *fpdf.Fpdf, w io.Writer) error {
	if err := pdf.Output(w); err != nil {
		return eris.Wrap(err, "receipt: render pdf")
	}
	return nil
}

func orPlaceholder(s string) string {
	if s == "" {
		return placeholder
	}
	return s
}

func dateOrPlaceholder(t time.Time) string {
	if t.IsZero() {
		return placeholder
	}
	return t.UTC().Format("January 2, 2006 15:04 MST")
}
