package receipt

import (
	"encoding/csv"
	"io"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/nylta/bulk-filing/filing"
)

// OwnerColumns are the per-owner columns of the summary export.
type OwnerColumns struct {
	FullName string `csv:"full_name"`
	DOB      string `csv:"dob"`
	Address  string `csv:"address"`
	IDType   string `csv:"id_type"`
	IDLast4  string `csv:"id_last4"`
}

func (o OwnerColumns) values() []string {
	return []string{o.FullName, o.DOB, o.Address, o.IDType, o.IDLast4}
}

// SummaryRow is one client entity in the tabular export. The importer reads
// the same layout back.
type SummaryRow struct {
	ConfirmationNumber   string       `csv:"confirmation_number"`
	ClientID             string       `csv:"client_id"`
	LLCName              string       `csv:"llc_name"`
	NYDOSID              string       `csv:"nydos_id"`
	EIN                  string       `csv:"ein"`
	FormationDate        string       `csv:"formation_date"`
	FilingStatus         string       `csv:"filing_status"`
	ServiceType          string       `csv:"service_type"`
	ExemptionType        string       `csv:"exemption_type"`
	ExemptionExplanation string       `csv:"exemption_explanation"`
	Owner1               OwnerColumns `csv:"owner1_,inline"`
	Owner2               OwnerColumns `csv:"owner2_,inline"`
	Owner3               OwnerColumns `csv:"owner3_,inline"`
	Owner4               OwnerColumns `csv:"owner4_,inline"`
}

// Owners returns the four owner column groups in order.
func (r *SummaryRow) Owners() []*OwnerColumns {
	return []*OwnerColumns{&r.Owner1, &r.Owner2, &r.Owner3, &r.Owner4}
}

func (r SummaryRow) values() []string {
	out := []string{
		r.ConfirmationNumber, r.ClientID, r.LLCName, r.NYDOSID, r.EIN, r.FormationDate,
		r.FilingStatus, r.ServiceType, r.ExemptionType, r.ExemptionExplanation,
	}
	for _, o := range r.Owners() {
		out = append(out, o.values()...)
	}
	return out
}

// SummaryHeader lists the export columns in order.
func SummaryHeader() []string {
	h, err := csvutil.Header(SummaryRow{}, "csv")
	if err != nil {
		// SummaryRow is static; a failure here is a programming error.
		panic(err)
	}
	return h
}

// SummaryRows converts a submission into export rows. Owners beyond those
// present are left empty. A nil submission yields no rows.
func SummaryRows(sub *filing.Submission) []SummaryRow {
	if sub == nil {
		return nil
	}
	rows := make([]SummaryRow, 0, len(sub.Clients))
	for _, c := range sub.Clients {
		row := SummaryRow{
			ConfirmationNumber:   sub.ConfirmationNumber,
			ClientID:             c.ID,
			LLCName:              c.LLCName,
			NYDOSID:              c.NYDOSID,
			EIN:                  c.EIN,
			FormationDate:        c.FormationDate,
			FilingStatus:         string(c.FilingStatus),
			ServiceType:          string(c.ServiceType),
			ExemptionType:        c.ExemptionType,
			ExemptionExplanation: c.ExemptionExplanation,
		}
		cols := row.Owners()
		for i, o := range c.BeneficialOwners {
			if i >= len(cols) {
				break
			}
			*cols[i] = OwnerColumns{
				FullName: o.FullName,
				DOB:      o.DOB,
				Address:  o.Address,
				IDType:   o.IDType,
				IDLast4:  o.IDLast4,
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// RenderSummaryTable writes one CSV row per client entity. A nil or empty
// submission produces the header alone.
func RenderSummaryTable(w io.Writer, sub *filing.Submission) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)

	if err := enc.EncodeHeader(SummaryRow{}); err != nil {
		return eris.Wrap(err, "receipt: csv header")
	}
	for _, row := range SummaryRows(sub) {
		if err := enc.Encode(row); err != nil {
			return eris.Wrapf(err, "receipt: csv row %s", row.ClientID)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "receipt: csv flush")
	}
	return nil
}

// RenderSummaryWorkbook writes the same table as an XLSX workbook with a
// second sheet describing the submission.
func RenderSummaryWorkbook(w io.Writer, sub *filing.Submission) error {
	file := xlsx.NewFile()

	sheet, err := file.AddSheet("Clients")
	if err != nil {
		return eris.Wrap(err, "receipt: xlsx sheet")
	}
	addRow(sheet, SummaryHeader())
	for _, row := range SummaryRows(sub) {
		addRow(sheet, row.values())
	}

	info, err := file.AddSheet("Submission")
	if err != nil {
		return eris.Wrap(err, "receipt: xlsx sheet")
	}
	for _, kv := range submissionFacts(sub) {
		addRow(info, []string{kv[0], kv[1]})
	}

	if err := file.Write(w); err != nil {
		return eris.Wrap(err, "receipt: xlsx write")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
