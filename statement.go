package bankapi

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
)

var statementCols = []struct {
	title string
	width float64
	align string
}{
	{"Date", 40, "L"},
	{"Type", 28, "L"},
	{"Counterparty", 52, "L"},
	{"Amount", 35, "R"},
	{"Balance", 35, "R"},
}

// RenderStatement writes a PDF statement of acct listing txns oldest first with
// a running balance that ends at the account's current balance.
func RenderStatement(w io.Writer, acct *Account, txns []Transaction) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Statement %d", acct.Number), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Account statement", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, "Name: "+acct.Name, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Number: "+strconv.FormatInt(acct.Number, 10), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Balance: "+acct.Balance.StringFixed(2), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Special limit: "+acct.SpecialLimit.StringFixed(2), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 10)
	for _, c := range statementCols {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, c.align, false, 0, "")
	}
	pdf.Ln(-1)

	// walk back from the current balance to find the opening balance
	running := acct.Balance
	for _, t := range txns {
		running = running.Sub(t.SignedAmount(acct.Number))
	}

	pdf.SetFont("Helvetica", "", 10)
	for _, t := range txns {
		amt := t.SignedAmount(acct.Number)
		running = running.Add(amt)
		cells := []string{
			t.CreatedAt.Format("2006-01-02 15:04:05"),
			string(t.Type),
			counterparty(&t, acct.Number),
			signed(amt),
			running.StringFixed(2),
		}
		for i, c := range statementCols {
			pdf.CellFormat(c.width, 6, cells[i], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(txns) == 0 {
		pdf.SetFont("Helvetica", "I", 10)
		pdf.CellFormat(0, 6, "No transactions", "", 1, "L", false, 0, "")
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render statement: %w", err)
	}
	return pdf.Output(w)
}

func counterparty(t *Transaction, self int64) string {
	var other *Account
	switch {
	case t.SourceAccount != nil && t.SourceAccount.Number != self:
		other = t.SourceAccount
	case t.ReceiverAccount != nil && t.ReceiverAccount.Number != self:
		other = t.ReceiverAccount
	}
	if other == nil {
		return "-"
	}
	if other.Name == "" {
		return strconv.FormatInt(other.Number, 10)
	}
	return fmt.Sprintf("%d %s", other.Number, other.Name)
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}
