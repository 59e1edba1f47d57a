package ledger

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// CSVHeader is the fixed column order of the ledger export.
var CSVHeader = []string{"id", "timestamp", "type", "symbol", "qty", "price", "strike", "cashDelta", "realizedPnL"}

// WriteCSV writes the header and one row per entry. Timestamps are RFC 3339
// in UTC and numeric cells are fixed at two decimals; a cell is empty when
// the entry's details do not carry that field.
func (l *Ledger) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("ledger: write csv header: %w", err)
	}
	for _, e := range l.entries {
		if err := cw.Write(csvRow(e)); err != nil {
			return fmt.Errorf("ledger: write csv row %s: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV returns the CSV export as a string.
func (l *Ledger) ExportCSV() (string, error) {
	var buf bytes.Buffer
	if err := l.WriteCSV(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func csvRow(e Entry) []string {
	var cols Columns
	if e.Details != nil {
		cols = e.Details.Columns()
	}
	return []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339),
		string(e.Type),
		e.Symbol,
		cell(cols.Qty),
		cell(cols.Price),
		cell(cols.Strike),
		e.CashDelta.StringFixed(2),
		e.RealizedPnL.StringFixed(2),
	}
}

func cell(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.StringFixed(2)
}
