// Package reports aggregates payment records and renders spreadsheet exports.
package reports

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"subgate/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	// AllProviders is the key of the grand total in a Summary.
	AllProviders = "all"
	sheetName    = "payments"
	columnWidth  = 18
	timeLayout   = "2006-01-02 15:04:05"
)

type Totals struct {
	Count int   `json:"count"`
	Sum   int64 `json:"sum"`
}

// Summary maps a provider name, plus AllProviders, to its totals.
type Summary map[string]Totals

// Providers lists the provider keys in a stable order, without the total.
func (s Summary) Providers() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		if k != AllProviders {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func Summarize(payments []models.Payment) Summary {
	out := Summary{AllProviders: {}}
	for _, p := range payments {
		provider := strings.ToLower(strings.TrimSpace(p.Provider))
		if provider == "" {
			provider = "unknown"
		}
		t := out[provider]
		t.Count++
		t.Sum += p.Amount
		out[provider] = t

		all := out[AllProviders]
		all.Count++
		all.Sum += p.Amount
		out[AllProviders] = all
	}
	return out
}

var headers = []any{
	"payment_id", "created_at_utc", "tg_id", "pay_code", "provider",
	"amount", "status", "plan_days", "ext_id",
}

// BuildPaymentsXLSX renders a title row, a generated-at row, a blank row, the
// header and one row per payment.
func BuildPaymentsXLSX(payments []models.Payment, title string, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	rows := [][]any{
		{title},
		{"Generated (UTC)", generated.UTC().Format(timeLayout)},
		{},
		headers,
	}
	for _, p := range payments {
		ext := ""
		if p.ExtID != nil {
			ext = *p.ExtID
		}
		created := ""
		if !p.CreatedAt.IsZero() {
			created = p.CreatedAt.UTC().Format(timeLayout)
		}
		rows = append(rows, []any{
			p.ID, created, p.TgID, p.PayCode, p.Provider,
			p.Amount, p.Status, p.PlanDays, ext,
		})
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	last, err := excelize.ColumnNumberToName(len(headers))
	if err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheetName, "A", last, columnWidth); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
