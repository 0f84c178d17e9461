package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/takeru403/Ipoca-network/internal/models"
)

// Aliases maps the column headers of the mall's POS exports onto semantic
// names. Explicit mappings passed to Transactions take precedence.
var Aliases = map[string]string{
	"カード番号":   models.ColCustomerID,
	"利用日時":    models.ColTimestamp,
	"利用金額":    models.ColAmount,
	"ショップ名略称": models.ColShopName,
	"テナント名":   models.ColTenantName,
	"カテゴリ":    models.ColCategory,
}

// MissingColumnsError lists required semantic columns absent after mapping.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return "missing required columns: " + strings.Join(e.Missing, ", ")
}

// Report counts what happened to each row during conversion.
type Report struct {
	Rows               int `json:"rows"`
	Accepted           int `json:"accepted"`
	SkippedNoKey       int `json:"skipped_no_key"`      // empty customer or shop
	SkippedBadAmount   int `json:"skipped_bad_amount"`  // amount not numeric
	UnparsedTimestamps int `json:"unparsed_timestamps"` // kept, deduplicated by raw text
}

// Location is the zone used for timestamps without an offset.
var Location = time.UTC

// MapColumns resolves every frame column to its semantic name.
func (f *Frame) MapColumns(mapping map[string]string) map[string]int {
	resolved := make(map[string]int, len(f.Columns))
	assign := func(name string, i int) {
		if _, taken := resolved[name]; !taken {
			resolved[name] = i
		}
	}
	// Explicit mappings first so they win over aliases and raw names.
	for i, c := range f.Columns {
		if m, ok := mapping[c]; ok && m != "" {
			assign(m, i)
		}
	}
	for i, c := range f.Columns {
		if _, ok := mapping[c]; ok {
			continue
		}
		if a, ok := Aliases[c]; ok {
			assign(a, i)
		}
		assign(c, i)
	}
	return resolved
}

// CheckColumns returns a *MissingColumnsError if any required column is
// absent after mapping.
func (f *Frame) CheckColumns(mapping map[string]string) error {
	cols := f.MapColumns(mapping)
	var missing []string
	for _, req := range models.RequiredColumns {
		if _, ok := cols[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Missing: missing}
	}
	return nil
}

// Transactions converts rows into transactions. Rows without a customer or
// shop, or with a non-numeric amount, are skipped and counted in the Report.
func (f *Frame) Transactions(mapping map[string]string) ([]models.Transaction, Report, error) {
	if err := f.CheckColumns(mapping); err != nil {
		return nil, Report{}, err
	}
	cols := f.MapColumns(mapping)
	get := func(row []string, name string) string {
		if i, ok := cols[name]; ok {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	rep := Report{Rows: len(f.Rows)}
	txs := make([]models.Transaction, 0, len(f.Rows))
	for _, row := range f.Rows {
		tx := models.Transaction{
			CustomerID:   get(row, models.ColCustomerID),
			RawTimestamp: get(row, models.ColTimestamp),
			ShopName:     get(row, models.ColShopName),
			TenantName:   get(row, models.ColTenantName),
			Category:     get(row, models.ColCategory),
		}
		if tx.CustomerID == "" || tx.ShopName == "" || tx.RawTimestamp == "" {
			rep.SkippedNoKey++
			continue
		}
		amount, err := ParseAmount(get(row, models.ColAmount))
		if err != nil {
			rep.SkippedBadAmount++
			continue
		}
		tx.Amount = amount
		if ts, ok := ParseTimestamp(tx.RawTimestamp); ok {
			tx.Timestamp = ts
		} else {
			rep.UnparsedTimestamps++
		}
		txs = append(txs, tx)
	}
	rep.Accepted = len(txs)
	return txs, rep, nil
}

var amountNoise = strings.NewReplacer(",", "", "¥", "", "￥", "", "$", "", "円", "", " ", "", "　", "")

// ParseAmount reads an amount such as "1,200", "¥1200" or "1200円".
func ParseAmount(s string) (float64, error) {
	clean := amountNoise.Replace(strings.TrimSpace(s))
	if clean == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"1/2/06 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"01-02-06 15:04",
	"2006年1月2日 15時04分",
	"20060102150405",
	"2006-01-02",
	"2006/01/02",
	"2006/1/2",
	"01-02-06",
}

// ParseTimestamp accepts the common export layouts and Excel serial dates.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, Location); err == nil {
			return t, true
		}
	}
	// Serial days since 1900, within 1954..2119.
	if v, err := strconv.ParseFloat(s, 64); err == nil && v > 20000 && v < 80000 {
		if t, err := excelize.ExcelDateToTime(v, false); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, Location), true
		}
	}
	return time.Time{}, false
}
