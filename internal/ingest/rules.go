package ingest

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/takeru403/Ipoca-network/internal/models"
)

// Rules reads a rule table previously exported by the pipeline, or any
// table with antecedents, consequents and lift columns. Other rule columns
// are optional and default to zero.
func (f *Frame) Rules() (*models.RuleTable, error) {
	var missing []string
	for _, req := range []string{models.ColAntecedents, models.ColConsequents, models.ColLift} {
		if f.Index(req) < 0 {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Missing: missing}
	}

	num := func(row []string, col string, line int) (float64, error) {
		i := f.Index(col)
		if i < 0 || strings.TrimSpace(row[i]) == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
		if err != nil {
			return 0, errors.Wrapf(err, "row %d: invalid %s", line, col)
		}
		return v, nil
	}

	rules := make([]models.Rule, 0, len(f.Rows))
	for n, row := range f.Rows {
		line := n + 2 // header is line 1
		r := models.Rule{
			Antecedents: itemName(row[f.Index(models.ColAntecedents)]),
			Consequents: itemName(row[f.Index(models.ColConsequents)]),
		}
		fields := []struct {
			col string
			dst *float64
		}{
			{models.ColLift, &r.Lift},
			{models.ColSupport, &r.Support},
			{models.ColConfidence, &r.Confidence},
			{models.ColAntecedentSupport, &r.AntecedentSupport},
			{models.ColConsequentSupport, &r.ConsequentSupport},
			{models.ColLeverage, &r.Leverage},
			{models.ColJaccard, &r.Jaccard},
			{models.ColAntecedentRevenue, &r.AntecedentRevenue},
			{models.ColConsequentRevenue, &r.ConsequentRevenue},
			{models.ColTotalRevenue, &r.TotalRevenue},
		}
		for _, fd := range fields {
			v, err := num(row, fd.col, line)
			if err != nil {
				return nil, err
			}
			*fd.dst = v
		}
		if i := f.Index(models.ColConviction); i >= 0 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64); err == nil {
				r.Conviction = &v
			}
		}
		r.AntecedentSize, r.ConsequentSize = 1, 1
		rules = append(rules, r)
	}
	return models.NewRuleTable(rules), nil
}

// itemName unwraps a set literal such as frozenset({'A'}) to its first item.
// Plain names are returned trimmed.
func itemName(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "frozenset(") && strings.HasSuffix(s, ")") {
		s = s[len("frozenset(") : len(s)-1]
	}
	if len(s) >= 2 && (s[0] == '{' && s[len(s)-1] == '}' || s[0] == '[' && s[len(s)-1] == ']') {
		s = s[1 : len(s)-1]
		if i := strings.Index(s, ","); i >= 0 {
			s = s[:i]
		}
		s = strings.Trim(strings.TrimSpace(s), `'"`)
	}
	return strings.TrimSpace(s)
}
