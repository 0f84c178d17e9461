package models

import (
	"errors"
	"math"
)

// Rule column names, in table order.
const (
	ColAntecedents       = "antecedents"
	ColConsequents       = "consequents"
	ColAntecedentSupport = "antecedent_support"
	ColConsequentSupport = "consequent_support"
	ColSupport           = "support"
	ColConfidence        = "confidence"
	ColLift              = "lift"
	ColLeverage          = "leverage"
	ColConviction        = "conviction"
	ColJaccard           = "jaccard"
	ColAntecedentSize    = "antecedent_size"
	ColConsequentSize    = "consequent_size"
	ColAntecedentRevenue = "antecedent_revenue"
	ColConsequentRevenue = "consequent_revenue"
	ColTotalRevenue      = "total_revenue"
)

// RuleColumns is the schema every rule table carries, including empty ones.
var RuleColumns = []string{
	ColAntecedents,
	ColConsequents,
	ColAntecedentSupport,
	ColConsequentSupport,
	ColSupport,
	ColConfidence,
	ColLift,
	ColLeverage,
	ColConviction,
	ColJaccard,
	ColAntecedentSize,
	ColConsequentSize,
	ColAntecedentRevenue,
	ColConsequentRevenue,
	ColTotalRevenue,
}

// Rule is a pairwise shop affinity derived from a frequent itemset.
//
// Antecedents and Consequents hold a single shop each. When the mined sets
// had more members only the first one (in basket column order) is kept and
// the original sizes are recorded in AntecedentSize and ConsequentSize.
type Rule struct {
	Antecedents       string   `json:"antecedents"`
	Consequents       string   `json:"consequents"`
	AntecedentSupport float64  `json:"antecedent_support"`
	ConsequentSupport float64  `json:"consequent_support"`
	Support           float64  `json:"support"`
	Confidence        float64  `json:"confidence"`
	Lift              float64  `json:"lift"`
	Leverage          float64  `json:"leverage"`
	Conviction        *float64 `json:"conviction"` // nil when confidence is 1
	Jaccard           float64  `json:"jaccard"`
	AntecedentSize    int      `json:"antecedent_size"`
	ConsequentSize    int      `json:"consequent_size"`
	AntecedentRevenue float64  `json:"antecedent_revenue"`
	ConsequentRevenue float64  `json:"consequent_revenue"`
	TotalRevenue      float64  `json:"total_revenue"`
}

// Validate checks that the rule is internally consistent.
func (r *Rule) Validate() error {
	if r.Antecedents == "" || r.Consequents == "" {
		return errors.New("antecedents and consequents must not be empty")
	}
	if r.Support < 0 || r.Support > 1 {
		return errors.New("support must be between 0.0 and 1.0")
	}
	if r.Confidence < 0 || r.Confidence > 1+1e-9 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	if math.IsNaN(r.Lift) || math.IsInf(r.Lift, 0) || r.Lift < 0 {
		return errors.New("lift must be a finite non-negative number")
	}
	return nil
}

// RuleTable is the mining output: a column schema plus rows.
type RuleTable struct {
	Columns []string `json:"columns"`
	Rules   []Rule   `json:"rules"`
}

// NewRuleTable wraps rules with the full column schema. A nil slice yields
// an empty, well-formed table.
func NewRuleTable(rules []Rule) *RuleTable {
	if rules == nil {
		rules = []Rule{}
	}
	cols := make([]string, len(RuleColumns))
	copy(cols, RuleColumns)
	return &RuleTable{Columns: cols, Rules: rules}
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rules)
}

// Shops returns every shop named by any rule, in first-seen order.
func (t *RuleTable) Shops() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool)
	var shops []string
	for _, r := range t.Rules {
		for _, s := range [2]string{r.Antecedents, r.Consequents} {
			if !seen[s] {
				seen[s] = true
				shops = append(shops, s)
			}
		}
	}
	return shops
}
