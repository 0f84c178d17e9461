package mining

import (
	"github.com/takeru403/Ipoca-network/internal/basket"
	"github.com/takeru403/Ipoca-network/internal/models"
)

// deriveRules generates every antecedent → consequent split of the top
// multi-item itemsets and keeps those with lift >= opts.MinLift.
func deriveRules(b *basket.Basket, itemsets []Itemset, opts Options) []models.Rule {
	support := make(map[string]float64, len(itemsets))
	for _, s := range itemsets {
		support[s.key()] = s.Support
	}

	var rules []models.Rule
	for _, set := range topBySupport(itemsets, opts.MaxItemsets) {
		sAC := set.Support
		for _, split := range splits(set.Items) {
			sA, okA := support[itemKey(split.antecedent)]
			sC, okC := support[itemKey(split.consequent)]
			if !okA || !okC || sA == 0 || sC == 0 {
				continue
			}
			confidence := sAC / sA
			lift := confidence / sC
			if lift < opts.MinLift {
				continue
			}

			rule := models.Rule{
				Antecedents:       b.Shops[split.antecedent[0]],
				Consequents:       b.Shops[split.consequent[0]],
				AntecedentSupport: sA,
				ConsequentSupport: sC,
				Support:           sAC,
				Confidence:        confidence,
				Lift:              lift,
				Leverage:          sAC - sA*sC,
				Jaccard:           sAC / (sA + sC - sAC),
				AntecedentSize:    len(split.antecedent),
				ConsequentSize:    len(split.consequent),
			}
			if confidence < 1 {
				conviction := (1 - sC) / (1 - confidence)
				rule.Conviction = &conviction
			}
			rules = append(rules, rule)
		}
	}
	return rules
}

type split struct {
	antecedent []int
	consequent []int
}

// splits enumerates every non-empty proper subset of items as antecedent,
// smallest first, with the remainder as consequent. Both sides preserve
// ascending column order.
func splits(items []int) []split {
	n := len(items)
	var out []split
	for size := 1; size < n; size++ {
		for mask := 1; mask < (1<<n)-1; mask++ {
			if popcount(mask) != size {
				continue
			}
			var a, c []int
			for i, it := range items {
				if mask&(1<<i) != 0 {
					a = append(a, it)
				} else {
					c = append(c, it)
				}
			}
			out = append(out, split{antecedent: a, consequent: c})
		}
	}
	return out
}

func popcount(x int) int {
	n := 0
	for ; x != 0; x &= x - 1 {
		n++
	}
	return n
}
