package mining

import (
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/takeru403/Ipoca-network/internal/basket"
)

// Itemset is a frequent set of shops. Items are basket column indices in
// ascending order; Shops holds the matching names.
type Itemset struct {
	Items   []int    `json:"-"`
	Shops   []string `json:"itemsets"`
	Support float64  `json:"support"`

	bits *bitset.BitSet
}

// Len returns the number of shops in the itemset.
func (s Itemset) Len() int { return len(s.Items) }

func (s Itemset) key() string {
	return itemKey(s.Items)
}

func itemKey(items []int) string {
	b := make([]byte, 0, len(items)*3)
	for i, it := range items {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendInt(b, it)
	}
	return string(b)
}

func appendInt(b []byte, n int) []byte {
	if n >= 10 {
		b = appendInt(b, n/10)
	}
	return append(b, byte('0'+n%10))
}

// Apriori mines every itemset of size 1..maxLen whose support is at least
// minSupport. Candidates of size k are joined from frequent (k-1)-itemsets
// sharing a (k-2)-prefix and pruned unless all their (k-1)-subsets are
// frequent. Results are ordered by size, then by column indices.
func Apriori(b *basket.Basket, minSupport float64, maxLen int) []Itemset {
	n := b.NumCustomers()
	if n == 0 || maxLen < 1 {
		return nil
	}
	total := float64(n)

	var level []Itemset
	for j := 0; j < b.NumShops(); j++ {
		col := b.Column(j)
		support := float64(col.Count()) / total
		if support >= minSupport {
			level = append(level, Itemset{
				Items:   []int{j},
				Shops:   []string{b.Shops[j]},
				Support: support,
				bits:    col,
			})
		}
	}

	all := append([]Itemset(nil), level...)
	for k := 2; k <= maxLen && len(level) > 1; k++ {
		frequent := make(map[string]bool, len(level))
		for _, s := range level {
			frequent[s.key()] = true
		}

		var next []Itemset
		for i := 0; i < len(level); i++ {
			for j := i + 1; j < len(level); j++ {
				a, c := level[i], level[j]
				if !samePrefix(a.Items, c.Items) {
					// level is sorted, so no later j shares a's prefix either.
					break
				}
				items := make([]int, k)
				copy(items, a.Items)
				items[k-1] = c.Items[k-2]
				if !subsetsFrequent(items, frequent) {
					continue
				}
				bits := a.bits.Intersection(c.bits)
				support := float64(bits.Count()) / total
				if support < minSupport {
					continue
				}
				shops := make([]string, k)
				for x, it := range items {
					shops[x] = b.Shops[it]
				}
				next = append(next, Itemset{Items: items, Shops: shops, Support: support, bits: bits})
			}
		}
		all = append(all, next...)
		level = next
	}
	return all
}

func samePrefix(a, b []int) bool {
	for i := 0; i < len(a)-1; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func subsetsFrequent(items []int, frequent map[string]bool) bool {
	if len(items) <= 2 {
		return true
	}
	sub := make([]int, 0, len(items)-1)
	for skip := range items {
		sub = sub[:0]
		for i, it := range items {
			if i != skip {
				sub = append(sub, it)
			}
		}
		if !frequent[itemKey(sub)] {
			return false
		}
	}
	return true
}

// topBySupport returns the multi-item itemsets ranked by support
// (descending, stable), capped at limit.
func topBySupport(sets []Itemset, limit int) []Itemset {
	var multi []Itemset
	for _, s := range sets {
		if s.Len() > 1 {
			multi = append(multi, s)
		}
	}
	sort.SliceStable(multi, func(i, j int) bool {
		return multi[i].Support > multi[j].Support
	})
	if limit > 0 && len(multi) > limit {
		multi = multi[:limit]
	}
	return multi
}
