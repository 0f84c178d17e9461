// Package basket turns POS transactions into a customer × shop purchase
// incidence matrix.
//
// The pipeline is: Dedup (one primary line item per customer and purchase
// moment), Revenue (amount per shop over the surviving rows), then a pivot
// into one bitset column per shop whose bits are customer row indices.
package basket

import (
	"errors"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/takeru403/Ipoca-network/internal/models"
)

// ErrEmptyBasket is returned when no purchase survives deduplication and pivoting.
var ErrEmptyBasket = errors.New("basket is empty: no purchases survived deduplication")

// Revenue maps a shop name to the summed amount of its deduplicated transactions.
type Revenue map[string]float64

// Of returns the revenue for shop, 0 when the shop is unknown.
func (r Revenue) Of(shop string) float64 {
	return r[shop]
}

// Basket is a boolean customer × shop matrix stored column-wise.
// Customers and Shops are sorted; every customer row has at least one set
// cell and every shop column at least one set bit.
type Basket struct {
	Customers []string
	Shops     []string
	cols      []*bitset.BitSet
}

// NumCustomers returns the number of rows.
func (b *Basket) NumCustomers() int { return len(b.Customers) }

// NumShops returns the number of columns.
func (b *Basket) NumShops() int { return len(b.Shops) }

// Column returns the purchase bitset of the j-th shop. Callers must not modify it.
func (b *Basket) Column(j int) *bitset.BitSet { return b.cols[j] }

// Has reports whether customer bought at shop.
func (b *Basket) Has(customer, shop string) bool {
	i := sort.SearchStrings(b.Customers, customer)
	j := sort.SearchStrings(b.Shops, shop)
	if i >= len(b.Customers) || b.Customers[i] != customer || j >= len(b.Shops) || b.Shops[j] != shop {
		return false
	}
	return b.cols[j].Test(uint(i))
}

// Row returns the shops bought by the i-th customer, in column order.
func (b *Basket) Row(i int) []string {
	var shops []string
	for j, col := range b.cols {
		if col.Test(uint(i)) {
			shops = append(shops, b.Shops[j])
		}
	}
	return shops
}

// Dedup sorts transactions by (customer, timestamp, amount descending) and
// keeps the first row per (customer, timestamp). When several line items
// share a purchase moment the highest amount is the primary signal.
// The input slice is not modified.
func Dedup(txs []models.Transaction) []models.Transaction {
	sorted := make([]models.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if a.Before(b) {
			return true
		}
		if b.Before(a) {
			return false
		}
		return a.Amount > b.Amount
	})

	out := make([]models.Transaction, 0, len(sorted))
	var lastCustomer, lastKey string
	for i, tx := range sorted {
		key := tx.TimeKey()
		if i > 0 && tx.CustomerID == lastCustomer && key == lastKey {
			continue
		}
		out = append(out, tx)
		lastCustomer, lastKey = tx.CustomerID, key
	}
	return out
}

// SumRevenue groups transactions by shop and sums their amounts.
func SumRevenue(txs []models.Transaction) Revenue {
	rev := make(Revenue)
	for _, tx := range txs {
		rev[tx.ShopName] += tx.Amount
	}
	return rev
}

// Build deduplicates txs, computes the per-shop revenue table on the
// surviving rows and pivots them into a Basket.
func Build(txs []models.Transaction) (*Basket, Revenue, error) {
	deduped := Dedup(txs)
	rev := SumRevenue(deduped)

	counts := make(map[string]map[string]int)
	for _, tx := range deduped {
		if tx.CustomerID == "" || tx.ShopName == "" {
			continue
		}
		row, ok := counts[tx.CustomerID]
		if !ok {
			row = make(map[string]int)
			counts[tx.CustomerID] = row
		}
		row[tx.ShopName]++
	}

	b, err := pivot(counts)
	if err != nil {
		return nil, nil, err
	}
	return b, rev, nil
}

// FromSets builds a Basket directly from customer → shops incidence.
func FromSets(sets map[string][]string) (*Basket, error) {
	counts := make(map[string]map[string]int, len(sets))
	for customer, shops := range sets {
		row := make(map[string]int, len(shops))
		for _, s := range shops {
			row[s]++
		}
		counts[customer] = row
	}
	return pivot(counts)
}

func pivot(counts map[string]map[string]int) (*Basket, error) {
	shopSet := make(map[string]bool)
	var customers []string
	for customer, row := range counts {
		bought := false
		for shop, n := range row {
			if n > 0 {
				shopSet[shop] = true
				bought = true
			}
		}
		if bought {
			customers = append(customers, customer)
		}
	}
	if len(customers) == 0 || len(shopSet) == 0 {
		return nil, ErrEmptyBasket
	}
	sort.Strings(customers)

	shops := make([]string, 0, len(shopSet))
	for s := range shopSet {
		shops = append(shops, s)
	}
	sort.Strings(shops)

	index := make(map[string]int, len(shops))
	cols := make([]*bitset.BitSet, len(shops))
	for j, s := range shops {
		index[s] = j
		cols[j] = bitset.New(uint(len(customers)))
	}
	for i, customer := range customers {
		for shop, n := range counts[customer] {
			if n > 0 {
				cols[index[shop]].Set(uint(i))
			}
		}
	}

	// Drop all-zero columns.
	keptShops := shops[:0]
	keptCols := cols[:0]
	for j, col := range cols {
		if col.Any() {
			keptShops = append(keptShops, shops[j])
			keptCols = append(keptCols, col)
		}
	}
	if len(keptShops) == 0 {
		return nil, ErrEmptyBasket
	}

	return &Basket{Customers: customers, Shops: keptShops, cols: keptCols}, nil
}
