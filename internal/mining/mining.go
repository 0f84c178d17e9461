// Package mining derives shop-to-shop association rules from a purchase
// basket: Apriori frequent itemsets, then rules ranked and filtered by
// lift, enriched with per-shop revenue.
//
// Mining never fails hard on algorithmic problems. Any internal error is
// logged and reported through Result.Failure while Result.Table stays an
// empty rule table with the full column schema.
package mining

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/takeru403/Ipoca-network/internal/basket"
	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/models"
)

// Options control itemset mining and rule derivation.
type Options struct {
	MinSupport  float64 // Minimum itemset support, fraction of customers
	MaxLen      int     // Maximum itemset size
	MinLift     float64 // Rules with lower lift are dropped
	MaxItemsets int     // Cap on multi-item itemsets fed into rule derivation
}

// DefaultOptions returns the options used when a request does not override
// them. Retail baskets are sparse across hundreds of shops, hence the very
// low support threshold.
func DefaultOptions() Options {
	return Options{
		MinSupport:  0.0001,
		MaxLen:      2,
		MinLift:     1.0,
		MaxItemsets: 1000,
	}
}

// Validate checks that the options are usable.
func (o Options) Validate() error {
	if o.MinSupport <= 0 || o.MinSupport > 1 {
		return fmt.Errorf("min_support must be in (0, 1], got %g", o.MinSupport)
	}
	if o.MaxLen < 1 {
		return fmt.Errorf("max_len must be at least 1, got %d", o.MaxLen)
	}
	if o.MinLift < 0 {
		return fmt.Errorf("min_lift must not be negative, got %g", o.MinLift)
	}
	if o.MaxItemsets < 1 {
		return fmt.Errorf("max_itemsets must be at least 1, got %d", o.MaxItemsets)
	}
	return nil
}

// Failure describes a mining error that was degraded into an empty result.
type Failure struct {
	Err error
}

func (f *Failure) Error() string { return "rule mining failed: " + f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

// Result is the outcome of one mining run.
type Result struct {
	Table    *models.RuleTable
	Itemsets []Itemset
	Failure  *Failure // nil on success
}

// Miner mines rules with a fixed set of options.
type Miner struct {
	opts Options
}

// NewMiner creates a miner. Options are validated by Mine.
func NewMiner(opts Options) *Miner {
	return &Miner{opts: opts}
}

// Options returns the miner's options.
func (m *Miner) Options() Options { return m.opts }

// Mine runs Apriori over b and derives rules enriched from rev. The
// returned Result always carries a well-formed table.
func (m *Miner) Mine(b *basket.Basket, rev basket.Revenue) (res *Result) {
	res = &Result{Table: models.NewRuleTable(nil)}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Rule mining panicked: %v\n%s", r, debug.Stack())
			res = &Result{Table: models.NewRuleTable(nil), Failure: &Failure{Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	if err := m.opts.Validate(); err != nil {
		logger.Error("Rule mining rejected options: %v", err)
		res.Failure = &Failure{Err: err}
		return res
	}
	if b == nil || b.NumCustomers() == 0 {
		logger.Warn("Rule mining skipped: empty basket")
		return res
	}

	itemsets := Apriori(b, m.opts.MinSupport, m.opts.MaxLen)
	res.Itemsets = itemsets
	if len(itemsets) == 0 {
		logger.Warn("No frequent itemsets at min_support=%g", m.opts.MinSupport)
		return res
	}

	rules := deriveRules(b, itemsets, m.opts)
	for i := range rules {
		r := &rules[i]
		r.AntecedentRevenue = rev.Of(r.Antecedents)
		r.ConsequentRevenue = rev.Of(r.Consequents)
		r.TotalRevenue = r.AntecedentRevenue + r.ConsequentRevenue
	}
	res.Table = models.NewRuleTable(rules)

	logger.Info("Mined %d itemsets and %d rules from %d customers x %d shops",
		len(itemsets), len(rules), b.NumCustomers(), b.NumShops())
	return res
}

// MineTransactions builds the basket from raw transactions and mines it.
// Basket errors such as basket.ErrEmptyBasket are returned; mining errors
// are reported through Result.Failure.
func MineTransactions(txs []models.Transaction, opts Options) (*Result, basket.Revenue, error) {
	b, rev, err := basket.Build(txs)
	if err != nil {
		return nil, nil, err
	}
	return NewMiner(opts).Mine(b, rev), rev, nil
}

// IsFailure reports whether err is a degraded mining failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}
