// Package models defines the core domain entities shared by the pipeline,
// the job orchestrator and the HTTP layer: POS transactions, association
// rules and job records. Models carry their own validation so that every
// stage can reject malformed input at its boundary.
package models

import (
	"errors"
	"strconv"
	"time"
)

// Semantic column names every transaction source must map onto.
const (
	ColCustomerID = "customer_id"
	ColTimestamp  = "timestamp"
	ColAmount     = "amount"
	ColShopName   = "shop_name"
	ColTenantName = "tenant_name"
	ColCategory   = "category"
)

// RequiredColumns lists the columns without which no basket can be built.
var RequiredColumns = []string{ColCustomerID, ColTimestamp, ColAmount, ColShopName}

// Transaction is a single POS line item after column mapping.
type Transaction struct {
	CustomerID   string    `json:"customer_id"`
	Timestamp    time.Time `json:"timestamp"`     // Zero when RawTimestamp could not be parsed
	RawTimestamp string    `json:"raw_timestamp"` // Value as it appeared in the upload
	Amount       float64   `json:"amount"`
	ShopName     string    `json:"shop_name"`
	TenantName   string    `json:"tenant_name,omitempty"`
	Category     string    `json:"category,omitempty"`
}

// TimeKey identifies the purchase moment for deduplication. Parsed
// timestamps compare by instant; unparsed ones fall back to the raw text.
func (t Transaction) TimeKey() string {
	if t.Timestamp.IsZero() {
		return "raw:" + t.RawTimestamp
	}
	return strconv.FormatInt(t.Timestamp.UnixNano(), 10)
}

// Before orders two transactions of the same customer by purchase moment.
func (t Transaction) Before(o Transaction) bool {
	switch {
	case !t.Timestamp.IsZero() && !o.Timestamp.IsZero():
		return t.Timestamp.Before(o.Timestamp)
	case t.Timestamp.IsZero() != o.Timestamp.IsZero():
		// Parsed timestamps sort ahead of unparsed ones.
		return !t.Timestamp.IsZero()
	default:
		return t.RawTimestamp < o.RawTimestamp
	}
}

// Validate checks that all required transaction fields are present.
func (t *Transaction) Validate() error {
	if t.CustomerID == "" {
		return errors.New("customer ID must not be empty")
	}
	if t.ShopName == "" {
		return errors.New("shop name must not be empty")
	}
	if t.Timestamp.IsZero() && t.RawTimestamp == "" {
		return errors.New("timestamp must not be empty")
	}
	return nil
}
