package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionValidate(t *testing.T) {
	now := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		tx      Transaction
		wantErr bool
	}{
		{"valid", Transaction{CustomerID: "c1", Timestamp: now, ShopName: "A", Amount: 100}, false},
		{"raw timestamp only", Transaction{CustomerID: "c1", RawTimestamp: "someday", ShopName: "A"}, false},
		{"empty customer", Transaction{Timestamp: now, ShopName: "A"}, true},
		{"empty shop", Transaction{CustomerID: "c1", Timestamp: now}, true},
		{"no timestamp", Transaction{CustomerID: "c1", ShopName: "A"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransactionTimeKey(t *testing.T) {
	a := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	b := a.In(time.FixedZone("JST", 9*3600))

	t1 := Transaction{Timestamp: a, RawTimestamp: "2024-04-01 10:00"}
	t2 := Transaction{Timestamp: b, RawTimestamp: "2024/04/01 19:00"}
	assert.Equal(t, t1.TimeKey(), t2.TimeKey(), "same instant in different zones")

	u1 := Transaction{RawTimestamp: "x"}
	u2 := Transaction{RawTimestamp: "y"}
	assert.NotEqual(t, u1.TimeKey(), u2.TimeKey())
}

func TestTransactionBefore(t *testing.T) {
	early := Transaction{Timestamp: time.Unix(100, 0)}
	late := Transaction{Timestamp: time.Unix(200, 0)}
	raw := Transaction{RawTimestamp: "a"}

	assert.True(t, early.Before(late))
	assert.False(t, late.Before(early))
	assert.True(t, late.Before(raw), "parsed sorts before unparsed")
	assert.False(t, raw.Before(early))
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid", Rule{Antecedents: "A", Consequents: "B", Support: 0.5, Confidence: 0.8, Lift: 1.2}, false},
		{"missing consequent", Rule{Antecedents: "A", Support: 0.5}, true},
		{"support above one", Rule{Antecedents: "A", Consequents: "B", Support: 1.5}, true},
		{"negative confidence", Rule{Antecedents: "A", Consequents: "B", Confidence: -0.1}, true},
		{"infinite lift", Rule{Antecedents: "A", Consequents: "B", Lift: math.Inf(1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEmptyRuleTableKeepsSchema(t *testing.T) {
	table := NewRuleTable(nil)
	assert.Equal(t, RuleColumns, table.Columns)
	assert.NotNil(t, table.Rules)
	assert.Equal(t, 0, table.Len())

	data, err := json.Marshal(table)
	require.NoError(t, err)
	assert.JSONEq(t, `{"columns":`+mustJSON(t, RuleColumns)+`,"rules":[]}`, string(data))

	// Mutating the table's schema must not leak into the package schema.
	table.Columns[0] = "mutated"
	assert.Equal(t, ColAntecedents, RuleColumns[0])
}

func TestRuleTableShops(t *testing.T) {
	table := NewRuleTable([]Rule{
		{Antecedents: "B", Consequents: "A"},
		{Antecedents: "A", Consequents: "C"},
		{Antecedents: "C", Consequents: "B"},
	})
	assert.Equal(t, []string{"B", "A", "C"}, table.Shops())

	var nilTable *RuleTable
	assert.Nil(t, nilTable.Shops())
	assert.Equal(t, 0, nilTable.Len())
}

func TestRuleConvictionNull(t *testing.T) {
	data, err := json.Marshal(Rule{Antecedents: "A", Consequents: "B", Confidence: 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conviction":null`)
}

func TestJobRecordValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		rec     JobRecord
		wantErr bool
	}{
		{"valid processing", JobRecord{ProcessID: "p", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}, false},
		{"valid completed", JobRecord{ProcessID: "p", Status: StatusCompleted, Progress: 100, Result: json.RawMessage(`{}`), CreatedAt: now, UpdatedAt: now}, false},
		{"empty id", JobRecord{Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}, true},
		{"bad status", JobRecord{ProcessID: "p", Status: "cancelled", CreatedAt: now, UpdatedAt: now}, true},
		{"progress overflow", JobRecord{ProcessID: "p", Status: StatusProcessing, Progress: 101, CreatedAt: now, UpdatedAt: now}, true},
		{"failed with result", JobRecord{ProcessID: "p", Status: StatusFailed, Result: json.RawMessage(`{}`), CreatedAt: now, UpdatedAt: now}, true},
		{"updated before created", JobRecord{ProcessID: "p", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now.Add(-time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestJobRecordClone(t *testing.T) {
	fin := time.Now()
	rec := JobRecord{ProcessID: "p", Result: json.RawMessage(`{"a":1}`), FinishedAt: &fin}
	c := rec.Clone()

	c.Result[0] = '['
	*c.FinishedAt = fin.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(rec.Result))
	assert.Equal(t, fin, *rec.FinishedAt)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
