package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeru403/Ipoca-network/internal/models"
)

func sampleTable() *models.RuleTable {
	conv := 1.5
	return models.NewRuleTable([]models.Rule{
		{
			Antecedents: "Bakery", Consequents: "Cafe, Main",
			AntecedentSupport: 0.5, ConsequentSupport: 0.5, Support: 0.5,
			Confidence: 1, Lift: 2, Leverage: 0.25, Jaccard: 1,
			AntecedentSize: 1, ConsequentSize: 1,
			AntecedentRevenue: 100, ConsequentRevenue: 40, TotalRevenue: 140,
		},
		{
			Antecedents: "Cafe, Main", Consequents: "Bakery",
			AntecedentSupport: 0.5, ConsequentSupport: 0.5, Support: 0.25,
			Confidence: 0.5, Lift: 1.2, Conviction: &conv,
			AntecedentSize: 1, ConsequentSize: 1,
		},
	})
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "pos_processed_20240401_101500_abc.csv", ArtifactName("pos_process_20240401_101500_abc"))
	assert.True(t, ValidName(ArtifactName("pos_process_20240401_101500_abc")))
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"pos_processed_x.csv", true},
		{"rules-1.csv", true},
		{"", false},
		{"..", false},
		{"../etc/passwd", false},
		{"a/b.csv", false},
		{"a..csv", false},
		{"名前.csv", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidName(tt.name), tt.name)
	}
}

func TestEncodeDecodeRules(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRules(&buf, sampleTable()))

	raw := buf.Bytes()
	assert.True(t, bytes.HasPrefix(raw, utf8BOM))
	assert.Contains(t, string(raw), `"Cafe, Main"`)

	table, err := ReadRulesCSV(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, models.RuleColumns, table.Columns)

	first := table.Rules[0]
	assert.Equal(t, "Bakery", first.Antecedents)
	assert.Equal(t, "Cafe, Main", first.Consequents)
	assert.Equal(t, 2.0, first.Lift)
	assert.Equal(t, 140.0, first.TotalRevenue)
	assert.Nil(t, first.Conviction)

	second := table.Rules[1]
	require.NotNil(t, second.Conviction)
	assert.Equal(t, 1.5, *second.Conviction)
}

func TestEncodeEmptyTableKeepsHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRules(&buf, models.NewRuleTable(nil)))

	header := string(bytes.TrimPrefix(buf.Bytes(), utf8BOM))
	assert.Equal(t, "antecedents,consequents,antecedent_support,consequent_support,support,confidence,lift,leverage,conviction,jaccard,antecedent_size,consequent_size,antecedent_revenue,consequent_revenue,total_revenue\n", header)

	table, err := ReadRulesCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
	assert.NotNil(t, table.Rules)
}

func TestWriteRulesCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")

	name, err := WriteRulesCSV(dir, "pos_process_20240401_101500_abc", sampleTable())
	require.NoError(t, err)
	assert.Equal(t, "pos_processed_20240401_101500_abc.csv", name)

	_, err = os.Stat(filepath.Join(dir, name+".tmp"))
	assert.True(t, os.IsNotExist(err))

	f, err := Open(dir, name)
	require.NoError(t, err)
	defer f.Close()

	table, err := ReadRulesCSV(f)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
}

func TestWriteRulesCSVRejectsUnsafeID(t *testing.T) {
	_, err := WriteRulesCSV(t.TempDir(), "../escape", sampleTable())
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestOpenRejectsTraversal(t *testing.T) {
	_, err := Open(t.TempDir(), "../secret.csv")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Open(t.TempDir(), "missing.csv")
	assert.True(t, os.IsNotExist(err))
}
