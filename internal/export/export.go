// Package export writes and reads the rule table artifact offered for
// download after a job completes.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/takeru403/Ipoca-network/internal/models"
)

// ErrInvalidName is returned for artifact names that could escape the
// artifact directory.
var ErrInvalidName = errors.New("invalid artifact name")

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ruleRow is the CSV shape of a rule. Conviction is empty when undefined.
type ruleRow struct {
	Antecedents       string  `csv:"antecedents"`
	Consequents       string  `csv:"consequents"`
	AntecedentSupport float64 `csv:"antecedent_support"`
	ConsequentSupport float64 `csv:"consequent_support"`
	Support           float64 `csv:"support"`
	Confidence        float64 `csv:"confidence"`
	Lift              float64 `csv:"lift"`
	Leverage          float64 `csv:"leverage"`
	Conviction        string  `csv:"conviction"`
	Jaccard           float64 `csv:"jaccard"`
	AntecedentSize    int     `csv:"antecedent_size"`
	ConsequentSize    int     `csv:"consequent_size"`
	AntecedentRevenue float64 `csv:"antecedent_revenue"`
	ConsequentRevenue float64 `csv:"consequent_revenue"`
	TotalRevenue      float64 `csv:"total_revenue"`
}

func toRow(r models.Rule) ruleRow {
	row := ruleRow{
		Antecedents:       r.Antecedents,
		Consequents:       r.Consequents,
		AntecedentSupport: r.AntecedentSupport,
		ConsequentSupport: r.ConsequentSupport,
		Support:           r.Support,
		Confidence:        r.Confidence,
		Lift:              r.Lift,
		Leverage:          r.Leverage,
		Jaccard:           r.Jaccard,
		AntecedentSize:    r.AntecedentSize,
		ConsequentSize:    r.ConsequentSize,
		AntecedentRevenue: r.AntecedentRevenue,
		ConsequentRevenue: r.ConsequentRevenue,
		TotalRevenue:      r.TotalRevenue,
	}
	if r.Conviction != nil {
		row.Conviction = strconv.FormatFloat(*r.Conviction, 'g', -1, 64)
	}
	return row
}

func (row ruleRow) rule() models.Rule {
	r := models.Rule{
		Antecedents:       row.Antecedents,
		Consequents:       row.Consequents,
		AntecedentSupport: row.AntecedentSupport,
		ConsequentSupport: row.ConsequentSupport,
		Support:           row.Support,
		Confidence:        row.Confidence,
		Lift:              row.Lift,
		Leverage:          row.Leverage,
		Jaccard:           row.Jaccard,
		AntecedentSize:    row.AntecedentSize,
		ConsequentSize:    row.ConsequentSize,
		AntecedentRevenue: row.AntecedentRevenue,
		ConsequentRevenue: row.ConsequentRevenue,
		TotalRevenue:      row.TotalRevenue,
	}
	if v, err := strconv.ParseFloat(row.Conviction, 64); err == nil {
		r.Conviction = &v
	}
	return r
}

// ArtifactName derives the rules file name of a job,
// e.g. pos_process_20240401_101500_x → pos_processed_20240401_101500_x.csv.
func ArtifactName(processID string) string {
	return strings.Replace(processID, "pos_process_", "pos_processed_", 1) + ".csv"
}

// ValidName reports whether name is a plain file name safe to join to the
// artifact directory.
func ValidName(name string) bool {
	return validName.MatchString(name) && name != "." && name != ".." && !strings.Contains(name, "..")
}

// EncodeRules writes table as UTF-8 CSV with a byte order mark so that
// spreadsheet tools detect the encoding. The header is always written.
func EncodeRules(w io.Writer, table *models.RuleTable) error {
	rows := make([]ruleRow, 0, table.Len())
	if table != nil {
		for _, r := range table.Rules {
			rows = append(rows, toRow(r))
		}
	}
	if _, err := w.Write(utf8BOM); err != nil {
		return err
	}
	if len(rows) == 0 {
		_, err := io.WriteString(w, strings.Join(models.RuleColumns, ",")+"\n")
		return err
	}
	return gocsv.Marshal(&rows, w)
}

// ReadRulesCSV reads a CSV written by EncodeRules.
func ReadRulesCSV(r io.Reader) (*models.RuleTable, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []ruleRow
	if err := gocsv.UnmarshalBytes(bytes.TrimPrefix(raw, utf8BOM), &rows); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return models.NewRuleTable(nil), nil
		}
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	rules := make([]models.Rule, len(rows))
	for i, row := range rows {
		rules[i] = row.rule()
	}
	return models.NewRuleTable(rules), nil
}

// WriteRulesCSV stores table under dir as the artifact of processID and
// returns the artifact file name. The file is written to a temporary name
// and renamed into place.
func WriteRulesCSV(dir, processID string, table *models.RuleTable) (string, error) {
	name := ArtifactName(processID)
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	var buf bytes.Buffer
	if err := EncodeRules(&buf, table); err != nil {
		return "", fmt.Errorf("failed to encode rules: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to rename file: %w", err)
	}
	return name, nil
}

// Open opens an artifact for reading.
func Open(dir, name string) (*os.File, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return os.Open(filepath.Join(dir, name))
}
