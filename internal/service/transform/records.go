package transform

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PreambleLines is the number of non-tabular lines (book title, author,
// export banner) the notes export writes before its header row.
const PreambleLines = 7

type Record struct {
	Type       string
	Location   string
	Starred    bool
	Annotation string
}

// column positions used when the header row is not recognised.
var defaultColumns = map[string]int{"type": 0, "location": 1, "starred": 2, "annotation": 3}

var headerAliases = map[string]string{
	"annotation type": "type",
	"type":            "type",
	"location":        "location",
	"starred?":        "starred",
	"starred":         "starred",
	"annotation":      "annotation",
	"note":            "annotation",
}

// ExtractRecords skips the export preamble, reads the header row and returns
// one record per remaining row in file order.
func ExtractRecords(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	for i := 0; i < PreambleLines; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("export ended inside preamble at line %d", i+1)
			}
			return nil, fmt.Errorf("failed to read preamble: %w", err)
		}
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	columns := mapColumns(header)

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", len(records)+1, err)
		}

		records = append(records, Record{
			Type:       field(row, columns["type"]),
			Location:   field(row, columns["location"]),
			Starred:    isStarred(field(row, columns["starred"])),
			Annotation: field(row, columns["annotation"]),
		})
	}

	return records, nil
}

func mapColumns(header []string) map[string]int {
	columns := make(map[string]int, len(defaultColumns))
	for i, name := range header {
		if key, ok := headerAliases[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))]; ok {
			if _, seen := columns[key]; !seen {
				columns[key] = i
			}
		}
	}
	if len(columns) < len(defaultColumns) {
		return defaultColumns
	}
	return columns
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isStarred(v string) bool {
	switch strings.ToLower(v) {
	case "", "no", "false", "0", "n":
		return false
	default:
		return true
	}
}
