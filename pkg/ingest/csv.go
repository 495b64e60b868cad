package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
)

// csvTable is one parsed CSV file: a header and string-valued rows.
type csvTable struct {
	Header []string
	Rows   [][]string
}

func (t *csvTable) columnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// requireColumns verifies every named column exists in the header.
func (t *csvTable) requireColumns(file string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if t.columnIndex(name) < 0 {
			return fmt.Errorf("%s: missing declared column %q", file, name)
		}
	}
	return nil
}

// readCSV parses one CSV file with a header row.
func readCSV(path string) (*csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty file, expected a header row", path)
	}
	return &csvTable{Header: records[0], Rows: records[1:]}, nil
}
