package evaluation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Row is one labelled example read from a dataset.
type Row struct {
	Line     int
	Features map[string]any
	Label    int
}

// ColumnTypes tells ReadCSV how to decode a column. Columns not listed are
// parsed as numbers when possible and kept as strings otherwise.
type ColumnTypes map[string]string

// ReadCSV reads a header-first CSV file. labelColumn holds the 0/1 target;
// every other column becomes a feature. Empty cells are omitted from the
// feature record so that schema validation reports them as missing.
func ReadCSV(r io.Reader, labelColumn string, types ColumnTypes) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	labelIdx := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == labelColumn {
			labelIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("label column %q not in header", labelColumn)
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		label, err := parseLabel(rec[labelIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		features := make(map[string]any, len(header)-1)
		for i, cell := range rec {
			if i == labelIdx {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			v, err := parseCell(cell, types[header[i]])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, header[i], err)
			}
			features[header[i]] = v
		}
		rows = append(rows, Row{Line: line, Features: features, Label: label})
	}
	return rows, nil
}

func parseLabel(s string) (int, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "1.0", "true":
		return 1, nil
	case "0", "0.0", "false":
		return 0, nil
	default:
		return 0, fmt.Errorf("label %q is not 0 or 1", s)
	}
}

func parseCell(cell, typ string) (any, error) {
	switch typ {
	case "boolean":
		return strconv.ParseBool(cell)
	case "categorical":
		return cell, nil
	case "number", "integer":
		return strconv.ParseFloat(cell, 64)
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f, nil
	}
	return cell, nil
}
