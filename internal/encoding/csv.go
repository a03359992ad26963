package encoding

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// CSV writes a header row followed by one record per row
type CSV struct{}

func (CSV) ContentType() string { return "text/csv" }
func (CSV) Extension() string   { return "csv" }

func (CSV) Encode(result *snapshot.ExtractionResult) ([]byte, error) {
	cols := Columns(result)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	record := make([]string, len(cols))
	for i, row := range result.Rows {
		for j, c := range cols {
			record[j] = cell(row[c])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write csv row %d: %w", i, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
