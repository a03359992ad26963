package encoding

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// JSONLines writes one JSON object per row, keys in column order
type JSONLines struct{}

func (JSONLines) ContentType() string { return "application/x-ndjson" }
func (JSONLines) Extension() string   { return "jsonl" }

func (JSONLines) Encode(result *snapshot.ExtractionResult) ([]byte, error) {
	cols := Columns(result)

	keys := make([][]byte, len(cols))
	for i, c := range cols {
		k, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column name %s: %w", c, err)
		}
		keys[i] = k
	}

	var buf bytes.Buffer
	for i, row := range result.Rows {
		buf.WriteByte('{')
		for j, c := range cols {
			if j > 0 {
				buf.WriteByte(',')
			}
			buf.Write(keys[j])
			buf.WriteByte(':')
			val, err := json.Marshal(normalize(row[c]))
			if err != nil {
				return nil, fmt.Errorf("failed to encode row %d column %s: %w", i, c, err)
			}
			buf.Write(val)
		}
		buf.WriteString("}\n")
	}
	return buf.Bytes(), nil
}
