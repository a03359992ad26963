// Package encoding serializes extracted row sets into snapshot objects.
package encoding

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// Codec serializes an extraction result into a flat record format
type Codec interface {
	Encode(result *snapshot.ExtractionResult) ([]byte, error)
	ContentType() string
	Extension() string
}

// ForFormat returns the codec for a configured format name
func ForFormat(format string) (Codec, error) {
	switch strings.ToLower(format) {
	case "", "csv":
		return CSV{}, nil
	case "jsonl", "ndjson":
		return JSONLines{}, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot format: %s", format)
	}
}

// Columns returns the union of result.Columns and every row key, in first-seen order.
// Keys a row adds beyond the known columns are appended sorted, so output is deterministic.
func Columns(result *snapshot.ExtractionResult) []string {
	seen := make(map[string]struct{})
	var cols []string
	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		cols = append(cols, c)
	}

	for _, c := range result.Columns {
		add(c)
	}
	for _, row := range result.Rows {
		var extra []string
		for k := range row {
			if _, ok := seen[k]; !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			add(k)
		}
	}
	return cols
}

// BinaryLiteral renders bytes the way SQL Server writes binary literals, e.g. 0x0A1B
func BinaryLiteral(b []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(b))
}

// normalize converts driver values into values both codecs render the same way
func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return BinaryLiteral(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// cell renders a value as CSV text; NULL and missing values become the empty string
func cell(v any) string {
	v = normalize(v)
	if v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
