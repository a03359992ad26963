package sqlserver

import (
	"fmt"
	"unicode/utf8"

	"github.com/katasec/dstream-snapshot-mssql/internal/encoding"
)

// temporalTypes are the column types a watermark bound is converted to before comparison
var temporalTypes = map[string]bool{
	"date":           true,
	"datetime":       true,
	"datetime2":      true,
	"smalldatetime":  true,
	"datetimeoffset": true,
}

// convertValue turns the []byte values go-mssqldb returns for some column types into
// text that survives CSV and JSON output. Other values pass through unchanged.
func convertValue(value any, dataType string) any {
	b, ok := value.([]byte)
	if !ok {
		return value
	}

	switch dataType {
	case "uniqueidentifier":
		if len(b) == 16 {
			return formatGUID(b)
		}
		return encoding.BinaryLiteral(b)
	case "binary", "varbinary", "image", "timestamp", "rowversion":
		return encoding.BinaryLiteral(b)
	case "decimal", "numeric", "money", "smallmoney":
		// returned as ASCII digits
		return string(b)
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return encoding.BinaryLiteral(b)
}

// formatGUID renders the wire form of a UNIQUEIDENTIFIER. The first three groups are
// little-endian, the remaining bytes are in order.
func formatGUID(v []byte) string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		v[3], v[2], v[1], v[0],
		v[5], v[4],
		v[7], v[6],
		v[8], v[9],
		v[10], v[11], v[12], v[13], v[14], v[15])
}
