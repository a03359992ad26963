package engine

import (
	"path"
	"time"
)

// ObjectTimeFormat sorts lexically in chronological order
const ObjectTimeFormat = "20060102_150405"

// ObjectName returns <prefix>/<table>/<table>_<YYYYMMDD_HHMMSS>.<ext>, with the
// timestamp rendered in loc
func ObjectName(prefix, table, ext string, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	file := table + "_" + now.In(loc).Format(ObjectTimeFormat)
	if ext != "" {
		file += "." + ext
	}
	return path.Join(prefix, table, file)
}
