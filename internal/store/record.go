package store

import "strconv"

// Int returns the value of an integer column, or 0 when the column is NULL
// or absent. SQLite is loosely typed, so string values holding digits are
// parsed too.
func (r Record) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// String returns the value of a text column, or "" when NULL or absent.
func (r Record) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
