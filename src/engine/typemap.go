package engine

import "strings"

// colTypeInfo describes how a logical column type is stored.
type colTypeInfo struct {
	sqlType    string
	sqlDefault string
}

// colTypes maps logical column type heads to their store declarations.
var colTypes = map[string]colTypeInfo{
	"Any":            {"BLOB", "NULL"},
	"Attachments":    {"TEXT", "NULL"},
	"Blob":           {"BLOB", "NULL"},
	"Bool":           {"BOOLEAN", "0"},
	"Choice":         {"TEXT", "''"},
	"ChoiceList":     {"TEXT", "NULL"},
	"Date":           {"DATE", "NULL"},
	"DateTime":       {"DATETIME", "NULL"},
	"Id":             {"INTEGER", "0"},
	"Int":            {"INTEGER", "0"},
	"ManualSortPos":  {"NUMERIC", "1e999"},
	"Numeric":        {"NUMERIC", "0"},
	"PositionNumber": {"NUMERIC", "1e999"},
	"Ref":            {"INTEGER", "0"},
	"RefList":        {"TEXT", "NULL"},
	"Text":           {"TEXT", "''"},
}

// storeType resolves a logical column type to its store declaration.
// Qualifiers after ':' (as in "Ref:Orders" or "DateTime:UTC") are ignored,
// and unknown heads fall back to Any.
func storeType(logical string) colTypeInfo {
	head := logical
	if i := strings.IndexByte(logical, ':'); i >= 0 {
		head = logical[:i]
	}
	if info, ok := colTypes[head]; ok {
		return info
	}
	return colTypes["Any"]
}
