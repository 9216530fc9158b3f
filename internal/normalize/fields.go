package normalize

import (
	"encoding/json"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
)

type colKind int

const (
	colText colKind = iota
	colJSON
	colInt
	colBool
	colUUID
)

type column struct {
	name string
	kind colKind
}

// table describes one canonical table. Columns exclude id and timestamps.
type table struct {
	name    string
	columns []column
}

const (
	fieldStatus    = "status"
	fieldImageURL  = "image_url"
	fieldImageURLs = "image_urls"
)

var catalogColumns = []column{
	{"slug", colText},
	{"name", colText},
	{"brand", colText},
	{"sku", colText},
	{"upc", colText},
	{"ean", colText},
	{"gtin", colText},
	{"mpn", colText},
	{"asin", colText},
	{"model_number", colText},
	{"description", colText},
	{"category", colText},
	{fieldImageURL, colText},
	{fieldImageURLs, colJSON},
	{"attributes", colJSON},
	{fieldStatus, colText},
}

var tables = map[model.EntityType]table{
	model.EntityProduct: {name: "products", columns: catalogColumns},
	model.EntityPlant: {name: "plants", columns: append(
		slices.Clone(catalogColumns[:3]),
		append([]column{{"scientific_name", colText}}, catalogColumns[3:]...)...,
	)},
	model.EntityOffer: {name: "offers", columns: []column{
		{"product_id", colUUID},
		{"retailer_id", colUUID},
		{"url", colText},
		{"price_cents", colInt},
		{"currency", colText},
		{"in_stock", colBool},
		{fieldStatus, colText},
	}},
}

func tableFor(t model.EntityType) (table, bool) {
	tb, ok := tables[t]
	return tb, ok
}

func (tb table) has(field string) bool {
	for _, c := range tb.columns {
		if c.name == field {
			return true
		}
	}
	return false
}

func (tb table) kindOf(field string) colKind {
	for _, c := range tb.columns {
		if c.name == field {
			return c.kind
		}
	}
	return colText
}

// Fields returns the canonical field names of an entity type, in column order.
func Fields(t model.EntityType) []string {
	tb, ok := tableFor(t)
	if !ok {
		return nil
	}
	out := make([]string, len(tb.columns))
	for i, c := range tb.columns {
		out[i] = c.name
	}
	return out
}

// isSystemManaged reports fields that ingestion never writes.
func isSystemManaged(field string) bool {
	return field == fieldStatus
}

func isImageField(field string) bool {
	return field == fieldImageURL || field == fieldImageURLs
}

// catalogFields projects a product or plant payload onto its table's
// columns. Keys that are absent or null stay absent.
func catalogFields(t model.EntityType, payload map[string]any) map[string]any {
	tb, _ := tableFor(t)
	out := make(map[string]any)
	for _, c := range tb.columns {
		if isSystemManaged(c.name) {
			continue
		}
		raw, ok := payload[c.name]
		if !ok || raw == nil {
			continue
		}
		if v, ok := coerce(c.kind, raw); ok {
			out[c.name] = v
		}
	}
	return out
}

// coerce converts a decoded JSON value to the column's Go type.
func coerce(kind colKind, v any) (any, bool) {
	switch kind {
	case colText, colUUID:
		s := scalarString(v)
		if s == "" {
			return nil, false
		}
		return s, true
	case colInt:
		return toInt64(v)
	case colBool:
		return toBool(v)
	case colJSON:
		switch x := v.(type) {
		case []any:
			if len(x) == 0 {
				return nil, false
			}
			return x, true
		case map[string]any:
			return maps.Clone(x), true
		case string:
			if strings.TrimSpace(x) == "" {
				return nil, false
			}
			return []any{x}, true
		}
	}
	return nil, false
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func toInt64(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return int64(math.Round(x)), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(math.Round(f)), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n, true
		}
	}
	return nil, false
}

func toBool(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

// isEmpty reports nil, blank strings and empty lists.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case *string:
		return x == nil || strings.TrimSpace(*x) == ""
	}
	return false
}

// Table returns the canonical table for an entity type.
func Table(t model.EntityType) (string, bool) {
	tb, ok := tableFor(t)
	return tb.name, ok
}

// HasField reports whether field is a canonical column of t.
func HasField(t model.EntityType, field string) bool {
	tb, ok := tableFor(t)
	return ok && tb.has(field)
}

// ColumnValue decodes a JSON value for a canonical column into a query
// argument of the column's type. A null or mistyped value is an error.
func ColumnValue(t model.EntityType, field string, raw json.RawMessage) (any, error) {
	tb, ok := tableFor(t)
	if !ok || !tb.has(field) {
		return nil, eris.Errorf("%s has no field %q", t, field)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, eris.Wrapf(err, "value for %s is not valid JSON", field)
	}
	c := column{name: field, kind: tb.kindOf(field)}
	cv, ok := coerce(c.kind, v)
	if !ok {
		return nil, eris.Errorf("value for %s must be a non-empty %s", field, kindName(c.kind))
	}
	return columnArg(c, cv)
}

func kindName(k colKind) string {
	switch k {
	case colJSON:
		return "list or object"
	case colInt:
		return "integer"
	case colBool:
		return "boolean"
	}
	return "string"
}
