package ingest

import (
	"github.com/sells-group/catalog-ingest/internal/model"
)

// Flatten maps every leaf of obj to its dotted path. Nested objects recurse;
// arrays are kept whole as a single leaf.
func Flatten(obj map[string]any, source string, trust float64) map[string]model.FieldValue {
	out := make(map[string]model.FieldValue)
	flattenInto(out, "", obj, source, trust)
	return out
}

func flattenInto(out map[string]model.FieldValue, prefix string, obj map[string]any, source string, trust float64) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(out, path, nested, source, trust)
			continue
		}
		out[path] = model.FieldValue{
			Value:      v,
			Trust:      trust,
			Provenance: model.Provenance{Source: source, FieldPath: path},
		}
	}
}

// TrustMap extracts the per-path trust from flattened fields.
func TrustMap(fields map[string]model.FieldValue) map[string]float64 {
	out := make(map[string]float64, len(fields))
	for path, fv := range fields {
		out[path] = fv.Trust
	}
	return out
}
