package normalize

import (
	"encoding/json"
	"maps"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-ingest/internal/model"
)

// StatusActive is the status given to newly created canonical rows.
const StatusActive = "active"

const reasonImageRetained = "incoming payload has no image"

// OverrideValue is an active override decoded for merging.
type OverrideValue struct {
	Value  any
	Reason string
}

// DecodeOverrides indexes overrides by field path.
func DecodeOverrides(ovs []model.NormalizationOverride) (map[string]OverrideValue, error) {
	out := make(map[string]OverrideValue, len(ovs))
	for _, o := range ovs {
		var v any
		if err := json.Unmarshal(o.Value, &v); err != nil {
			return nil, eris.Wrapf(err, "normalize: decode override %s", o.ID)
		}
		out[o.FieldPath] = OverrideValue{Value: v, Reason: o.Reason}
	}
	return out, nil
}

// MergeInput is one canonical row's merge.
type MergeInput struct {
	Type       model.EntityType
	Existing   map[string]any // nil when the row is new
	Incoming   map[string]any // projected onto table columns
	Overrides  map[string]OverrideValue
	SnapshotID string
}

// MergeResult holds the full column set to write and the winner per field.
type MergeResult struct {
	Fields  map[string]any
	Winners map[string]model.FieldWinner
}

// Merge applies field precedence: override, then ingested value. Image
// fields never regress to empty, and status is only changed by overrides.
// Absent non-image fields are cleared.
func Merge(in MergeInput) MergeResult {
	tb, _ := tableFor(in.Type)
	res := MergeResult{
		Fields:  make(map[string]any, len(tb.columns)),
		Winners: make(map[string]model.FieldWinner),
	}

	for _, c := range tb.columns {
		f := c.name
		existing := in.Existing[f]

		if ov, ok := in.Overrides[f]; ok {
			v := ov.Value
			if cv, ok := coerce(c.kind, ov.Value); ok {
				v = cv
			}
			res.Fields[f] = v
			res.Winners[f] = model.FieldWinner{Winner: model.WinnerOverride, Reason: ov.Reason}
			continue
		}

		if isSystemManaged(f) {
			if isEmpty(existing) {
				res.Fields[f] = StatusActive
			} else {
				res.Fields[f] = existing
			}
			continue
		}

		incoming, ok := in.Incoming[f]
		switch {
		case ok && !isEmpty(incoming):
			res.Fields[f] = incoming
			res.Winners[f] = model.FieldWinner{Winner: model.WinnerIngest, SnapshotID: in.SnapshotID}
		case isImageField(f) && !isEmpty(existing):
			res.Fields[f] = existing
			res.Winners[f] = model.FieldWinner{Winner: model.WinnerRetained, Reason: reasonImageRetained}
		default:
			res.Fields[f] = nil
		}
	}
	return res
}

// changed reports whether merging altered any column of an existing row.
func changed(existing, merged map[string]any) bool {
	return !maps.EqualFunc(existing, merged, func(a, b any) bool {
		ab, errA := json.Marshal(a)
		bb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ab) == string(bb)
	})
}
