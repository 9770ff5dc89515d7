package subscription

import "encoding/json"

// FieldSelector is the wire-level "*" | [string] field filter (spec
// §3, "Subscription (server view)"), used both to decide what a
// client receives and which fields the fan-out engine fans out.
type FieldSelector struct {
	All    bool
	Fields []string
}

// AllFields selects every field of an entity.
func AllFields() FieldSelector { return FieldSelector{All: true} }

// SomeFields selects exactly the named fields.
func SomeFields(fields []string) FieldSelector { return FieldSelector{Fields: fields} }

// Includes reports whether field is selected.
func (f FieldSelector) Includes(field string) bool {
	if f.All {
		return true
	}
	for _, name := range f.Fields {
		if name == field {
			return true
		}
	}
	return false
}

func (f FieldSelector) MarshalJSON() ([]byte, error) {
	if f.All {
		return json.Marshal("*")
	}
	if f.Fields == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(f.Fields)
}

func (f *FieldSelector) UnmarshalJSON(b []byte) error {
	var star string
	if err := json.Unmarshal(b, &star); err == nil {
		*f = FieldSelector{All: star == "*"}
		return nil
	}
	var fields []string
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*f = FieldSelector{Fields: fields}
	return nil
}

// FilterFields returns the subset of data selected by f.
func FilterFields(data map[string]any, f FieldSelector) map[string]any {
	if f.All {
		return data
	}
	out := make(map[string]any, len(f.Fields))
	for _, name := range f.Fields {
		if v, ok := data[name]; ok {
			out[name] = v
		}
	}
	return out
}
