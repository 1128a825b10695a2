package orchestrator

import (
	"fmt"
	"maps"

	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata is the open key/value bag threaded through a transaction.
//
// Values are protobuf struct values: null, number, string, bool, list or
// nested struct. That keeps the bag free-form while every value stays
// serialisable to the log and to remote providers.
type Metadata map[string]*structpb.Value

// NewMetadata converts plain Go values with structpb.NewValue.
func NewMetadata(values map[string]any) (Metadata, error) {
	md := make(Metadata, len(values))
	for k, v := range values {
		if err := md.Set(k, v); err != nil {
			return nil, err
		}
	}
	return md, nil
}

// Set stores v under key. v may be a *structpb.Value, a *structpb.Struct or
// anything accepted by structpb.NewValue.
func (m Metadata) Set(key string, v any) error {
	switch val := v.(type) {
	case *structpb.Value:
		m[key] = val
	case *structpb.Struct:
		m[key] = structpb.NewStructValue(val)
	default:
		pv, err := structpb.NewValue(v)
		if err != nil {
			return fmt.Errorf("orchestrator: metadata %q: %w", key, err)
		}
		m[key] = pv
	}
	return nil
}

// Get returns the value stored under key.
func (m Metadata) Get(key string) (*structpb.Value, bool) {
	v, ok := m[key]
	return v, ok
}

// String returns the string stored under key, or "" when absent or not a string.
func (m Metadata) String(key string) string {
	return m[key].GetStringValue()
}

// Struct returns the nested struct stored under key, or nil.
func (m Metadata) Struct(key string) *structpb.Struct {
	return m[key].GetStructValue()
}

// Clone returns a shallow copy: the map is new, values are shared.
// Steps replace values rather than mutating them, so that is enough to
// isolate the caller's seed map from the transaction.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// Snapshot returns the bag as a *structpb.Struct for persistence.
func (m Metadata) Snapshot() *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		if v == nil {
			v = structpb.NewNullValue()
		}
		s.Fields[k] = v
	}
	return s
}
