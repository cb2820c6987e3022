package visitation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// State is the flat JSON object exchanged with the workflow engine at every
// invocation boundary. It is the entire wire contract: a visitation is
// rebuilt from it on entry and serialized back into it on exit.
type State map[string]json.RawMessage

// Field names shared by every visitation.
const (
	FieldClassName       = "visitation_class_name"
	FieldStatus          = "status"
	FieldNumberOfWorkers = "number_of_workers"
	FieldWorkIDs         = "work_ids"
	FieldWorkID          = "work_id"
	FieldWorkResult      = "work_result"
)

// ClassName returns the visitation type named by the state.
func (s State) ClassName() (string, error) {
	raw, ok := s[FieldClassName]
	if !ok {
		return "", NewValidationError("", "state has no %s", FieldClassName)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", NewValidationError("", "%s is not a string: %v", FieldClassName, err)
	}
	return name, nil
}

// Status returns the walker status recorded in the state, or "" if absent.
func (s State) Status() WalkerStatus {
	var status WalkerStatus
	if raw, ok := s[FieldStatus]; ok {
		_ = json.Unmarshal(raw, &status)
	}
	return status
}

// Set marshals v into field name.
func (s State) Set(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	s[name] = raw
	return nil
}

// Get unmarshals field name into v. It reports false if the field is absent.
func (s State) Get(name string, v any) (bool, error) {
	raw, ok := s[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("get %s: %w", name, err)
	}
	return true, nil
}

// Clone returns a shallow copy. Raw values are immutable once stored, so
// sharing them is safe.
func (s State) Clone() State {
	return maps.Clone(s)
}

// Encode serializes exactly the declared fields of v.
func Encode(v Visitation) (State, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// Decode overlays the fields present in s onto v. Fields absent from s keep
// whatever default the visitation's constructor assigned; fields v does not
// declare are ignored.
func Decode(s State, v Visitation) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewValidationError(v.Core().ClassName, "state does not fit %T: %v", v, err)
	}
	return nil
}

// WorkIDs is the queue of partition keys. A job starts with a flat list;
// after the driver distributes it, it holds one sub-list per lane. A walker
// entering its lane replaces the nested form with its own flat list.
//
// On the wire both forms are a JSON array: strings when flat, arrays of
// strings when partitioned.
type WorkIDs struct {
	Items []string
	Lanes [][]string
}

// Flat builds an unpartitioned queue.
func Flat(ids ...string) WorkIDs {
	return WorkIDs{Items: ids}
}

// Partitioned reports whether the queue is split into lanes.
func (w WorkIDs) Partitioned() bool {
	return w.Lanes != nil
}

// Len returns the number of queued ids across all lanes.
func (w WorkIDs) Len() int {
	if !w.Partitioned() {
		return len(w.Items)
	}
	n := 0
	for _, lane := range w.Lanes {
		n += len(lane)
	}
	return n
}

// MarshalJSON emits the flat or nested array form.
func (w WorkIDs) MarshalJSON() ([]byte, error) {
	if w.Partitioned() {
		return json.Marshal(w.Lanes)
	}
	if w.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(w.Items)
}

// UnmarshalJSON accepts either array form.
func (w *WorkIDs) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*w = WorkIDs{}
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return fmt.Errorf("work_ids: %w", err)
	}
	if len(elems) > 0 && bytes.HasPrefix(bytes.TrimSpace(elems[0]), []byte("[")) {
		var lanes [][]string
		if err := json.Unmarshal(trimmed, &lanes); err != nil {
			return fmt.Errorf("work_ids: %w", err)
		}
		*w = WorkIDs{Lanes: lanes}
		return nil
	}
	items := make([]string, 0, len(elems))
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return fmt.Errorf("work_ids: %w", err)
	}
	*w = WorkIDs{Items: items}
	return nil
}
