package decoder

import (
	"bytes"
	"encoding/json"
)

// Value is a node of a decoded tree. Leaves are bool, sized integers,
// *big.Int for 128/256-bit integers, floats, string, []byte and
// solana.PublicKey; inner nodes are []Value and *Record.
type Value = interface{}

// Entry is one named member of a Record.
type Entry struct {
	Name  string
	Value Value
}

// Record is an ordered mapping of field names to values.
type Record struct {
	Entries []Entry
}

// NewRecord allocates a record with room for n entries.
func NewRecord(n int) *Record {
	return &Record{Entries: make([]Entry, 0, n)}
}

// Set appends or replaces an entry.
func (r *Record) Set(name string, v Value) {
	for i := range r.Entries {
		if r.Entries[i].Name == name {
			r.Entries[i].Value = v
			return
		}
	}
	r.Entries = append(r.Entries, Entry{Name: name, Value: v})
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (Value, bool) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

// Names lists the entry names in declaration order.
func (r *Record) Names() []string {
	names := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		names = append(names, e.Name)
	}
	return names
}

// Len returns the number of entries.
func (r *Record) Len() int {
	return len(r.Entries)
}

// MarshalJSON encodes the record as an object preserving entry order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
