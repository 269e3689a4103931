// Package schema defines the data exchanged with the parse, plan and execute
// stages: the ordered extraction schema, candidate plans and the request and
// response payloads of each stage.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultFieldType is assumed for fields whose type the parse stage left blank.
const DefaultFieldType = "string"

// Field describes one column the parse stage proposes to extract.
type Field struct {
	Description string `json:"description"`
	Required    bool   `json:"required"`
	FieldType   string `json:"field_type,omitempty"`
}

// Entry is a key/field pair in a ParseResult.
type Entry struct {
	Key   string
	Field Field
}

// ParseResult is an ordered mapping from field key to Field. Insertion order
// is significant and is preserved through JSON round trips. The zero value is
// an empty result ready for use.
//
// On the wire a ParseResult is the object {"Extract": {...}}.
type ParseResult struct {
	keys   []string
	fields map[string]Field
}

// NewParseResult builds a ParseResult from entries in order. A repeated key
// replaces the earlier value but keeps the earlier position.
func NewParseResult(entries ...Entry) *ParseResult {
	pr := &ParseResult{}
	for _, e := range entries {
		pr.Set(e.Key, e.Field)
	}
	return pr
}

// Len returns the number of fields.
func (p *ParseResult) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the field keys in order.
func (p *ParseResult) Keys() []string {
	if p == nil {
		return []string{}
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Entries returns the key/field pairs in order.
func (p *ParseResult) Entries() []Entry {
	if p == nil {
		return []Entry{}
	}
	out := make([]Entry, len(p.keys))
	for i, k := range p.keys {
		out[i] = Entry{Key: k, Field: p.fields[k]}
	}
	return out
}

// Get returns the field stored under key.
func (p *ParseResult) Get(key string) (Field, bool) {
	if p == nil {
		return Field{}, false
	}
	f, ok := p.fields[key]
	return f, ok
}

// Has reports whether key is present.
func (p *ParseResult) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set stores f under key. A new key is appended; an existing key keeps its
// position.
func (p *ParseResult) Set(key string, f Field) {
	if p.fields == nil {
		p.fields = make(map[string]Field)
	}
	if _, ok := p.fields[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.fields[key] = f
}

// Delete removes key and reports whether it was present.
func (p *ParseResult) Delete(key string) bool {
	if p == nil {
		return false
	}
	if _, ok := p.fields[key]; !ok {
		return false
	}
	delete(p.fields, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	return true
}

// Clone returns an independent copy. Cloning nil yields an empty result.
func (p *ParseResult) Clone() *ParseResult {
	dst := &ParseResult{
		keys:   make([]string, 0, p.Len()),
		fields: make(map[string]Field, p.Len()),
	}
	if p == nil {
		return dst
	}
	dst.keys = append(dst.keys, p.keys...)
	for k, f := range p.fields {
		dst.fields[k] = f
	}
	return dst
}

// Equal reports whether p and o hold the same fields in the same order.
func (p *ParseResult) Equal(o *ParseResult) bool {
	if p.Len() != o.Len() {
		return false
	}
	for i, k := range p.Keys() {
		if o.keys[i] != k || o.fields[k] != p.fields[k] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the result as {"Extract": {...}} in key order.
func (p *ParseResult) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"Extract":{`)
	for i, e := range p.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Field)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes {"Extract": {...}} keeping the object's key order. A
// missing or null Extract yields an empty result.
func (p *ParseResult) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Extract json.RawMessage `json:"Extract"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("schema: decode parse result: %w", err)
	}

	*p = ParseResult{}
	trimmed := bytes.TrimSpace(envelope.Extract)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("schema: decode Extract: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("schema: Extract must be an object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("schema: decode Extract key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("schema: unexpected Extract key %v", tok)
		}
		var f Field
		if err := dec.Decode(&f); err != nil {
			return fmt.Errorf("schema: decode field %q: %w", key, err)
		}
		p.Set(key, f)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("schema: decode Extract: %w", err)
	}
	return nil
}
