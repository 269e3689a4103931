// Package checkpoint holds the user-editable state kept between pipeline
// stages: the parse schema editor and the plan selector.
package checkpoint

import (
	"errors"
	"fmt"

	"github.com/dusk-indust/nlpipe/internal/schema"
)

var (
	// ErrFieldNotFound is returned when editing a key that is not in the schema.
	ErrFieldNotFound = errors.New("checkpoint: field not found")

	// ErrDuplicateKey is returned when a rename would collide with another key.
	ErrDuplicateKey = errors.New("checkpoint: duplicate field key")

	// ErrEmptyKey is returned when a field is renamed to the empty string.
	ErrEmptyKey = errors.New("checkpoint: empty field key")
)

// Editor is an order-preserving, editable copy of a parse result. It never
// aliases the result it was created from.
type Editor struct {
	result *schema.ParseResult
}

// NewEditor returns an Editor over a deep copy of src.
func NewEditor(src *schema.ParseResult) *Editor {
	return &Editor{result: src.Clone()}
}

// Edit updates the field stored under oldKey, renaming it to newKey when the
// two differ. A renamed field keeps its position in the ordering. The field
// type is carried over from the original entry, defaulting to "string", and
// the edited field is marked required. Entries that are not edited keep
// their Required value.
func (e *Editor) Edit(oldKey, newKey, description string) error {
	if newKey == "" {
		return ErrEmptyKey
	}
	orig, ok := e.result.Get(oldKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrFieldNotFound, oldKey)
	}
	if oldKey != newKey && e.result.Has(newKey) {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, newKey)
	}

	edited := schema.Field{
		Description: description,
		Required:    true,
		FieldType:   orig.FieldType,
	}
	if edited.FieldType == "" {
		edited.FieldType = schema.DefaultFieldType
	}

	if oldKey == newKey {
		e.result.Set(oldKey, edited)
		return nil
	}

	// Rebuild from the original order, swapping the renamed slot in place.
	// Deleting and re-adding would move the field to the end.
	rebuilt := &schema.ParseResult{}
	for _, entry := range e.result.Entries() {
		if entry.Key == oldKey {
			rebuilt.Set(newKey, edited)
			continue
		}
		rebuilt.Set(entry.Key, entry.Field)
	}
	e.result = rebuilt
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (e *Editor) Delete(key string) {
	e.result.Delete(key)
}

// Result returns a copy of the edited schema. An empty schema is valid.
func (e *Editor) Result() *schema.ParseResult {
	return e.result.Clone()
}

// Len returns the number of fields currently in the schema.
func (e *Editor) Len() int {
	return e.result.Len()
}
