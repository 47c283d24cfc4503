package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a JSON object. Values are always in their JSON-decoded form
// (string, float64, bool, nil, []any, map[string]any) so that structural
// equality is equality of canonical encodings.
type Document map[string]any

// Changes maps paths to their new contents. A nil document deletes the path.
type Changes map[string]Document

func encodeDocument(doc Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

func decodeDocument(raw []byte) (Document, error) {
	doc := Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// normalize converts any JSON-encodable value to its decoded form.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func normalizeFields(fields Fields) (Document, error) {
	out := make(Document, len(fields))
	for k, v := range fields {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// equalValues compares normalized values by canonical encoding.
// encoding/json sorts map keys, so equal structures encode identically.
func equalValues(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func mergeInto(doc Document, fields Document) Document {
	if doc == nil {
		doc = Document{}
	}
	for k, v := range fields {
		doc[k] = v
	}
	return doc
}

func arrayField(doc Document, field string) ([]any, error) {
	raw, ok := doc[field]
	if !ok || raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotArray, field)
	}
	return arr, nil
}

// addUnique appends value unless an equal element exists.
func addUnique(arr []any, value any) ([]any, bool) {
	for _, v := range arr {
		if equalValues(v, value) {
			return arr, false
		}
	}
	out := make([]any, 0, len(arr)+1)
	out = append(out, arr...)
	return append(out, value), true
}

// removeAll drops every element equal to value.
func removeAll(arr []any, value any) ([]any, bool) {
	out := make([]any, 0, len(arr))
	removed := false
	for _, v := range arr {
		if equalValues(v, value) {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, removed
}
