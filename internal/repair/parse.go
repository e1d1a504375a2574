package repair

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// document is plan content decoded for inspection. Numbers stay json.Number
// so integers and fractions can be told apart.
type document struct {
	items  []interface{}
	single bool
}

func parseDocument(content []byte) (*document, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty content")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode plan: trailing data after JSON value")
	}

	switch t := v.(type) {
	case []interface{}:
		return &document{items: t}, nil
	case map[string]interface{}:
		return &document{items: []interface{}{t}, single: true}, nil
	default:
		return nil, fmt.Errorf("plan must be a JSON array or object, got %T", v)
	}
}

func (d *document) encode() ([]byte, error) {
	if d.single {
		return json.Marshal(d.items[0])
	}
	return json.Marshal(d.items)
}

func snapshot(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func isInteger(v interface{}) bool {
	n, ok := v.(json.Number)
	if !ok {
		return false
	}
	_, err := n.Int64()
	return err == nil
}

func nonEmptyString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
