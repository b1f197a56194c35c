package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ParseJSON decodes a single JSON document into a Value. Object field order
// is preserved and numbers become int64 when they are integral.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("model: parsing JSON: %w", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("model: parsing JSON: trailing data after document")
	}

	return v, nil
}

// UnmarshalJSON decodes an object into m, replacing its contents.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}

	if v.Kind() != KindMap {
		return fmt.Errorf("model: cannot unmarshal JSON %s into Map", v.Kind())
	}

	*m = *v.Map()

	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case json.Number:
		return fromNumber(t)
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeObject(dec *json.Decoder) (Value, error) {
	m := NewMap()

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}

		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("object key is %T, not string", tok)
		}

		v, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}

		m.Set(key, v)
	}

	// Closing '}'.
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	return MapOf(m), nil
}

func decodeArray(dec *json.Decoder) (Value, error) {
	seq := []Value{}

	for dec.More() {
		v, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}

		seq = append(seq, v)
	}

	// Closing ']'.
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	return SequenceOf(seq...), nil
}
