// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package value

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// MarshalJSON encodes the value. Objects keep their field order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("unsupported number %v", v.n)
		}
		buf.WriteString(strconv.FormatFloat(v.n, 'f', -1, 64))
	case KindString:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindArray:
		buf.WriteByte('[')
		for i := range v.a {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := v.a[i].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return v.o.encode(buf)
	}
	return nil
}

// MarshalJSON encodes the object with its fields in order
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Object) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	if o != nil {
		for i, f := range o.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(f.Name)
			if err != nil {
				return err
			}
			buf.Write(name)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON decodes any JSON value. Anything but whitespace after the value is
// an error.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	parsed, err := decodeValue(decoder)
	if err != nil {
		return err
	}
	if _, err = decoder.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	*v = parsed
	return nil
}

// UnmarshalJSON decodes a JSON object and keeps its field order
func (o *Object) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	parsed, ok := v.AsObject()
	if !ok {
		return fmt.Errorf("expected a JSON object, got %s", v.Kind())
	}
	*o = *parsed
	return nil
}

// ParseObject parses a JSON object
func ParseObject(data []byte) (*Object, error) {
	o := NewObject()
	if err := o.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return o, nil
}

var (
	errUnexpectedEnd = errors.New("unexpected end of JSON input")
	errTrailingData  = errors.New("invalid data after top-level JSON value")
)

func decodeValue(decoder *json.Decoder) (Value, error) {
	token, err := decoder.Token()
	if err != nil {
		return Null, err
	}
	return decodeToken(decoder, token)
}

func decodeToken(decoder *json.Decoder, token json.Token) (Value, error) {
	switch t := token.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		n, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return Null, fmt.Errorf("invalid number %s: %w", t, err)
		}
		return checkedNumber(n)
	case float64:
		return checkedNumber(t)
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for decoder.More() {
				item, err := decodeValue(decoder)
				if err != nil {
					return Null, err
				}
				items = append(items, item)
			}
			if err := expectDelim(decoder, ']'); err != nil {
				return Null, err
			}
			return Array(items...), nil
		case '{':
			o := NewObject()
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return Null, err
				}
				key, ok := keyToken.(string)
				if !ok {
					return Null, fmt.Errorf("invalid object key %v", keyToken)
				}
				field, err := decodeValue(decoder)
				if err != nil {
					return Null, err
				}
				o.Set(key, field)
			}
			if err := expectDelim(decoder, '}'); err != nil {
				return Null, err
			}
			return FromObject(o), nil
		}
	}
	return Null, fmt.Errorf("unexpected JSON token %v", token)
}

func expectDelim(decoder *json.Decoder, delim json.Delim) error {
	token, err := decoder.Token()
	if err != nil {
		return errUnexpectedEnd
	}
	if d, ok := token.(json.Delim); !ok || d != delim {
		return fmt.Errorf("expected %v, got %v", delim, token)
	}
	return nil
}
