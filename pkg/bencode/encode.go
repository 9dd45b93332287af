// Copyright © 2021 Rak Laptudirm <raklaptudirm@gmail.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Marshal returns the bencode encoding of v.
func Marshal(v any) (string, error) {
	w := &writer{}
	if err := w.writeValue(reflect.ValueOf(v)); err != nil {
		return "", err
	}
	return w.buf.String(), nil
}

// writer accumulates bencode output into a byte buffer, avoiding the
// repeated string concatenation of building the result one token at a
// time.
type writer struct {
	buf bytes.Buffer
}

// UnsupportedTypeError is returned by Marshal when it encounters a Go
// value with no bencode representation.
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type == nil {
		return "bencode: unsupported nil value"
	}
	return fmt.Sprintf("bencode: unsupported type %s", e.Type)
}

func (w *writer) writeValue(v reflect.Value) error {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return &UnsupportedTypeError{Type: v.Type()}
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return &UnsupportedTypeError{}
	}

	switch v.Kind() {
	case reflect.Map:
		return w.writeMap(v)
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.String:
		w.writeString(v.String())
		return nil
	case reflect.Array, reflect.Slice:
		return w.writeList(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fmt.Fprintf(&w.buf, "i%de", v.Int())
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		fmt.Fprintf(&w.buf, "i%de", v.Uint())
		return nil
	default:
		return &UnsupportedTypeError{Type: v.Type()}
	}
}

func (w *writer) writeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &UnsupportedTypeError{Type: v.Type()}
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	w.buf.WriteByte('d')
	for _, key := range keys {
		w.writeString(key.String())
		if err := w.writeValue(v.MapIndex(key)); err != nil {
			return err
		}
	}
	w.buf.WriteByte('e')
	return nil
}

func (w *writer) writeStruct(v reflect.Value) error {
	fs := fieldsOf(v.Type())

	w.buf.WriteByte('d')
	for _, f := range fs.ordered {
		fv := v.FieldByIndex(f.index)
		if f.omitempty && isEmptyValue(fv) {
			continue
		}

		w.writeString(f.name)
		if err := w.writeValue(fv); err != nil {
			return err
		}
	}
	w.buf.WriteByte('e')
	return nil
}

func (w *writer) writeList(v reflect.Value) error {
	w.buf.WriteByte('l')
	for i := 0; i < v.Len(); i++ {
		if err := w.writeValue(v.Index(i)); err != nil {
			return err
		}
	}
	w.buf.WriteByte('e')
	return nil
}

func (w *writer) writeString(s string) {
	w.buf.WriteString(strconv.Itoa(len(s)))
	w.buf.WriteByte(':')
	w.buf.WriteString(s)
}

// isEmptyValue reports whether v is the zero value for its kind, for
// deciding whether an omitempty field should be dropped from the
// output.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Array, reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
