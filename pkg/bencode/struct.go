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
	"reflect"
	"strings"
	"sync"
)

// fieldInfo describes one exported struct field as bencode sees it:
// its key name (from a `bencode:"..."` tag or the Go field name) and
// whether a zero value should be omitted when marshaling.
type fieldInfo struct {
	index     []int
	name      string
	omitempty bool
}

// typeFields is the metadata fieldsOf builds once per struct type and
// caches. ordered is sorted lexicographically by name so marshaling
// can emit dictionary keys in bencode's required order without a
// separate sort at encode time; byName maps a key back to its slot in
// ordered for decoding.
type typeFields struct {
	ordered []fieldInfo
	byName  map[string]int
}

var fieldCache sync.Map // reflect.Type -> *typeFields

// fieldsOf returns the bencode field metadata for struct type t,
// computing and caching it on first use.
func fieldsOf(t reflect.Type) *typeFields {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(*typeFields)
	}

	fs := buildTypeFields(t)
	actual, _ := fieldCache.LoadOrStore(t, fs)
	return actual.(*typeFields)
}

func buildTypeFields(t reflect.Type) *typeFields {
	fs := &typeFields{byName: make(map[string]int)}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" && !sf.Anonymous {
			continue // unexported
		}

		name, omitempty, skip := parseTag(sf)
		if skip {
			continue
		}
		if name == "" {
			name = sf.Name
		}

		fs.ordered = append(fs.ordered, fieldInfo{
			index:     sf.Index,
			name:      name,
			omitempty: omitempty,
		})
	}

	sortFieldsByName(fs.ordered)
	for i, f := range fs.ordered {
		fs.byName[f.name] = i
	}

	return fs
}

// parseTag reads the `bencode:"name,opt,opt"` tag on sf. A bare "-"
// tag means skip the field entirely.
func parseTag(sf reflect.StructField) (name string, omitempty bool, skip bool) {
	tag, ok := sf.Tag.Lookup("bencode")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}

	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

// sortFieldsByName performs a small insertion sort; struct field
// counts are small enough that this beats pulling in sort.Slice's
// interface overhead.
func sortFieldsByName(fs []fieldInfo) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j-1].name > fs[j].name; j-- {
			fs[j-1], fs[j] = fs[j], fs[j-1]
		}
	}
}
