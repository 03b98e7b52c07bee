// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package document is an order-preserving JSON object tree with the
// rename, remove, and copy helpers that schema upgrades are written in.
//
// Values held by an Object are one of: nil (JSON null), bool,
// json.Number, string, []any, or *Object. Parse produces exactly these
// types; Set accepts them as well as any value encoding/json can
// marshal, though helpers such as Object and String only recognise the
// canonical forms.
//
// Key order survives a Parse/Marshal round trip, and Rename keeps the
// renamed key in its original position, so upgraded documents diff
// cleanly against their input.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotObject is returned by Parse when the input is valid JSON whose
// top level is not an object.
var ErrNotObject = errors.New("document: top-level JSON value is not an object")

// Object is an ordered JSON object. The zero value is an empty object
// ready to use. Object is not safe for concurrent mutation.
type Object struct {
	keys   []string
	values map[string]any
}

// New returns an empty Object.
func New() *Object {
	return &Object{values: make(map[string]any)}
}

// Parse decodes data into an Object. Returns ErrNotObject when data is
// well-formed JSON of another type.
func Parse(data []byte) (*Object, error) {
	value, err := ParseValue(data)
	if err != nil {
		return nil, err
	}
	object, ok := value.(*Object)
	if !ok {
		return nil, ErrNotObject
	}
	return object, nil
}

// ParseValue decodes any JSON value into the canonical tree types.
// Trailing data after the first value is an error.
func ParseValue(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	value, err := decodeValue(decoder)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("document: unexpected data after top-level value")
	}
	return value, nil
}

func decodeValue(decoder *json.Decoder) (any, error) {
	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}

	switch typed := token.(type) {
	case json.Delim:
		switch typed {
		case '{':
			object := New()
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyToken.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T, not string", keyToken)
				}
				value, err := decodeValue(decoder)
				if err != nil {
					return nil, err
				}
				object.Set(key, value)
			}
			if _, err := decoder.Token(); err != nil {
				return nil, err
			}
			return object, nil
		case '[':
			array := []any{}
			for decoder.More() {
				value, err := decodeValue(decoder)
				if err != nil {
					return nil, err
				}
				array = append(array, value)
			}
			if _, err := decoder.Token(); err != nil {
				return nil, err
			}
			return array, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", typed)
		}
	default:
		// string, json.Number, bool, nil
		return typed, nil
	}
}

func (o *Object) init() {
	if o.values == nil {
		o.values = make(map[string]any)
	}
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns a copy of the keys in order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.keys...)
}

// Has reports whether key is present, including with a null value.
func (o *Object) Has(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.values[key]
	return ok
}

// Get returns the value for key and whether it was present.
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	value, ok := o.values[key]
	return value, ok
}

// Set stores value under key. A new key is appended; an existing key
// keeps its position.
func (o *Object) Set(key string, value any) {
	o.init()
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Remove deletes key. Returns false if it was absent.
func (o *Object) Remove(key string) bool {
	if o == nil {
		return false
	}
	if _, exists := o.values[key]; !exists {
		return false
	}
	delete(o.values, key)
	for i, existing := range o.keys {
		if existing == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	return true
}

// Rename moves the value under from to the key to, in from's position.
// An existing to is replaced. Returns false if from is absent.
func (o *Object) Rename(from, to string) bool {
	if o == nil {
		return false
	}
	value, exists := o.values[from]
	if !exists {
		return false
	}
	if from == to {
		return true
	}
	o.Remove(to)
	delete(o.values, from)
	o.values[to] = value
	for i, existing := range o.keys {
		if existing == from {
			o.keys[i] = to
			break
		}
	}
	return true
}

// Object returns the nested object stored under key, or nil when the
// key is absent or holds another type.
func (o *Object) Object(key string) *Object {
	value, _ := o.Get(key)
	object, _ := value.(*Object)
	return object
}

// String returns the value under key rendered as a string. Strings are
// returned as-is, numbers and booleans in their JSON form, and
// everything else (absent, null, containers) as "".
func (o *Object) String(key string) string {
	value, _ := o.Get(key)
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		if typed {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// TakeString returns String(key) and removes the key.
func (o *Object) TakeString(key string) string {
	value := o.String(key)
	o.Remove(key)
	return value
}

// IsNullOrEmpty reports whether key is absent, null, an empty string,
// an empty array, or an empty object.
func (o *Object) IsNullOrEmpty(key string) bool {
	value, exists := o.Get(key)
	if !exists {
		return true
	}
	return IsEmpty(value)
}

// IsEmpty reports whether value is null, "", an empty array, or an
// empty object.
func IsEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case *Object:
		return typed.Len() == 0
	default:
		return false
	}
}

// RemoveIfNullOrEmpty removes key when its value is null or empty.
// Returns true if the key was removed.
func (o *Object) RemoveIfNullOrEmpty(key string) bool {
	if !o.Has(key) || !o.IsNullOrEmpty(key) {
		return false
	}
	return o.Remove(key)
}

// RenameOrRemoveIfNullOrEmpty renames from to to when from holds a
// non-empty value, and removes from when it is null or empty. Returns
// true only when a rename happened.
func (o *Object) RenameOrRemoveIfNullOrEmpty(from, to string) bool {
	if !o.Has(from) {
		return false
	}
	if o.IsNullOrEmpty(from) {
		o.Remove(from)
		return false
	}
	return o.Rename(from, to)
}

// CopyOrRemoveIfNullOrEmpty copies source[from] into o[to] as a deep
// clone. A null or empty source value is removed from source instead.
// Returns true when a copy happened. The source key is left in place
// after a copy.
func (o *Object) CopyOrRemoveIfNullOrEmpty(source *Object, from, to string) bool {
	if !source.Has(from) {
		return false
	}
	if source.IsNullOrEmpty(from) {
		source.Remove(from)
		return false
	}
	value, _ := source.Get(from)
	o.Set(to, CloneValue(value))
	return true
}

// RenameAll renames every key equal to from, at any depth, including
// objects nested inside arrays.
func (o *Object) RenameAll(from, to string) {
	if o == nil {
		return
	}
	o.Rename(from, to)
	for _, key := range o.keys {
		renameAllIn(o.values[key], from, to)
	}
}

func renameAllIn(value any, from, to string) {
	switch typed := value.(type) {
	case *Object:
		typed.RenameAll(from, to)
	case []any:
		for _, element := range typed {
			renameAllIn(element, from, to)
		}
	}
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	clone := &Object{
		keys:   append([]string(nil), o.keys...),
		values: make(map[string]any, len(o.values)),
	}
	for key, value := range o.values {
		clone.values[key] = CloneValue(value)
	}
	return clone
}

// CloneValue deep-copies a tree value. Non-container values are
// returned unchanged.
func CloneValue(value any) any {
	switch typed := value.(type) {
	case *Object:
		return typed.Clone()
	case []any:
		clone := make([]any, len(typed))
		for i, element := range typed {
			clone[i] = CloneValue(element)
		}
		return clone
	default:
		return value
	}
}

// MarshalJSON encodes o with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buffer bytes.Buffer
	buffer.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buffer.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buffer.Write(encodedKey)
		buffer.WriteByte(':')
		encodedValue, err := json.Marshal(o.values[key])
		if err != nil {
			return nil, fmt.Errorf("document: encoding %q: %w", key, err)
		}
		buffer.Write(encodedValue)
	}
	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}

// UnmarshalJSON replaces the contents of o with the decoded object.
func (o *Object) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

// Format renders o as compact JSON for logs and test failures.
func Format(o *Object) string {
	data, err := o.MarshalJSON()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return strings.TrimSpace(string(data))
}
