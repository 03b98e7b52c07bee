// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func mustParse(t *testing.T, input string) *Object {
	t.Helper()
	object, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("Parse(%s): %v", input, err)
	}
	return object
}

func TestParsePreservesKeyOrder(t *testing.T) {
	input := `{"zeta":1,"alpha":{"b":2,"a":[1,{"y":true,"x":null}]},"mid":"m"}`
	object := mustParse(t, input)

	if got := Format(object); got != input {
		t.Errorf("round trip = %s, want %s", got, input)
	}
	if want := []string{"zeta", "alpha", "mid"}; !reflect.DeepEqual(object.Keys(), want) {
		t.Errorf("Keys() = %v, want %v", object.Keys(), want)
	}
}

func TestParseKeepsNumbersExact(t *testing.T) {
	object := mustParse(t, `{"big":12345678901234567890,"frac":0.10}`)
	if got := Format(object); got != `{"big":12345678901234567890,"frac":0.10}` {
		t.Errorf("numbers altered: %s", got)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	if _, err := Parse([]byte(`[1,2]`)); !errors.Is(err, ErrNotObject) {
		t.Errorf("Parse(array) error = %v, want ErrNotObject", err)
	}
	if _, err := Parse([]byte(`{"a":`)); err == nil {
		t.Error("Parse(truncated) succeeded")
	}
	if _, err := Parse([]byte(`{} {}`)); err == nil {
		t.Error("Parse with trailing value succeeded")
	}
}

func TestRenameKeepsPosition(t *testing.T) {
	object := mustParse(t, `{"a":1,"Old":2,"c":3}`)
	if !object.Rename("Old", "new") {
		t.Fatal("Rename returned false")
	}
	if got := Format(object); got != `{"a":1,"new":2,"c":3}` {
		t.Errorf("after Rename = %s", got)
	}
}

func TestRenameOverwritesExistingTarget(t *testing.T) {
	object := mustParse(t, `{"target":"stale","source":"fresh"}`)
	object.Rename("source", "target")
	if got := Format(object); got != `{"target":"fresh"}` {
		t.Errorf("after Rename = %s", got)
	}
}

func TestNullOrEmptyHelpers(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		action func(*Object) bool
		want   string
		result bool
	}{
		{
			name:   "rename non-empty",
			input:  `{"Tags":["a"]}`,
			action: func(o *Object) bool { return o.RenameOrRemoveIfNullOrEmpty("Tags", "tags") },
			want:   `{"tags":["a"]}`,
			result: true,
		},
		{
			name:   "rename removes empty array",
			input:  `{"Tags":[],"x":1}`,
			action: func(o *Object) bool { return o.RenameOrRemoveIfNullOrEmpty("Tags", "tags") },
			want:   `{"x":1}`,
		},
		{
			name:   "rename removes null",
			input:  `{"Id":null}`,
			action: func(o *Object) bool { return o.RenameOrRemoveIfNullOrEmpty("Id", "reference_id") },
			want:   `{}`,
		},
		{
			name:   "rename absent is a no-op",
			input:  `{"x":1}`,
			action: func(o *Object) bool { return o.RenameOrRemoveIfNullOrEmpty("Id", "reference_id") },
			want:   `{"x":1}`,
		},
		{
			name:   "remove empty string",
			input:  `{"s":"","t":"v"}`,
			action: func(o *Object) bool { return o.RemoveIfNullOrEmpty("s") },
			want:   `{"t":"v"}`,
			result: true,
		},
		{
			name:   "keep non-empty object",
			input:  `{"o":{"k":1}}`,
			action: func(o *Object) bool { return o.RemoveIfNullOrEmpty("o") },
			want:   `{"o":{"k":1}}`,
		},
		{
			name:   "zero and false are not empty",
			input:  `{"n":0,"b":false}`,
			action: func(o *Object) bool { return o.RemoveIfNullOrEmpty("n") || o.RemoveIfNullOrEmpty("b") },
			want:   `{"n":0,"b":false}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			object := mustParse(t, test.input)
			if result := test.action(object); result != test.result {
				t.Errorf("result = %v, want %v", result, test.result)
			}
			if got := Format(object); got != test.want {
				t.Errorf("document = %s, want %s", got, test.want)
			}
		})
	}
}

func TestCopyOrRemoveIfNullOrEmpty(t *testing.T) {
	source := mustParse(t, `{"Code":"500","Message":"","Inner":{"Code":"1"}}`)
	target := New()

	if !target.CopyOrRemoveIfNullOrEmpty(source, "Code", "code") {
		t.Error("copy of non-empty value returned false")
	}
	if target.CopyOrRemoveIfNullOrEmpty(source, "Message", "message") {
		t.Error("copy of empty value returned true")
	}
	target.CopyOrRemoveIfNullOrEmpty(source, "Inner", "inner")

	if got := Format(target); got != `{"code":"500","inner":{"Code":"1"}}` {
		t.Errorf("target = %s", got)
	}
	if got := Format(source); got != `{"Code":"500","Inner":{"Code":"1"}}` {
		t.Errorf("source = %s", got)
	}

	// The copy is deep: mutating it must not affect the source.
	target.Object("inner").Set("Code", "changed")
	if source.Object("Inner").String("Code") != "1" {
		t.Error("CopyOrRemoveIfNullOrEmpty aliased the nested object")
	}
}

func TestRenameAllRecurses(t *testing.T) {
	object := mustParse(t, `{"ExtendedData":{"a":1},"Inner":{"ExtendedData":{},"list":[{"ExtendedData":2}]}}`)
	object.RenameAll("ExtendedData", "Data")
	want := `{"Data":{"a":1},"Inner":{"Data":{},"list":[{"Data":2}]}}`
	if got := Format(object); got != want {
		t.Errorf("RenameAll = %s, want %s", got, want)
	}
}

func TestStringAccessors(t *testing.T) {
	object := mustParse(t, `{"s":"text","n":404,"b":true,"o":{},"z":null}`)
	cases := map[string]string{"s": "text", "n": "404", "b": "true", "o": "", "z": "", "missing": ""}
	for key, want := range cases {
		if got := object.String(key); got != want {
			t.Errorf("String(%q) = %q, want %q", key, got, want)
		}
	}

	if got := object.TakeString("s"); got != "text" || object.Has("s") {
		t.Errorf("TakeString = %q, still present = %v", got, object.Has("s"))
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := mustParse(t, `{"a":{"b":[{"c":1}]}}`)
	clone := original.Clone()
	clone.Object("a").Set("b", "replaced")

	if got := Format(original); got != `{"a":{"b":[{"c":1}]}}` {
		t.Errorf("original mutated through clone: %s", got)
	}
}

func TestObjectWorksWithEncodingJSON(t *testing.T) {
	var wrapper struct {
		Doc *Object `json:"doc"`
	}
	if err := json.Unmarshal([]byte(`{"doc":{"k2":1,"k1":2}}`), &wrapper); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	encoded, err := json.Marshal(wrapper)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(encoded) != `{"doc":{"k2":1,"k1":2}}` {
		t.Errorf("encoded = %s", encoded)
	}
}
