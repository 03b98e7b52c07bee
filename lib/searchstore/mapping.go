// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package searchstore

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// keywordFields returns the dotted paths of every "keyword" property
// in an Elasticsearch-style mapping body. Both {"mappings":
// {"properties": ...}} and a bare {"properties": ...} are accepted.
// An empty mapping has no keyword fields.
func keywordFields(mapping []byte) ([]string, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(mapping) {
		return nil, fmt.Errorf("searchstore: mapping is not valid JSON")
	}

	root := gjson.ParseBytes(mapping)
	properties := root.Get("mappings.properties")
	if !properties.Exists() {
		properties = root.Get("properties")
	}

	var fields []string
	collectKeywords(properties, "", &fields)
	sort.Strings(fields)
	return fields, nil
}

func collectKeywords(properties gjson.Result, prefix string, fields *[]string) {
	properties.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}
		if value.Get("type").String() == "keyword" {
			*fields = append(*fields, path)
		}
		if nested := value.Get("properties"); nested.IsObject() {
			collectKeywords(nested, path, fields)
		}
		return true
	})
}

// termValues extracts the values of field from a JSON body. Arrays
// contribute each scalar element. Objects and nulls contribute nothing.
func termValues(body []byte, field string) []string {
	result := gjson.GetBytes(body, escapePath(field))
	if !result.Exists() {
		return nil
	}
	if result.IsArray() {
		var values []string
		for _, element := range result.Array() {
			if value, ok := scalar(element); ok {
				values = append(values, value)
			}
		}
		return values
	}
	if value, ok := scalar(result); ok {
		return []string{value}
	}
	return nil
}

func scalar(result gjson.Result) (string, bool) {
	switch result.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return result.String(), true
	default:
		return "", false
	}
}

// escapePath escapes gjson wildcard and modifier characters in a
// dotted mapping path. Dots stay path separators.
func escapePath(field string) string {
	escaped := make([]byte, 0, len(field))
	for i := 0; i < len(field); i++ {
		switch field[i] {
		case '*', '?', '|', '#', '@', '!', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, field[i])
	}
	return string(escaped)
}
