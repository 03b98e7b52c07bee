// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/eventsink/lib/document"
)

// Context is one document moving through a chain. Steps mutate
// Document (through a clone) and advance Version.
type Context struct {
	Document *document.Object
	Version  Version

	// DataLoss lists fragments discarded by steps, in step order.
	DataLoss []*DataLoss
}

// NewContext wraps a single parsed document. A zero declared version is
// resolved with DetectVersion.
func NewContext(doc *document.Object, declared Version) *Context {
	if declared.IsZero() {
		declared = DetectVersion(doc)
	}
	return &Context{Document: doc, Version: declared}
}

// Split parses raw into one Context per document. raw must be a JSON
// object or an array of JSON objects; anything else, including an
// empty array, yields ErrMalformedDocument.
func Split(raw []byte, declared Version) ([]*Context, error) {
	shape := gjson.ParseBytes(raw)
	if !gjson.ValidBytes(raw) || (!shape.IsObject() && !shape.IsArray()) {
		return nil, fmt.Errorf("%w: expected a JSON object or array", ErrMalformedDocument)
	}

	value, err := document.ParseValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	switch typed := value.(type) {
	case *document.Object:
		return []*Context{NewContext(typed, declared)}, nil
	case []any:
		if len(typed) == 0 {
			return nil, fmt.Errorf("%w: empty array", ErrMalformedDocument)
		}
		contexts := make([]*Context, 0, len(typed))
		for i, element := range typed {
			doc, ok := element.(*document.Object)
			if !ok {
				return nil, fmt.Errorf("%w: array element %d is not an object", ErrMalformedDocument, i)
			}
			contexts = append(contexts, NewContext(doc, declared))
		}
		return contexts, nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON object or array", ErrMalformedDocument)
	}
}

// legacyMarkers are top-level keys that only pre-3.0 clients send.
var legacyMarkers = []string{
	"OccurrenceDate", "ExceptionlessClientInfo", "ExtendedData", "ErrorStackId",
	"RequestInfo", "EnvironmentInfo", "StackTrace", "TargetMethod",
	"UserEmail", "UserName", "UserDescription", "Code",
}

// DetectVersion infers the schema version of an undeclared document:
// the client version recorded in ExceptionlessClientInfo when present
// and parseable, 2.0 for any other document carrying legacy fields, and
// CurrentVersion otherwise.
func DetectVersion(doc *document.Object) Version {
	if clientInfo := doc.Object("ExceptionlessClientInfo"); clientInfo != nil {
		if version, err := ParseVersion(clientInfo.String("Version")); err == nil && !version.IsZero() {
			return version
		}
	}
	for _, marker := range legacyMarkers {
		if doc.Has(marker) {
			return Version{Major: 2}
		}
	}
	return CurrentVersion
}
