// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/eventsink/lib/document"
)

// Built-in step names.
const (
	StepV1R844 = "v1r844_request_empty_keys"
	StepV1R850 = "v1r850_extended_data_renames"
	StepV2     = "v2_schema"
)

// DefaultSteps returns the built-in legacy steps.
func DefaultSteps() []Step {
	return []Step{
		{
			Name:       StepV1R844,
			Priority:   844,
			MaxVersion: Version{Major: 1, Revision: 844},
			Target:     Version{Major: 1, Revision: 845},
			Apply:      dropEmptyRequestKeys,
		},
		{
			Name:       StepV1R850,
			Priority:   850,
			MaxVersion: Version{Major: 1, Revision: 850},
			Target:     Version{Major: 1, Revision: 851},
			Apply:      renameExtendedDataKeys,
		},
		{
			Name:       StepV2,
			Priority:   2000,
			MaxVersion: Version{Major: 2},
			Target:     CurrentVersion,
			Apply:      migrateToCurrentSchema,
		},
	}
}

// dropEmptyRequestKeys removes the empty-named entries early clients
// wrote into the request cookie, form, and query string collections.
func dropEmptyRequestKeys(doc *document.Object, _ Reporter) error {
	request := doc.Object("RequestInfo")
	if request == nil {
		return nil
	}
	for _, collection := range []string{"Cookies", "Form", "QueryString"} {
		if values := request.Object(collection); values != nil {
			values.Remove("")
		}
	}
	return nil
}

// renameExtendedDataKeys moves the serialized exception blob and trace
// log to their later key names at every level of the exception chain.
func renameExtendedDataKeys(doc *document.Object, _ Reporter) error {
	for level := doc; level != nil; level = level.Object("Inner") {
		extended := level.Object("ExtendedData")
		if extended == nil {
			continue
		}
		if extended.Has("ExtraExceptionProperties") {
			extended.Rename("ExtraExceptionProperties", "__ExceptionInfo")
		}
		if extended.Has("ExceptionInfo") {
			extended.Rename("ExceptionInfo", "__ExceptionInfo")
		}
		if extended.Has("TraceInfo") {
			extended.Rename("TraceInfo", "TraceLog")
		}
	}
	return nil
}

// droppedFields are legacy top-level fields with no counterpart in the
// current schema.
var droppedFields = []string{
	"OrganizationId", "ProjectId", "ErrorStackId",
	"ExceptionlessClientInfo", "IsFixed", "IsHidden",
}

// scalarErrorFields map legacy exception fields to current names.
// Values are rendered as strings; numeric legacy codes are common.
var scalarErrorFields = [][2]string{
	{"Code", "code"},
	{"Type", "type"},
	{"Message", "message"},
}

var structuredErrorFields = []struct {
	legacy  string
	current string
	check   func(any) error
}{
	{"StackTrace", "stack_trace", objectArray},
	{"TargetMethod", "target_method", object},
	{"Modules", "modules", objectArray},
}

func object(value any) error {
	if _, ok := value.(*document.Object); !ok {
		return fmt.Errorf("expected an object, got %T", value)
	}
	return nil
}

func objectArray(value any) error {
	elements, ok := value.([]any)
	if !ok {
		return fmt.Errorf("expected an array, got %T", value)
	}
	for i, element := range elements {
		if _, ok := element.(*document.Object); !ok {
			return fmt.Errorf("element %d: expected an object, got %T", i, element)
		}
	}
	return nil
}

func stringArray(value any) error {
	elements, ok := value.([]any)
	if !ok {
		return fmt.Errorf("expected an array, got %T", value)
	}
	for i, element := range elements {
		if _, ok := element.(string); !ok {
			return fmt.Errorf("element %d: expected a string, got %T", i, element)
		}
	}
	return nil
}

// migrateToCurrentSchema converts a 1.x or 2.0 document (a flattened
// exception with client bookkeeping) into the current event schema.
func migrateToCurrentSchema(doc *document.Object, report Reporter) error {
	isNotFound := doc.String("Code") == "404"

	// Not-found reports reuse one Id per URL, so it is not a reference.
	if id := strings.TrimSpace(doc.TakeString("Id")); id != "" && !isNotFound {
		doc.Set("reference_id", id)
	}

	if doc.RenameOrRemoveIfNullOrEmpty("OccurrenceDate", "date") {
		if normalized, err := normalizeDate(doc.String("date")); err != nil {
			doc.Remove("date")
			report("date", err)
		} else {
			doc.Set("date", normalized)
		}
	}

	for _, field := range droppedFields {
		doc.Remove(field)
	}
	if doc.RenameOrRemoveIfNullOrEmpty("Tags", "tags") {
		tags, _ := doc.Get("tags")
		if err := stringArray(tags); err != nil {
			doc.Remove("tags")
			report("tags", err)
		}
	}

	request := takeObject(doc, "RequestInfo", report)
	environment := takeObject(doc, "EnvironmentInfo", report)

	doc.RenameAll("ExtendedData", "Data")
	data := takeObject(doc, "Data", report)
	if data == nil {
		data = document.New()
	}
	data.RenameOrRemoveIfNullOrEmpty("TraceLog", "trace")

	email := strings.TrimSpace(doc.TakeString("UserEmail"))
	description := strings.TrimSpace(doc.TakeString("UserDescription"))
	if !isNotFound && email != "" && description != "" {
		desc := document.New()
		desc.Set("email", email)
		desc.Set("description", description)
		doc.Set("desc", desc)
	}
	if identity := strings.TrimSpace(doc.TakeString("UserName")); identity != "" {
		user := document.New()
		user.Set("identity", identity)
		doc.Set("user", user)
	}

	errorObject := buildError(doc, data, report)
	for _, field := range []string{"Code", "Type", "StackTrace", "TargetMethod", "Modules", "Inner"} {
		doc.Remove(field)
	}
	if message := strings.TrimSpace(doc.TakeString("Message")); message != "" {
		doc.Set("message", message)
	}

	if errorObject.Len() > 0 {
		doc.Set("err", errorObject)
	}
	if request != nil && request.Len() > 0 {
		data.Set("req", request)
	}
	if environment != nil && environment.Len() > 0 {
		data.Set("env", environment)
	}
	if data.Len() > 0 {
		doc.Set("data", data)
	}

	if isNotFound {
		doc.Set("type", "404")
	} else {
		doc.Set("type", "error")
	}
	return nil
}

// buildError assembles the current error object from the flattened
// exception at top and its Inner chain. topData is the event's
// extended data; its exception blob belongs to the outermost error.
// Inner levels keep any remaining extended data as the error's data.
func buildError(top, topData *document.Object, report Reporter) *document.Object {
	root := document.New()
	current := root
	level := top
	data := topData
	for depth := 0; ; depth++ {
		path := errorPath(depth)
		for _, field := range scalarErrorFields {
			// Copied, not moved: the top-level Message is also the
			// event message.
			if value := strings.TrimSpace(level.String(field[0])); value != "" {
				current.Set(field[1], value)
			}
		}
		for _, field := range structuredErrorFields {
			if !current.CopyOrRemoveIfNullOrEmpty(level, field.legacy, field.current) {
				continue
			}
			value, _ := current.Get(field.current)
			if err := field.check(value); err != nil {
				current.Remove(field.current)
				report(path+"."+field.current, err)
			}
		}

		mergeExceptionInfo(current, data, path, report)
		if level != top && data != nil && data.Len() > 0 {
			current.Set("data", data)
		}

		inner, ok := innerLevel(level, path, report)
		if !ok {
			return root
		}
		next := document.New()
		current.Set("inner", next)
		current = next
		level = inner
		data = takeObject(level, "Data", report)
	}
}

// innerLevel returns the Inner exception of level. A non-object Inner
// is reported and ends the chain.
func innerLevel(level *document.Object, path string, report Reporter) (*document.Object, bool) {
	value, exists := level.Get("Inner")
	if !exists || value == nil {
		return nil, false
	}
	inner, ok := value.(*document.Object)
	if !ok {
		report(path+".inner", fmt.Errorf("expected an object, got %T", value))
		return nil, false
	}
	if inner.Len() == 0 {
		return nil, false
	}
	return inner, true
}

// mergeExceptionInfo folds the serialized exception properties stored
// under data["__ExceptionInfo"] into errorObject. Properties the error
// already carries win. An unparsable blob is dropped and reported.
func mergeExceptionInfo(errorObject, data *document.Object, path string, report Reporter) {
	if data == nil {
		return
	}
	value, exists := data.Get("__ExceptionInfo")
	if !exists {
		return
	}
	data.Remove("__ExceptionInfo")

	var extra *document.Object
	switch typed := value.(type) {
	case *document.Object:
		extra = typed
	case string:
		if strings.TrimSpace(typed) == "" {
			return
		}
		parsed, err := document.Parse([]byte(typed))
		if err != nil {
			report(path+".__ExceptionInfo", err)
			return
		}
		extra = parsed
	case nil:
		return
	default:
		report(path+".__ExceptionInfo", fmt.Errorf("expected a JSON object string, got %T", value))
		return
	}

	for _, key := range extra.Keys() {
		if errorObject.Has(key) {
			continue
		}
		property, _ := extra.Get(key)
		errorObject.Set(key, property)
	}
}

// takeObject removes key from doc and returns its object value. A
// present, non-empty value that is not an object is reported.
func takeObject(doc *document.Object, key string, report Reporter) *document.Object {
	value, exists := doc.Get(key)
	if !exists {
		return nil
	}
	doc.Remove(key)
	if document.IsEmpty(value) {
		return nil
	}
	object, ok := value.(*document.Object)
	if !ok {
		report(key, fmt.Errorf("expected an object, got %T", value))
		return nil
	}
	return object
}

func errorPath(depth int) string {
	return "err" + strings.Repeat(".inner", depth)
}

// legacyDateLayouts are the timestamp forms older clients produced.
// Layouts without a zone are read as UTC.
var legacyDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05.9999999Z07:00",
	"2006-01-02 15:04:05.9999999",
}

// normalizeDate rewrites a legacy occurrence date as RFC 3339,
// preserving the original offset.
func normalizeDate(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("empty date")
	}
	for _, layout := range legacyDateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.Format(time.RFC3339Nano), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", text)
}
