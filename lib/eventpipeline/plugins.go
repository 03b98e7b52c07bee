// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventpipeline

import (
	"context"
	"strings"

	"github.com/bureau-foundation/eventsink/lib/event"
	"github.com/bureau-foundation/eventsink/lib/plugin"
)

// CriticalTag marks an event that always notifies.
const CriticalTag = "Critical"

// TagsPlugin trims tags, drops empty ones, and removes duplicates
// while keeping first-seen order.
type TagsPlugin struct{}

func (TagsPlugin) Name() string { return "tags" }

func (TagsPlugin) ProcessEvent(_ context.Context, ec *event.Context) error {
	if len(ec.Event.Tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ec.Event.Tags))
	tags := ec.Event.Tags[:0]
	for _, tag := range ec.Event.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	ec.Event.Tags = tags
	return nil
}

// sensitiveHeaders are request headers never stored.
var sensitiveHeaders = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
}

// sensitiveCookieMarkers drop any cookie whose name contains one.
var sensitiveCookieMarkers = []string{"session", "auth", "token"}

// RequestDataPlugin removes credentials from the request data of
// events. Key names are matched case-insensitively because legacy
// documents keep their original spelling.
type RequestDataPlugin struct{}

func (RequestDataPlugin) Name() string { return "request_data" }

// ContinueOnError keeps an event whose request data is unusual.
func (RequestDataPlugin) ContinueOnError() bool { return true }

func (RequestDataPlugin) ProcessEvent(_ context.Context, ec *event.Context) error {
	request := ec.Event.RequestData()
	if request == nil {
		return nil
	}
	if headers, ok := lookupObject(request, "headers"); ok {
		for name := range headers {
			for _, sensitive := range sensitiveHeaders {
				if strings.EqualFold(name, sensitive) {
					delete(headers, name)
				}
			}
		}
	}
	if cookies, ok := lookupObject(request, "cookies"); ok {
		for name := range cookies {
			lower := strings.ToLower(name)
			for _, marker := range sensitiveCookieMarkers {
				if strings.Contains(lower, marker) {
					delete(cookies, name)
					break
				}
			}
		}
	}
	return nil
}

func lookupObject(m map[string]any, key string) (map[string]any, bool) {
	value, ok := event.LookupFold(m, key)
	if !ok {
		return nil, false
	}
	object, ok := value.(map[string]any)
	return object, ok
}

// CriticalPlugin marks events tagged Critical, in any case.
type CriticalPlugin struct{}

func (CriticalPlugin) Name() string { return "critical" }

func (CriticalPlugin) ProcessEvent(_ context.Context, ec *event.Context) error {
	for _, tag := range ec.Event.Tags {
		if strings.EqualFold(tag, CriticalTag) {
			ec.IsCritical = true
			return nil
		}
	}
	return nil
}

// EventCounter counts processed events. lib/metrics implements it.
type EventCounter interface {
	CountEvent(eventType string, isNew, isRegression, isCritical bool)
}

// MetricsPlugin reports every saved event to an EventCounter.
type MetricsPlugin struct {
	Counter EventCounter
}

func (MetricsPlugin) Name() string { return "metrics" }

func (p MetricsPlugin) ProcessBatch(_ context.Context, batch []*event.Context) error {
	for _, ec := range batch {
		p.Counter.CountEvent(ec.Event.Type, ec.IsNew, ec.IsRegression, ec.IsCritical)
	}
	return nil
}

var (
	_ plugin.EventPlugin = TagsPlugin{}
	_ plugin.EventPlugin = RequestDataPlugin{}
	_ plugin.Tolerant    = RequestDataPlugin{}
	_ plugin.EventPlugin = CriticalPlugin{}
	_ plugin.BatchPlugin = MetricsPlugin{}
)
