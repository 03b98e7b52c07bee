// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/config"
	"github.com/bureau-foundation/eventsink/lib/metrics"
	"github.com/bureau-foundation/eventsink/lib/testutil"
)

var now = time.Date(2016, 3, 20, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *service {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "events.db")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	svc, err := newService(context.Background(), serviceConfig{
		Config:  cfg,
		Metrics: metrics.New(),
		Clock:   clock.Fake(now),
	})
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func post(t *testing.T, svc *service, path, body string) {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("X-Project-Id", "p1")
	request.Header.Set("X-Organization-Id", "o1")
	recorder := httptest.NewRecorder()
	svc.ingress.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("POST %s = %d, body %q", path, recorder.Code, recorder.Body)
	}
}

func TestPostedEventIsStoredAndStacked(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	post(t, svc, "/api/v2/events", `[
		{"type":"404","source":"/missing","reference_id":"ref-1","date":"2016-03-20T11:00:00Z"},
		{"type":"404","source":"/missing","date":"2016-03-20T11:30:00Z"}
	]`)

	entry, err := svc.posts.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := svc.processor.ProcessEventPost(ctx, &entry.Value)
	if err != nil {
		t.Fatalf("ProcessEventPost: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if err := entry.Complete(ctx); err != nil {
		t.Fatal(err)
	}

	stored, err := svc.events.GetByReferenceID(ctx, "p1", "ref-1")
	if err != nil {
		t.Fatalf("GetByReferenceID: %v", err)
	}
	if stored.OrganizationID != "o1" || !stored.IsFirstOccurrence {
		t.Errorf("stored = %+v", stored)
	}

	stack, err := svc.stacks.GetByID(ctx, stored.StackID)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", stored.StackID, err)
	}
	if stack.TotalOccurrences != 2 {
		t.Errorf("stack occurrences = %d, want 2", stack.TotalOccurrences)
	}

	// One notification for the new stack.
	notification, err := svc.notifications.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !notification.Value.IsNew || notification.Value.StackID != stack.ID {
		t.Errorf("notification = %+v", notification.Value)
	}
	if err := svc.deliverNotification(ctx, notification.Value); err != nil {
		t.Error(err)
	}
}

func TestUserDescriptionAttachesToEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	post(t, svc, "/api/v2/events", `{"type":"log","message":"hi","reference_id":"ref-9","date":"2016-03-20T11:00:00Z"}`)
	entry, err := svc.posts.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.processor.ProcessEventPost(ctx, &entry.Value); err != nil {
		t.Fatal(err)
	}

	post(t, svc, "/api/v2/events/by-ref/ref-9/user-description", `{"email_address":"a@example.com","description":"crashed on save"}`)
	description, err := svc.descriptions.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.processor.ProcessUserDescription(ctx, &description.Value); err != nil {
		t.Fatalf("ProcessUserDescription: %v", err)
	}

	stored, err := svc.events.GetByReferenceID(ctx, "p1", "ref-9")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Description == nil || stored.Description.Description != "crashed on save" {
		t.Errorf("description = %+v", stored.Description)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "json"
	var buffer bytes.Buffer
	newLogger(&buffer, cfg).Info("hello", "key", "value")
	if !strings.HasPrefix(buffer.String(), "{") || !strings.Contains(buffer.String(), `"key":"value"`) {
		t.Errorf("json log line = %q", buffer.String())
	}

	cfg.Logging.Level = "error"
	buffer.Reset()
	newLogger(&buffer, cfg).Info("suppressed")
	if buffer.Len() != 0 {
		t.Errorf("info logged at error level: %q", buffer.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := newTestService(t)
	svc.config.Ingress.ListenAddress = "127.0.0.1:0"
	svc.config.Metrics.ListenAddress = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	if err := testutil.RequireReceive(t, done, 10*time.Second, "waiting for Run to stop"); err != nil {
		t.Errorf("Run = %v", err)
	}
}
