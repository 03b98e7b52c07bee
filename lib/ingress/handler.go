// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingress is the HTTP front door. It validates submissions
// cheaply, deduplicates client retries, and enqueues them; all real
// work happens in the ingest workers.
//
// Routes:
//
//	POST /api/v2/events                                          current-schema event or array
//	POST /api/v1/error                                           legacy error document
//	POST /api/v2/events/by-ref/{referenceId}/user-description    user description
//	GET  /healthz                                                liveness
//
// The project comes from the X-Project-Id header and the optional
// organization from X-Organization-Id. Accepted submissions get 202.
package ingress

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/codec"
	"github.com/bureau-foundation/eventsink/lib/ingest"
	"github.com/bureau-foundation/eventsink/lib/queue"
)

// DefaultMaxBodySize bounds a request body as received.
const DefaultMaxBodySize = 10 << 20

// deduplicationWindow is how long delivery ids are remembered.
const deduplicationWindow = time.Hour

// Response messages for rejected submissions.
const (
	MessageEmpty       = "Incoming event empty"
	MessageUnparseable = "Unable to parse incoming event"
)

// ParseError reports a body that is not a JSON object or array of
// objects.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", MessageUnparseable, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Observer receives one call per finished request.
type Observer interface {
	ObserveRequest(route string, status int)
}

// Config configures a Handler.
type Config struct {
	Posts        queue.Queue[codec.EventPost]
	Descriptions queue.Queue[codec.EventUserDescription]

	// MaxBodySize bounds request bodies, compressed or not. Zero uses
	// DefaultMaxBodySize.
	MaxBodySize int64

	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

// Handler serves the ingress routes.
type Handler struct {
	posts        queue.Queue[codec.EventPost]
	descriptions queue.Queue[codec.EventUserDescription]
	maxBodySize  int64
	clock        clock.Clock
	logger       *slog.Logger
	observer     Observer
	mux          *http.ServeMux

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// New returns a Handler. Both queues are required.
func New(config Config) (*Handler, error) {
	if config.Posts == nil || config.Descriptions == nil {
		return nil, fmt.Errorf("ingress: Posts and Descriptions queues are required")
	}
	handler := &Handler{
		posts:        config.Posts,
		descriptions: config.Descriptions,
		maxBodySize:  config.MaxBodySize,
		clock:        config.Clock,
		logger:       config.Logger,
		observer:     config.Observer,
		mux:          http.NewServeMux(),
		deliveries:   make(map[string]time.Time),
	}
	if handler.maxBodySize <= 0 {
		handler.maxBodySize = DefaultMaxBodySize
	}
	if handler.clock == nil {
		handler.clock = clock.Real()
	}
	if handler.logger == nil {
		handler.logger = slog.New(slog.DiscardHandler)
	}

	handler.route("POST /api/v2/events", "events_v2", func(w http.ResponseWriter, r *http.Request) int {
		return handler.postEvents(w, r, 2)
	})
	handler.route("POST /api/v1/error", "error_v1", func(w http.ResponseWriter, r *http.Request) int {
		return handler.postEvents(w, r, 1)
	})
	handler.route("POST /api/v2/events/by-ref/{referenceId}/user-description", "user_description", handler.postUserDescription)
	handler.route("GET /healthz", "healthz", func(w http.ResponseWriter, _ *http.Request) int {
		w.WriteHeader(http.StatusOK)
		return http.StatusOK
	})
	return handler, nil
}

func (h *Handler) route(pattern, name string, serve func(http.ResponseWriter, *http.Request) int) {
	h.mux.HandleFunc(pattern, func(writer http.ResponseWriter, request *http.Request) {
		status := serve(writer, request)
		if h.observer != nil {
			h.observer.ObserveRequest(name, status)
		}
	})
}

// ServeHTTP dispatches to the ingress routes.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

func reject(writer http.ResponseWriter, status int, message string) int {
	http.Error(writer, message, status)
	return status
}

func (h *Handler) readBody(writer http.ResponseWriter, request *http.Request) ([]byte, int) {
	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, reject(writer, http.StatusRequestEntityTooLarge, "request body too large")
		}
		h.logger.Error("ingress: reading body failed", "error", err)
		return nil, reject(writer, http.StatusInternalServerError, "")
	}
	if len(body) == 0 {
		return nil, reject(writer, http.StatusBadRequest, MessageEmpty)
	}
	return body, 0
}

func (h *Handler) postEvents(writer http.ResponseWriter, request *http.Request, apiVersion int) int {
	projectID := strings.TrimSpace(request.Header.Get("X-Project-Id"))
	if projectID == "" {
		return reject(writer, http.StatusUnauthorized, "missing X-Project-Id")
	}
	body, status := h.readBody(writer, request)
	if body == nil {
		return status
	}

	encoding := request.Header.Get("Content-Encoding")
	decoded, err := ingest.DecodeBody(body, encoding, 0)
	if err != nil {
		h.logger.Warn("ingress: undecodable body",
			"project_id", projectID,
			"content_encoding", encoding,
			"error", err,
		)
		return reject(writer, http.StatusBadRequest, MessageUnparseable)
	}
	if len(strings.TrimSpace(string(decoded))) == 0 {
		return reject(writer, http.StatusBadRequest, MessageEmpty)
	}
	if err := validateShape(decoded); err != nil {
		h.logger.Warn("ingress: rejected event body",
			"project_id", projectID,
			"error", err,
		)
		return reject(writer, http.StatusBadRequest, MessageUnparseable)
	}

	deliveryID := request.Header.Get("X-Delivery-Id")
	deliveryKey := ""
	if deliveryID != "" {
		deliveryKey = projectID + "/" + deliveryID
	}
	if deliveryKey != "" && h.isDuplicate(deliveryKey) {
		h.logger.Debug("ingress: duplicate delivery, ignoring",
			"project_id", projectID,
			"delivery_id", deliveryID,
		)
		writer.WriteHeader(http.StatusAccepted)
		return http.StatusAccepted
	}

	postID := deliveryKey
	if postID == "" {
		postID = uuid.NewString()
	}
	post := codec.EventPost{
		ID:              postID,
		OrganizationID:  strings.TrimSpace(request.Header.Get("X-Organization-Id")),
		ProjectID:       projectID,
		APIVersion:      apiVersion,
		ClientVersion:   clientVersion(request),
		ContentType:     request.Header.Get("Content-Type"),
		ContentEncoding: encoding,
		UserAgent:       request.UserAgent(),
		ReceivedAt:      h.clock.Now().UTC(),
		Data:            body,
	}
	if err := h.posts.Enqueue(request.Context(), post); err != nil {
		// The client retries with the same delivery id; it must not be
		// mistaken for a replay of an accepted post.
		if deliveryKey != "" {
			h.forgetDelivery(deliveryKey)
		}
		h.logger.Error("ingress: enqueue failed", "project_id", projectID, "error", err)
		return reject(writer, http.StatusServiceUnavailable, "")
	}
	writer.WriteHeader(http.StatusAccepted)
	return http.StatusAccepted
}

// validateShape accepts one JSON object or an array whose elements
// are all objects.
func validateShape(body []byte) error {
	if !gjson.ValidBytes(body) {
		return &ParseError{Err: errors.New("invalid JSON")}
	}
	root := gjson.ParseBytes(body)
	switch {
	case root.IsObject():
		return nil
	case root.IsArray():
		elements := root.Array()
		if len(elements) == 0 {
			return &ParseError{Err: errors.New("empty array")}
		}
		for i, element := range elements {
			if !element.IsObject() {
				return &ParseError{Err: fmt.Errorf("element %d is not an object", i)}
			}
		}
		return nil
	default:
		return &ParseError{Err: fmt.Errorf("top-level %s is not an object or array", root.Type)}
	}
}

// clientVersion reads X-Client-Version, falling back to the version
// after the first slash of the User-Agent ("exceptionless/1.0.0.850").
func clientVersion(request *http.Request) string {
	if version := strings.TrimSpace(request.Header.Get("X-Client-Version")); version != "" {
		return version
	}
	agent := request.UserAgent()
	if _, version, ok := strings.Cut(agent, "/"); ok {
		version, _, _ = strings.Cut(version, " ")
		return strings.TrimSpace(version)
	}
	return ""
}

func (h *Handler) postUserDescription(writer http.ResponseWriter, request *http.Request) int {
	projectID := strings.TrimSpace(request.Header.Get("X-Project-Id"))
	if projectID == "" {
		return reject(writer, http.StatusUnauthorized, "missing X-Project-Id")
	}
	body, status := h.readBody(writer, request)
	if body == nil {
		return status
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return reject(writer, http.StatusBadRequest, MessageUnparseable)
	}

	fields := gjson.GetManyBytes(body, "email_address", "email", "description")
	email := fields[0].String()
	if email == "" {
		email = fields[1].String()
	}
	description := codec.EventUserDescription{
		ProjectID:    projectID,
		ReferenceID:  request.PathValue("referenceId"),
		EmailAddress: strings.TrimSpace(email),
		Description:  strings.TrimSpace(fields[2].String()),
	}
	if err := description.Validate(); err != nil {
		return reject(writer, http.StatusBadRequest, err.Error())
	}
	if err := h.descriptions.Enqueue(request.Context(), description); err != nil {
		h.logger.Error("ingress: enqueue failed", "project_id", projectID, "error", err)
		return reject(writer, http.StatusServiceUnavailable, "")
	}
	writer.WriteHeader(http.StatusAccepted)
	return http.StatusAccepted
}

// isDuplicate records key and reports whether it was already seen in
// the deduplication window. Expired keys are pruned on every call.
func (h *Handler) isDuplicate(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	for id, receivedAt := range h.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}
	if _, exists := h.deliveries[key]; exists {
		return true
	}
	h.deliveries[key] = now
	return false
}

// forgetDelivery drops key so the next post carrying it is accepted.
func (h *Handler) forgetDelivery(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deliveries, key)
}
