// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stacking groups events that describe the same problem. Each
// event reduces to a [Signature], a short ordered list of fields that
// identify the problem independently of when or where it happened.
// Events with equal signature hashes in one project share a stack.
package stacking

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/eventsink/lib/event"
)

// domainKey is a 32-byte BLAKE3 key. The bytes are the ASCII domain
// name, zero-padded. Changing a key regroups every existing stack.
type domainKey [32]byte

var (
	signatureDomainKey = domainKey{
		'e', 'v', 'e', 'n', 't', 's', 'i', 'n', 'k', '.', 's', 't', 'a', 'c', 'k', '.',
		's', 'i', 'g', 'n', 'a', 't', 'u', 'r', 'e', 0, 0, 0, 0, 0, 0, 0,
	}

	stackIDDomainKey = domainKey{
		'e', 'v', 'e', 'n', 't', 's', 'i', 'n', 'k', '.', 's', 't', 'a', 'c', 'k', '.',
		'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Field is one component of a signature.
type Field struct {
	Key   string
	Value string
}

// Signature identifies the problem an event describes.
type Signature struct {
	// Type is the event type the signature was derived for.
	Type   string
	Fields []Field
}

// Info returns the fields as a map, the form stored on stacks.
func (s Signature) Info() map[string]string {
	info := make(map[string]string, len(s.Fields))
	for _, field := range s.Fields {
		info[field.Key] = field.Value
	}
	return info
}

// Hash returns the hex keyed BLAKE3 digest of the type and fields in
// order.
func (s Signature) Hash() string {
	var builder strings.Builder
	builder.WriteString(s.Type)
	for _, field := range s.Fields {
		builder.WriteByte(0)
		builder.WriteString(field.Key)
		builder.WriteByte('=')
		builder.WriteString(field.Value)
	}
	return keyedHex(signatureDomainKey, builder.String())
}

// StackID derives the stack document id for a signature hash within a
// project. Every writer computes the same id for the same problem, so
// concurrent first occurrences converge on one document.
func StackID(projectID, signatureHash string) string {
	return keyedHex(stackIDDomainKey, projectID+"\x00"+signatureHash)[:32]
}

func keyedHex(key domainKey, data string) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("stacking: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(data))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Compute derives the signature of ev.
//
// Errors are identified by the innermost error type, the method that
// threw it and the top stack frame. Not-found events are identified by
// the request path. Everything else by source and message.
func Compute(ev *event.Event) Signature {
	signature := Signature{Type: ev.Type}

	switch {
	case ev.Error != nil:
		signature.Type = event.TypeError
		innermost := ev.Error.Innermost()
		signature.add("ExceptionType", innermost.Type)
		signature.add("Method", methodName(innermost.TargetMethod))
		if len(innermost.StackTrace) > 0 {
			signature.add("Frame", methodName(innermost.StackTrace[0]))
		}
		if len(signature.Fields) == 0 {
			signature.add("Message", firstNonEmpty(innermost.Message, ev.Message))
		}

	case ev.Type == event.TypeNotFound:
		signature.add("Path", firstNonEmpty(ev.RequestPath(), ev.Source, ev.Message))

	default:
		signature.add("Source", ev.Source)
		signature.add("Message", ev.Message)
	}
	return signature
}

func (s *Signature) add(key, value string) {
	value = strings.TrimSpace(value)
	if value != "" {
		s.Fields = append(s.Fields, Field{Key: key, Value: value})
	}
}

// methodName renders a method or stack frame object as
// "namespace.type.name". Legacy and current key spellings are both
// read.
func methodName(method map[string]any) string {
	if method == nil {
		return ""
	}
	var parts []string
	for _, keys := range [][2]string{
		{"declaring_namespace", "DeclaringNamespace"},
		{"declaring_type", "DeclaringType"},
		{"name", "Name"},
	} {
		for _, key := range keys {
			if value, ok := method[key].(string); ok && strings.TrimSpace(value) != "" {
				parts = append(parts, strings.TrimSpace(value))
				break
			}
		}
	}
	return strings.Join(parts, ".")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Title returns a short human-readable description of ev's problem.
func Title(ev *event.Event) string {
	if ev.Error != nil {
		innermost := ev.Error.Innermost()
		switch {
		case innermost.Type != "" && innermost.Message != "":
			return innermost.Type + ": " + innermost.Message
		case innermost.Type != "":
			return innermost.Type
		case innermost.Message != "":
			return innermost.Message
		}
	}
	if path := ev.RequestPath(); ev.Type == event.TypeNotFound && path != "" {
		return path
	}
	return firstNonEmpty(ev.Message, ev.Source, ev.Type)
}
