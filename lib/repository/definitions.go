// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/eventsink/lib/index"
)

// Logical index names. Each is also the alias readers use.
const (
	EventsIndex        = "events"
	StacksIndex        = "stacks"
	OrganizationsIndex = "organizations"
)

//go:embed mappings/*.jsonc
var mappingFiles embed.FS

// defaults are the built-in index declarations. Retention is zero
// (keep forever) until configured.
var defaults = []index.Definition{
	{Name: EventsIndex, Version: 1, Partition: index.PartitionMonthly},
	{Name: StacksIndex, Version: 1, Partition: index.PartitionNone},
	{Name: OrganizationsIndex, Version: 1, Partition: index.PartitionNone},
}

// Definitions returns the declared logical indexes with their mapping
// bodies. An error means an embedded mapping is broken, which is a
// build defect rather than a runtime condition.
func Definitions() ([]index.Definition, error) {
	definitions := make([]index.Definition, 0, len(defaults))
	for _, definition := range defaults {
		mapping, err := Mapping(definition.Name)
		if err != nil {
			return nil, err
		}
		definition.Mapping = mapping
		definitions = append(definitions, definition)
	}
	return definitions, nil
}

// Mapping returns the embedded mapping for a logical index as plain
// JSON.
func Mapping(name string) ([]byte, error) {
	path := "mappings/" + name + ".jsonc"
	data, err := mappingFiles.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("repository: reading embedded mapping %s: %w", path, err)
	}
	stripped := jsonc.ToJSON(data)
	if !json.Valid(stripped) {
		return nil, fmt.Errorf("repository: embedded mapping %s is not valid JSON", path)
	}
	return stripped, nil
}
