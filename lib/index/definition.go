// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Partition selects how a logical index is split over time.
type Partition int

const (
	// PartitionNone keeps one physical index per schema version.
	PartitionNone Partition = iota

	// PartitionMonthly rolls to a new physical index each calendar
	// month (UTC), suffixed "YYYY-MM".
	PartitionMonthly

	// PartitionDaily rolls each calendar day (UTC), suffixed
	// "YYYY-MM-DD".
	PartitionDaily
)

func (p Partition) String() string {
	switch p {
	case PartitionNone:
		return "none"
	case PartitionMonthly:
		return "monthly"
	case PartitionDaily:
		return "daily"
	default:
		return fmt.Sprintf("partition(%d)", int(p))
	}
}

// ParsePartition accepts the names returned by Partition.String. The
// empty string is PartitionNone.
func ParsePartition(text string) (Partition, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "none":
		return PartitionNone, nil
	case "monthly":
		return PartitionMonthly, nil
	case "daily":
		return PartitionDaily, nil
	default:
		return PartitionNone, fmt.Errorf("index: unknown partition %q", text)
	}
}

func (p Partition) layout() string {
	switch p {
	case PartitionMonthly:
		return "2006-01"
	case PartitionDaily:
		return "2006-01-02"
	default:
		return ""
	}
}

// Bucket returns the time-bucket suffix containing at, or "" for
// PartitionNone.
func (p Partition) Bucket(at time.Time) string {
	layout := p.layout()
	if layout == "" {
		return ""
	}
	return at.UTC().Format(layout)
}

// BucketRange returns the half-open interval [start, end) covered by a
// bucket suffix.
func (p Partition) BucketRange(bucket string) (start, end time.Time, err error) {
	layout := p.layout()
	if layout == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("index: %s indexes have no buckets", p)
	}
	start, err = time.Parse(layout, bucket)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("index: bucket %q: %w", bucket, err)
	}
	if p == PartitionMonthly {
		return start, start.AddDate(0, 1, 0), nil
	}
	return start, start.AddDate(0, 0, 1), nil
}

// Definition declares a logical index.
type Definition struct {
	// Name is the alias every reader and writer uses. Lowercase
	// letters, digits and underscores, starting with a letter.
	Name string

	// Version is the schema version embedded in physical names.
	Version int

	Partition Partition

	// Retention bounds how long partition buckets are kept after
	// they close. Zero keeps them forever. Ignored for PartitionNone.
	Retention time.Duration

	// Mapping is the backend-specific index body (settings and
	// mappings) applied when a physical index is created.
	Mapping []byte
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks the name, version and partition.
func (d Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("index: invalid name %q", d.Name)
	}
	if d.Version < 1 {
		return fmt.Errorf("index: %s: version must be at least 1", d.Name)
	}
	if d.Partition.layout() == "" && d.Partition != PartitionNone {
		return fmt.Errorf("index: %s: unknown %s", d.Name, d.Partition)
	}
	if d.Retention < 0 {
		return fmt.Errorf("index: %s: negative retention", d.Name)
	}
	return nil
}

// PhysicalName returns the physical index that holds documents dated
// at: "{name}-v{version}" plus "-{bucket}" for partitioned indexes.
func (d Definition) PhysicalName(at time.Time) string {
	name := d.Name + "-v" + strconv.Itoa(d.Version)
	if bucket := d.Partition.Bucket(at); bucket != "" {
		name += "-" + bucket
	}
	return name
}

// TemplateName names the index template that partitioned indexes
// register at configure time, "{name}-v{version}". Its buckets are the
// indices starting with TemplateName()+"-".
func (d Definition) TemplateName() string {
	return d.templateName(d.Version)
}

func (d Definition) templateName(version int) string {
	return d.Name + "-v" + strconv.Itoa(version)
}

// Physical is a parsed physical index name.
type Physical struct {
	Base    string
	Version int
	Bucket  string
}

// ParsePhysicalName splits a name produced by PhysicalName. ok is
// false for names that do not follow the scheme.
func ParsePhysicalName(name string) (Physical, bool) {
	base, rest, found := strings.Cut(name, "-v")
	if !found || !namePattern.MatchString(base) {
		return Physical{}, false
	}
	versionText, bucket, _ := strings.Cut(rest, "-")
	version, err := strconv.Atoi(versionText)
	if err != nil || version < 1 || strconv.Itoa(version) != versionText {
		return Physical{}, false
	}
	return Physical{Base: base, Version: version, Bucket: bucket}, true
}
