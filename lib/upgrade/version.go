// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-part client schema version (major.minor.build.revision).
// Missing trailing parts compare as zero, so "2.0" equals "2.0.0.0".
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// CurrentVersion is the schema produced by the last step of the
// default chain.
var CurrentVersion = Version{Major: 3}

// ParseVersion parses "1", "2.0", "1.0.0.850" and similar strings.
// A leading "v" is accepted. Pre-release or metadata suffixes after a
// '-' or '+' are ignored.
func ParseVersion(text string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(text), "v")
	if index := strings.IndexAny(trimmed, "-+ "); index >= 0 {
		trimmed = trimmed[:index]
	}
	if trimmed == "" {
		return Version{}, fmt.Errorf("upgrade: empty version")
	}

	parts := strings.Split(trimmed, ".")
	if len(parts) > 4 {
		return Version{}, fmt.Errorf("upgrade: version %q has more than four parts", text)
	}

	var numbers [4]int
	for i, part := range parts {
		number, err := strconv.Atoi(part)
		if err != nil || number < 0 {
			return Version{}, fmt.Errorf("upgrade: version %q: invalid part %q", text, part)
		}
		numbers[i] = number
	}
	return Version{numbers[0], numbers[1], numbers[2], numbers[3]}, nil
}

// MustParseVersion is ParseVersion for package-level constants.
func MustParseVersion(text string) Version {
	version, err := ParseVersion(text)
	if err != nil {
		panic(err)
	}
	return version
}

// IsZero reports whether v is the unspecified version.
func (v Version) IsZero() bool { return v == Version{} }

// Compare returns -1, 0, or +1 as v is less than, equal to, or greater
// than other.
func (v Version) Compare(other Version) int {
	left := [4]int{v.Major, v.Minor, v.Build, v.Revision}
	right := [4]int{other.Major, other.Minor, other.Build, other.Revision}
	for i := range left {
		switch {
		case left[i] < right[i]:
			return -1
		case left[i] > right[i]:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	switch {
	case v.Revision != 0:
		return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
	case v.Build != 0:
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
	default:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}
}
