/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Library is the corbel library version.
var Library = NewVersion(0, 3, 0)

// SemanticVersion represents a semantic version value.
type SemanticVersion struct {
	major uint
	minor uint
	patch uint
}

// NewVersion initializes a new instance of SemanticVersion.
func NewVersion(major, minor, patch uint) *SemanticVersion {
	return &SemanticVersion{
		major: major,
		minor: minor,
		patch: patch,
	}
}

// FromStreamAttribute parses an XMPP stream 'version' attribute
// of the form "major.minor".
func FromStreamAttribute(str string) (*SemanticVersion, error) {
	sp := strings.SplitN(str, ".", 2)
	if len(sp) != 2 {
		return nil, fmt.Errorf("version: invalid stream version: %q", str)
	}
	major, err := strconv.ParseUint(sp[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("version: invalid stream version: %q", str)
	}
	minor, err := strconv.ParseUint(sp[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("version: invalid stream version: %q", str)
	}
	return &SemanticVersion{major: uint(major), minor: uint(minor)}, nil
}

// String returns a string representation of the version.
func (v *SemanticVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

// StreamAttribute renders the version the way an XMPP stream header does.
func (v *SemanticVersion) StreamAttribute() string {
	return fmt.Sprintf("%d.%d", v.major, v.minor)
}

// IsEqual returns true in case version instance is equal to v2.
func (v *SemanticVersion) IsEqual(v2 *SemanticVersion) bool {
	if v == v2 {
		return true
	}
	return v.major == v2.major && v.minor == v2.minor && v.patch == v2.patch
}

// IsLess returns true in case version instance is less than v2.
func (v *SemanticVersion) IsLess(v2 *SemanticVersion) bool {
	if v == v2 {
		return false
	}
	if v.major == v2.major {
		if v.minor == v2.minor {
			if v.patch == v2.patch {
				return false
			}
			return v.patch < v2.patch
		}
		return v.minor < v2.minor
	}
	return v.major < v2.major
}

// IsLessOrEqual returns true in case version instance is less than or equal to v2.
func (v *SemanticVersion) IsLessOrEqual(v2 *SemanticVersion) bool {
	return v.IsLess(v2) || v.IsEqual(v2)
}

// IsGreater returns true in case version instance is greater than v2.
func (v *SemanticVersion) IsGreater(v2 *SemanticVersion) bool {
	if v == v2 {
		return false
	}
	if v.major == v2.major {
		if v.minor == v2.minor {
			if v.patch == v2.patch {
				return false
			}
			return v.patch > v2.patch
		}
		return v.minor > v2.minor
	}
	return v.major > v2.major
}

// IsGreaterOrEqual returns true in case version instance is greater than or equal to v2.
func (v *SemanticVersion) IsGreaterOrEqual(v2 *SemanticVersion) bool {
	return v.IsGreater(v2) || v.IsEqual(v2)
}
