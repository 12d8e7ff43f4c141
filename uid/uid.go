// Package uid generates DICOM StudyInstanceUIDs rooted at an
// organization UID prefix.
package uid

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultOrgRoot is the organization UID root used when no -org-uid-root
// is configured. The trailing dot separates the root from the generated
// suffix.
const DefaultOrgRoot = "1.3.6.1.4.1.62860."

// maxLen is the DICOM UI VR length limit.
const maxLen = 64

// rootShape is the accepted org-root form: dot-separated numeric
// segments with the trailing dot already enforced.
var rootShape = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*\.$`)

// ValidateRoot checks that root can serve as an org UID root: numeric
// dot-separated segments, short enough to leave room for at least one
// suffix digit within the 64-character UID limit. The empty root means
// DefaultOrgRoot and is always valid. Callers taking a root from
// flags, YAML, or the environment should reject bad roots here before
// any UID is generated.
func ValidateRoot(root string) error {
	if root == "" {
		return nil
	}
	if !strings.HasSuffix(root, ".") {
		root += "."
	}
	if !rootShape.MatchString(root) {
		return fmt.Errorf("org UID root %q must be dot-separated numeric segments", root)
	}
	if len(root) > maxLen-1 {
		return fmt.Errorf("org UID root %q is %d characters; it must leave room for a suffix within the %d-character UID limit", root, len(root), maxLen)
	}
	return nil
}

// NewStudyUID returns a new StudyInstanceUID under the given org root.
// The root gets a trailing dot if it lacks one. The suffix is the
// decimal rendering of a random UUID's 128-bit value, truncated so the
// whole UID stays within the 64-character DICOM limit. Safe for
// concurrent use; no state is shared between calls.
func NewStudyUID(root string) string {
	if root == "" {
		root = DefaultOrgRoot
	}
	if !strings.HasSuffix(root, ".") {
		root += "."
	}

	// Roots this long are rejected by ValidateRoot; clamp rather than
	// panic or exceed the UID limit if one slips through.
	room := maxLen - len(root)
	if room < 1 {
		root = root[:maxLen-1]
		room = 1
	}

	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	suffix := n.String()
	if len(suffix) > room {
		suffix = suffix[:room]
	}
	return root + suffix
}
