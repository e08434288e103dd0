package models

import (
	"regexp"
	"strings"

	"pose-factory/internal/errdefs"
)

// MaxSlugLen bounds every path segment derived from caller input.
const MaxSlugLen = 96

var (
	slugRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	slugStrip = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// CheckSlug rejects any string that is not already a safe path segment:
// non-empty, at most MaxSlugLen characters, matching [A-Za-z0-9_-].
// Every externally-derived id must pass here before it touches a path or a
// store key.
func CheckSlug(s string) error {
	if s == "" {
		return errdefs.Validationf("empty path segment")
	}
	if len(s) > MaxSlugLen {
		return errdefs.Validationf("path segment exceeds %d characters", MaxSlugLen)
	}
	if !slugRe.MatchString(s) {
		return errdefs.Validationf("path segment %q contains characters outside [A-Za-z0-9_-]", s)
	}
	return nil
}

// CheckSubpath validates a relative multi-segment path such as a script
// name or output_dir. Segments admit dots for file extensions but "." and
// ".." are rejected, as are empty segments and absolute paths.
func CheckSubpath(s string) error {
	if s == "" {
		return errdefs.Validationf("empty path")
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == "" {
			return errdefs.Validationf("path %q has an empty segment", s)
		}
		if len(seg) > MaxSlugLen {
			return errdefs.Validationf("path segment exceeds %d characters", MaxSlugLen)
		}
		if strings.Trim(seg, ".") == "" {
			return errdefs.Validationf("path %q has a dot-only segment", s)
		}
		if !segmentRe.MatchString(seg) {
			return errdefs.Validationf("path segment %q contains characters outside [A-Za-z0-9._-]", seg)
		}
	}
	return nil
}

// SafeSlug collapses free-form text (character names) into a safe path
// segment: spaces become underscores, everything outside [A-Za-z0-9_-] is
// dropped, and the result is truncated to MaxSlugLen. Returns "" when
// nothing survives; callers must treat that as invalid input.
func SafeSlug(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = slugStrip.ReplaceAllString(s, "")
	if len(s) > MaxSlugLen {
		s = s[:MaxSlugLen]
	}
	return s
}
