// Package validate holds small, pure validators for user-facing
// identifiers used by both the ingress and egress APIs.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9 _\-.:/]+$`)

// Tag validates a session reconnection tag.
// Rules: trimmed non-empty, max 256 chars, only [a-zA-Z0-9 _\-.:/].
func Tag(tag string) error {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return fmt.Errorf("tag must not be empty")
	}
	if len(trimmed) > 256 {
		return fmt.Errorf("tag must be at most 256 characters")
	}
	if !tagPattern.MatchString(trimmed) {
		return fmt.Errorf("tag contains invalid characters")
	}
	return nil
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _\-.]+$`)

// Name validates a session/machine display name.
// Rules: trimmed non-empty, max 128 chars, only [a-zA-Z0-9 _\-.].
func Name(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(trimmed) > 128 {
		return fmt.Errorf("name must be at most 128 characters")
	}
	if !namePattern.MatchString(trimmed) {
		return fmt.Errorf("name must contain only letters, numbers, spaces, hyphens, underscores, and dots")
	}
	return nil
}

var namespacePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Namespace validates a namespace slug.
// Rules: 1-64 chars, lowercase alphanumeric and hyphens only, no
// leading/trailing or consecutive hyphens.
func Namespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if len(ns) > 64 {
		return fmt.Errorf("namespace must be at most 64 characters")
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("namespace must contain only lowercase letters, numbers, and hyphens")
	}
	if strings.HasPrefix(ns, "-") || strings.HasSuffix(ns, "-") || strings.Contains(ns, "--") {
		return fmt.Errorf("namespace must not start/end with or contain consecutive hyphens")
	}
	return nil
}
