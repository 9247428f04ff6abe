package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input bounds applied by the sanitizers.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
	MaxTagLength         = 50
	MaxTags              = 20
	MaxEstimatedHours    = 1000
	MaxQueryLength       = 200
	MaxTaskIDLength      = 128
	DefaultMaxBatchSize  = 100
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SanitizeString strips control characters (null bytes included), trims
// surrounding whitespace and truncates the result to max runes.
func SanitizeString(s string, max int) string {
	return sanitize(s, max, false)
}

// SanitizeText is SanitizeString for multi-line fields: newlines and tabs
// survive, every other control character is stripped.
func SanitizeText(s string, max int) string {
	return sanitize(s, max, true)
}

func sanitize(s string, max int, multiline bool) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if multiline && (r == '\n' || r == '\t') {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if max > 0 && utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		s = string(runes[:max])
	}
	return s
}

func normalizeEnum(raw string) string {
	return strings.ToLower(SanitizeString(raw, 0))
}

// ParseLane normalizes raw and checks it against the closed set of lanes.
func ParseLane(raw string) (Lane, error) {
	l := Lane(normalizeEnum(raw))
	if !l.Valid() {
		return "", &InvalidLaneError{Lane: raw, Valid: Lanes()}
	}
	return l, nil
}

// ParsePriority normalizes raw and checks it against the closed set of
// priorities.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(normalizeEnum(raw))
	if !p.Valid() {
		allowed := make([]string, len(priorities))
		for i, v := range priorities {
			allowed[i] = string(v)
		}
		return "", &ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("invalid priority %q, must be one of: %s", raw, strings.Join(allowed, ", ")),
			Extra:   map[string]any{"value": raw, "allowed": allowed},
		}
	}
	return p, nil
}

// ValidateEstimatedHours rejects non-finite, negative and oversized values.
func ValidateEstimatedHours(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return newValidationError("estimatedHours", "must be a finite number")
	case v < 0:
		return newValidationError("estimatedHours", "must not be negative")
	case v > MaxEstimatedHours:
		return newValidationError("estimatedHours", "must not exceed %d", MaxEstimatedHours)
	}
	return nil
}

// SanitizeTags keeps non-empty string entries, sanitizes each one and caps
// the result at MaxTags entries. Non-string entries are ignored.
func SanitizeTags(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = SanitizeString(s, MaxTagLength)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

func sanitizeTagList(tags []string) []string {
	raw := make([]any, len(tags))
	for i, t := range tags {
		raw[i] = t
	}
	return SanitizeTags(raw)
}

// ValidateTaskID rejects identifiers outside [A-Za-z0-9_-].
func ValidateTaskID(id string) error {
	if id == "" {
		return newValidationError("taskId", "is required")
	}
	if len(id) > MaxTaskIDLength {
		return newValidationError("taskId", "must not exceed %d characters", MaxTaskIDLength)
	}
	if !taskIDPattern.MatchString(id) {
		return newValidationError("taskId", "may only contain letters, digits, hyphens and underscores")
	}
	return nil
}

// ValidateBatchSize rejects empty batches and batches over max items.
func ValidateBatchSize(n, max int) error {
	if max <= 0 {
		max = DefaultMaxBatchSize
	}
	if n == 0 {
		return newValidationError("tasks", "batch must contain at least one task")
	}
	if n > max {
		return &ValidationError{
			Field:   "tasks",
			Message: fmt.Sprintf("batch of %d tasks exceeds the maximum of %d", n, max),
			Extra:   map[string]any{"count": n, "max": max},
		}
	}
	return nil
}

// SearchQuery is a sanitized free-text query. The text is matched literally
// and case-insensitively against task titles and descriptions.
type SearchQuery struct {
	Text    string
	pattern *regexp.Regexp
}

// ParseSearchQuery sanitizes raw into a SearchQuery. Regex metacharacters are
// escaped so the query can never be interpreted as a pattern. A query that
// sanitizes to nothing is empty and matches no task.
func ParseSearchQuery(raw string) SearchQuery {
	text := SanitizeString(raw, MaxQueryLength)
	if text == "" {
		return SearchQuery{}
	}
	return SearchQuery{Text: text, pattern: regexp.MustCompile("(?i)" + regexp.QuoteMeta(text))}
}

// Empty reports whether the query has no text left after sanitization.
func (q SearchQuery) Empty() bool { return q.Text == "" }

// Matches reports whether t's title or description contains the query.
func (q SearchQuery) Matches(t Task) bool {
	if q.pattern == nil {
		return false
	}
	return q.pattern.MatchString(t.Title) || q.pattern.MatchString(t.Description)
}
