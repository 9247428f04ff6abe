package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// TaskFields represents optional task fields used for creation and updates.
// A nil pointer means the field was not supplied.
type TaskFields struct {
	Title           *string
	Description     *string
	Lane            *string
	Priority        *string
	EstimatedHours  *float64
	Tags            *[]string
	ExpectedVersion *int64
}

// taskPatch is TaskFields after sanitization and validation.
type taskPatch struct {
	title           *string
	description     *string
	lane            *Lane
	priority        *Priority
	hours           *float64
	tags            *[]string
	expectedVersion *int64
}

func (p taskPatch) empty() bool {
	return p.title == nil && p.description == nil && p.lane == nil && p.priority == nil && p.hours == nil && p.tags == nil
}

func (p taskPatch) applyTo(t *Task) {
	if p.title != nil {
		t.Title = *p.title
	}
	if p.description != nil {
		t.Description = *p.description
	}
	if p.lane != nil {
		t.Lane = *p.lane
	}
	if p.priority != nil {
		t.Priority = *p.priority
	}
	if p.hours != nil {
		if *p.hours == 0 {
			t.EstimatedHours = nil
		} else {
			h := *p.hours
			t.EstimatedHours = &h
		}
	}
	if p.tags != nil {
		t.Tags = append([]string{}, (*p.tags)...)
	}
}

func (f TaskFields) validate() (taskPatch, error) {
	var p taskPatch
	if f.Title != nil {
		title := SanitizeString(*f.Title, MaxTitleLength)
		if title == "" {
			return taskPatch{}, newValidationError("title", "must not be empty")
		}
		p.title = &title
	}
	if f.Description != nil {
		desc := SanitizeText(*f.Description, MaxDescriptionLength)
		p.description = &desc
	}
	if f.Lane != nil && normalizeEnum(*f.Lane) != "" {
		lane, err := ParseLane(*f.Lane)
		if err != nil {
			return taskPatch{}, err
		}
		p.lane = &lane
	}
	if f.Priority != nil && normalizeEnum(*f.Priority) != "" {
		prio, err := ParsePriority(*f.Priority)
		if err != nil {
			return taskPatch{}, err
		}
		p.priority = &prio
	}
	if f.EstimatedHours != nil {
		if err := ValidateEstimatedHours(*f.EstimatedHours); err != nil {
			return taskPatch{}, err
		}
		h := *f.EstimatedHours
		p.hours = &h
	}
	if f.Tags != nil {
		tags := sanitizeTagList(*f.Tags)
		p.tags = &tags
	}
	if f.ExpectedVersion != nil {
		if *f.ExpectedVersion < 1 {
			return taskPatch{}, newValidationError("expectedVersion", "must be a positive integer")
		}
		v := *f.ExpectedVersion
		p.expectedVersion = &v
	}
	return p, nil
}

// Validate sanitizes every present field and reports the first violation.
func (f TaskFields) Validate() error {
	_, err := f.validate()
	return err
}

// IsEmpty reports whether f carries no field that would change a task.
// Blank lane and priority values count as absent.
func (f TaskFields) IsEmpty() bool {
	p, err := f.validate()
	return err == nil && p.empty()
}

// fieldRule decodes one untyped input value into TaskFields.
type fieldRule func(raw any, f *TaskFields) error

// taskFieldRules maps each accepted input key to its decoder. Unknown keys
// are ignored.
var taskFieldRules = []struct {
	name string
	rule fieldRule
}{
	{"title", func(raw any, f *TaskFields) error {
		s, err := stringValue("title", raw)
		if err != nil {
			return err
		}
		f.Title = &s
		return nil
	}},
	{"description", func(raw any, f *TaskFields) error {
		s, err := stringValue("description", raw)
		if err != nil {
			return err
		}
		f.Description = &s
		return nil
	}},
	{"lane", func(raw any, f *TaskFields) error {
		if raw == nil {
			return nil
		}
		s, err := stringValue("lane", raw)
		if err != nil {
			return err
		}
		f.Lane = &s
		return nil
	}},
	{"priority", func(raw any, f *TaskFields) error {
		if raw == nil {
			return nil
		}
		s, err := stringValue("priority", raw)
		if err != nil {
			return err
		}
		f.Priority = &s
		return nil
	}},
	{"estimatedHours", func(raw any, f *TaskFields) error {
		if raw == nil {
			zero := 0.0
			f.EstimatedHours = &zero
			return nil
		}
		v, err := numberValue("estimatedHours", raw)
		if err != nil {
			return err
		}
		f.EstimatedHours = &v
		return nil
	}},
	{"tags", func(raw any, f *TaskFields) error {
		var tags []string
		switch v := raw.(type) {
		case nil:
			tags = []string{}
		case []any:
			tags = SanitizeTags(v)
		case []string:
			tags = sanitizeTagList(v)
		default:
			return newValidationError("tags", "must be an array of strings")
		}
		f.Tags = &tags
		return nil
	}},
	{"expectedVersion", func(raw any, f *TaskFields) error {
		if raw == nil {
			return nil
		}
		v, err := numberValue("expectedVersion", raw)
		if err != nil {
			return err
		}
		if v != math.Trunc(v) || v < 1 || v > math.MaxInt64/2 {
			return newValidationError("expectedVersion", "must be a positive integer")
		}
		n := int64(v)
		f.ExpectedVersion = &n
		return nil
	}},
}

// ParseTaskFields decodes untrusted key/value input (typically a decoded
// JSON object) into validated TaskFields.
func ParseTaskFields(raw map[string]any) (TaskFields, error) {
	var f TaskFields
	if raw == nil {
		return f, nil
	}
	for _, r := range taskFieldRules {
		v, ok := raw[r.name]
		if !ok {
			continue
		}
		if err := r.rule(v, &f); err != nil {
			return TaskFields{}, err
		}
	}
	if err := f.Validate(); err != nil {
		return TaskFields{}, err
	}
	return f, nil
}

// ParseTaskBatch decodes a list of untyped task objects. The batch size is
// checked against max before any item is decoded. Item failures name the
// offending item, e.g. "tasks[3].title".
func ParseTaskBatch(raw []any, max int) ([]TaskFields, error) {
	if err := ValidateBatchSize(len(raw), max); err != nil {
		return nil, err
	}
	out := make([]TaskFields, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, newValidationError(fmt.Sprintf("tasks[%d]", i), "must be an object")
		}
		f, err := ParseTaskFields(obj)
		if err != nil {
			return nil, BatchItemError(i, err)
		}
		out[i] = f
	}
	return out, nil
}

// BatchItemError prefixes a validation failure with the index of the batch
// item it belongs to. Other errors are returned unchanged.
func BatchItemError(i int, err error) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	field := fmt.Sprintf("tasks[%d]", i)
	if ve.Field != "" {
		field += "." + ve.Field
	}
	return &ValidationError{Field: field, Message: ve.Message, Extra: ve.Extra}
}

func stringValue(field string, raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", newValidationError(field, "must be a string")
	}
}

func numberValue(field string, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return 0, newValidationError(field, "must be a number")
		}
		return f, nil
	default:
		return 0, newValidationError(field, "must be a number")
	}
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 { return &f }
