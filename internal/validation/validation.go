// Package validation checks inbound write and focus requests, collecting
// every field failure instead of stopping at the first.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/viewsync/internal/events"
)

// Field limits for recorded writes.
const (
	MaxSubjectIDLength = 256
	MaxPredicateLength = 256
	MaxValueLength     = 8192
	MaxBatchSize       = 1000
	MaxFocusProducts   = 100
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateText rejects invalid UTF-8, null bytes, and values longer than
// max runes.
func ValidateText(field, value string, max int) *ValidationError {
	switch {
	case !utf8.ValidString(value):
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	case strings.Contains(value, "\x00"):
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	case utf8.RuneCountInString(value) > max:
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

var writeOperations = []string{
	string(events.OpInsert),
	string(events.OpUpdate),
	string(events.OpDelete),
}

// ValidateWriteEvents checks a batch reported by the write path. Field names
// are indexed as events[i].field.
func ValidateWriteEvents(batch []events.WriteEvent) []ValidationError {
	var c Collector
	if len(batch) == 0 {
		c.Add(&ValidationError{Field: "events", Message: "must contain at least one event"})
		return c.Errors()
	}
	if len(batch) > MaxBatchSize {
		c.Add(&ValidationError{
			Field:   "events",
			Message: fmt.Sprintf("exceeds maximum batch size of %d", MaxBatchSize),
		})
		return c.Errors()
	}

	for i, ev := range batch {
		prefix := fmt.Sprintf("events[%d].", i)
		if err := ValidateRequired(prefix+"subject_id", ev.SubjectID); err != nil {
			c.Add(err)
		} else {
			c.Add(ValidateText(prefix+"subject_id", ev.SubjectID, MaxSubjectIDLength))
		}
		if err := ValidateRequired(prefix+"predicate", ev.Predicate); err != nil {
			c.Add(err)
		} else {
			c.Add(ValidateText(prefix+"predicate", ev.Predicate, MaxPredicateLength))
		}
		c.Add(ValidateEnum(prefix+"operation", string(ev.Operation), writeOperations))
		if ev.OldValue != nil {
			c.Add(ValidateText(prefix+"old_value", *ev.OldValue, MaxValueLength))
		}
		if ev.NewValue != nil {
			c.Add(ValidateText(prefix+"new_value", *ev.NewValue, MaxValueLength))
		}
	}
	return c.Errors()
}

// ValidateFocus checks a focus hint.
func ValidateFocus(orderID string, productIDs []string) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("order_id", orderID))
	if len(productIDs) > MaxFocusProducts {
		c.Add(&ValidationError{
			Field:   "product_ids",
			Message: fmt.Sprintf("exceeds maximum of %d products", MaxFocusProducts),
		})
	}
	return c.Errors()
}
