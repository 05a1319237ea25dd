// Declarative schema validation and normalization.
//
// A Schema is built with NewSchema(...).Field(name, def) so that fields
// keep their definition order — validation walks fields in the order they
// were declared. Each field carries a type, a required flag, a default
// (static value or lazily-called function), a set of constraints applied
// only when the field is present and non-nil, and an optional transform
// applied after validation.
//
// The validator is also responsible for reviving stored documents: dates
// survive the JSON round-trip as RFC3339 strings, and Revive restores them
// to time.Time at the positions the schema declares as TypeDate.
package docudb

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Field types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeObject  = "object"
	TypeArray   = "array"
)

// SchemaOptions configures schema-wide behaviour.
type SchemaOptions struct {
	Strict     bool   // Reject unknown top-level fields (on when NewSchema gets no options)
	Timestamps bool   // Maintain _createdAt / _updatedAt
	IDType     string // Overrides the collection id type
}

// Validation holds the constraints for one field. All checks apply only
// when the field is present and non-nil, in the declared order: range,
// length, pattern, enum, custom.
type Validation struct {
	Min       *float64                          // Numeric lower bound (inclusive)
	Max       *float64                          // Numeric upper bound (inclusive)
	MinLength *int                              // Minimum string or array length
	MaxLength *int                              // Maximum string or array length
	Pattern   *regexp.Regexp                    // Applied to strings as written, no implicit anchoring
	Enum      []any                             // Value must deep-equal one element
	Custom    func(value any, doc Document) error // Non-nil return is a failure with that message
	Message   string                            // Overrides generated error text for this field
}

// Field defines one schema field.
type Field struct {
	Type        string
	Required    bool
	Default     any                                // Static default, deep-copied per use
	DefaultFunc func(doc Document, field string) any // Lazy default, wins over Default
	Validate    *Validation
	Transform   func(value any) any // Applied after validation
}

// Schema is an ordered set of field definitions plus options.
type Schema struct {
	fields map[string]Field
	order  []string
	opts   SchemaOptions

	// ownsID is set at construction when the schema defines _id with a
	// validation pattern: the collection then delegates id-format checks
	// to the schema instead of its built-in rule.
	ownsID bool
}

// NewSchema returns an empty schema. Without opts, strict mode is on; when
// opts is given it is used as is, so Strict is off unless set to true.
func NewSchema(opts ...SchemaOptions) *Schema {
	o := SchemaOptions{Strict: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	return &Schema{
		fields: make(map[string]Field),
		opts:   o,
	}
}

// Field adds or replaces a field definition, preserving declaration order.
// Returns the schema for chaining.
func (s *Schema) Field(name string, def Field) *Schema {
	if _, exists := s.fields[name]; !exists {
		s.order = append(s.order, name)
	}
	s.fields[name] = def
	if name == "_id" && def.Validate != nil && def.Validate.Pattern != nil {
		s.ownsID = true
	}
	return s
}

// Options returns the schema options.
func (s *Schema) Options() SchemaOptions {
	return s.opts
}

// OwnsIDValidation reports whether the schema defines an _id pattern and
// therefore owns id-format validation.
func (s *Schema) OwnsIDValidation() bool {
	return s.ownsID
}

// Validate checks doc against the schema and returns the normalized
// document: defaults filled in, transforms applied, timestamps maintained.
// The input document is not modified.
func (s *Schema) Validate(doc Document) (Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	out := make(Document, len(doc))

	for _, name := range s.order {
		def := s.fields[name]
		value, present := doc[name]

		if !present {
			if def.Required {
				return nil, s.fail(def, ErrRequiredField, name, nil, "field %q is required", name)
			}
			switch {
			case def.DefaultFunc != nil:
				out[name] = def.DefaultFunc(doc, name)
			case def.Default != nil:
				// Deep copy so repeated validations never share mutable
				// default state. Defaults are not type-checked.
				out[name] = deepCopy(def.Default)
			}
			continue
		}

		if value != nil {
			if err := checkType(name, def.Type, value); err != nil {
				return nil, err
			}
			if def.Validate != nil {
				if err := s.constrain(name, def, value, doc); err != nil {
					return nil, err
				}
			}
		}

		if def.Transform != nil {
			value = def.Transform(value)
		}
		out[name] = value
	}

	// Carry fields outside the definition through, or reject them when
	// strict. Underscore-prefixed keys are reserved and always pass.
	for key, value := range doc {
		if _, defined := s.fields[key]; defined {
			continue
		}
		if strings.HasPrefix(key, "_") {
			out[key] = value
			continue
		}
		if s.opts.Strict {
			return nil, fmt.Errorf("%w: %q is not defined in the schema", ErrInvalidField, key)
		}
		out[key] = value
	}

	if s.opts.Timestamps {
		stamp(out, doc)
	}

	return out, nil
}

// constrain applies the field's validation set in order.
func (s *Schema) constrain(name string, def Field, value any, doc Document) error {
	v := def.Validate

	if v.Min != nil || v.Max != nil {
		n, ok := toFloat(value)
		if ok {
			if v.Min != nil && n < *v.Min {
				return s.fail(def, ErrInvalidValue, name, value, "field %q is below minimum %v", name, *v.Min)
			}
			if v.Max != nil && n > *v.Max {
				return s.fail(def, ErrInvalidValue, name, value, "field %q is above maximum %v", name, *v.Max)
			}
		}
	}

	if v.MinLength != nil || v.MaxLength != nil {
		if length, ok := lengthOf(value); ok {
			if v.MinLength != nil && length < *v.MinLength {
				return s.fail(def, ErrInvalidLength, name, value, "field %q is shorter than %d", name, *v.MinLength)
			}
			if v.MaxLength != nil && length > *v.MaxLength {
				return s.fail(def, ErrInvalidLength, name, value, "field %q is longer than %d", name, *v.MaxLength)
			}
		}
	}

	if v.Pattern != nil {
		str, ok := value.(string)
		if ok && !v.Pattern.MatchString(str) {
			return s.fail(def, ErrInvalidRegex, name, value, "field %q does not match pattern %s", name, v.Pattern)
		}
	}

	if len(v.Enum) > 0 {
		found := false
		for _, allowed := range v.Enum {
			if deepEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			return s.fail(def, ErrInvalidEnum, name, value, "field %q is not one of the allowed values", name)
		}
	}

	if v.Custom != nil {
		if err := v.Custom(value, doc); err != nil {
			if v.Message != "" {
				return fmt.Errorf("%w: %s (field %q)", ErrCustomValidation, v.Message, name)
			}
			return fmt.Errorf("%w: %s (field %q)", ErrCustomValidation, err, name)
		}
	}

	return nil
}

// fail builds a constraint error, honouring the field's Message override.
// The field name and offending value travel in the message for callers
// that log it; the sentinel travels in the chain for errors.Is.
func (s *Schema) fail(def Field, kind error, field string, value any, format string, args ...any) error {
	if def.Validate != nil && def.Validate.Message != "" {
		return fmt.Errorf("%w: %s (field %q, value %v)", kind, def.Validate.Message, field, value)
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %s (value %v)", kind, msg, value)
}

// checkType verifies a present, non-nil value against the declared type.
func checkType(name, fieldType string, value any) error {
	ok := false
	switch fieldType {
	case TypeString:
		_, ok = value.(string)
	case TypeNumber:
		var n float64
		n, ok = toFloat(value)
		if ok && (math.IsNaN(n) || math.IsInf(n, 0)) {
			ok = false
		}
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeDate:
		_, ok = asTime(value)
	case TypeObject:
		_, ok = asMap(value)
	case TypeArray:
		_, ok = value.([]any)
	default:
		return fmt.Errorf("%w: field %q has unknown schema type %q", ErrInvalidType, name, fieldType)
	}
	if !ok {
		return fmt.Errorf("%w: field %q is not a %s (value %v)", ErrInvalidType, name, fieldType, value)
	}
	return nil
}

// lengthOf returns the length of a string or list value.
func lengthOf(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return len(v), true
	case []any:
		return len(v), true
	default:
		return 0, false
	}
}

// stamp maintains _createdAt and _updatedAt. _updatedAt always moves;
// _createdAt is preserved when the input already carries one, so updates
// keep the original creation time.
func stamp(out, in Document) {
	now := time.Now()
	out["_updatedAt"] = now
	if _, exists := in["_createdAt"]; !exists {
		out["_createdAt"] = now
	}
}

// Revive restores date-typed fields from their stored RFC3339 string form
// to time.Time, in place. Storage returns raw JSON values only, so this
// runs on every read of a schema-backed collection. Timestamp fields are
// revived whenever timestamps are enabled.
func (s *Schema) Revive(doc Document) Document {
	if doc == nil {
		return nil
	}
	for _, name := range s.order {
		if s.fields[name].Type != TypeDate {
			continue
		}
		if str, ok := doc[name].(string); ok {
			if t, err := time.Parse(time.RFC3339, str); err == nil {
				doc[name] = t
			}
		}
	}
	if s.opts.Timestamps {
		reviveTimestamps(doc)
	}
	return doc
}

// reviveTimestamps parses the reserved timestamp fields back into times.
func reviveTimestamps(doc Document) {
	for _, key := range []string{"_createdAt", "_updatedAt"} {
		if str, ok := doc[key].(string); ok {
			if t, err := time.Parse(time.RFC3339, str); err == nil {
				doc[key] = t
			}
		}
	}
}
