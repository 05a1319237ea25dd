// Update operator application.
//
// An update document either carries $-prefixed operator keys ($set, $unset,
// $inc, $push, $pull, $addToSet — anything else is rejected) or none at
// all, in which case it is a replacement: the update is shallow-merged over
// the current document with _id preserved.
//
// Operators apply in a fixed order against a deep copy of the current
// document, so a failing operator never leaves a half-mutated document
// behind.
package docudb

import (
	"fmt"
	"slices"
	"strings"
)

// updateOperators lists the accepted $-keys in application order.
var updateOperators = []string{"$set", "$unset", "$inc", "$push", "$pull", "$addToSet"}

// validateUpdate rejects unknown $-prefixed top-level keys.
func validateUpdate(update Document) error {
	if update == nil {
		return fmt.Errorf("%w: update is nil", ErrInvalidUpdate)
	}
	for key := range update {
		if strings.HasPrefix(key, "$") && !slices.Contains(updateOperators, key) {
			return fmt.Errorf("%w: %s", ErrInvalidUpdate, key)
		}
	}
	return nil
}

// hasOperators reports whether the update uses operator form.
func hasOperators(update Document) bool {
	for key := range update {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}

// applyUpdate produces the updated document. current is not modified.
func applyUpdate(current, update Document) (Document, error) {
	if !hasOperators(update) {
		// Replacement shorthand: shallow-merge over current, _id wins.
		out := copyDocument(current)
		for key, value := range update {
			if key == "_id" {
				continue
			}
			out[key] = deepCopy(value)
		}
		return out, nil
	}

	out := copyDocument(current)
	for _, op := range updateOperators {
		operand, present := update[op]
		if !present {
			continue
		}
		fields, ok := asMap(operand)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a map of fields", ErrInvalidUpdate, op)
		}
		if err := applyOperator(out, op, fields); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOperator(doc Document, op string, fields map[string]any) error {
	for path, value := range fields {
		switch op {
		case "$set":
			setPath(doc, path, deepCopy(value))

		case "$unset":
			unsetPath(doc, path)

		case "$inc":
			delta, ok := toFloat(value)
			if !ok {
				return fmt.Errorf("%w: $inc amount for %q must be numeric", ErrInvalidType, path)
			}
			if err := incPath(doc, path, delta); err != nil {
				return err
			}

		case "$push":
			if err := pushPath(doc, path, value); err != nil {
				return err
			}

		case "$pull":
			if err := pullPath(doc, path, value); err != nil {
				return err
			}

		case "$addToSet":
			if err := addToSetPath(doc, path, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// pushPath appends value to the array at path, creating the array when the
// field is absent.
func pushPath(doc Document, path string, value any) error {
	current, found := lookupPath(doc, path)
	if !found {
		setPath(doc, path, []any{deepCopy(value)})
		return nil
	}
	list, ok := current.([]any)
	if !ok {
		return fmt.Errorf("%w: cannot $push to non-array field %q", ErrInvalidType, path)
	}
	setPath(doc, path, append(list, deepCopy(value)))
	return nil
}

// pullPath removes every element equal to value from the array at path.
// An absent field is a no-op.
func pullPath(doc Document, path string, value any) error {
	current, found := lookupPath(doc, path)
	if !found {
		return nil
	}
	list, ok := current.([]any)
	if !ok {
		return fmt.Errorf("%w: cannot $pull from non-array field %q", ErrInvalidType, path)
	}
	filtered := slices.DeleteFunc(slices.Clone(list), func(e any) bool {
		return deepEqual(e, value)
	})
	setPath(doc, path, filtered)
	return nil
}

// addToSetPath appends value unless an equal element is already present.
func addToSetPath(doc Document, path string, value any) error {
	current, found := lookupPath(doc, path)
	if !found {
		setPath(doc, path, []any{deepCopy(value)})
		return nil
	}
	list, ok := current.([]any)
	if !ok {
		return fmt.Errorf("%w: cannot $addToSet on non-array field %q", ErrInvalidType, path)
	}
	for _, e := range list {
		if deepEqual(e, value) {
			return nil
		}
	}
	setPath(doc, path, append(list, deepCopy(value)))
	return nil
}
