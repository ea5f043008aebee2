// Package validation checks the names that address series and routes.
//
// Series identities end up inside composite keys: route keys join db and
// measurement with '/', series ids join field and tag key with '#', and
// tag keys join k=v pairs with ','. A name holding one of those
// separators would make its key ambiguous, so it is rejected at the
// write boundary.
package validation

import (
	"fmt"
	"strings"

	"github.com/xtxerr/tsdb/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for one kind of name.
type NameRules struct {
	MinLength int
	MaxLength int
	// Forbidden lists characters the name must not contain.
	Forbidden string
}

// MeasurementRules returns the rules for db and measurement names.
func MeasurementRules() NameRules {
	return NameRules{
		MinLength: 1,
		MaxLength: 255,
		Forbidden: "/#",
	}
}

// FieldRules returns the rules for field names.
func FieldRules() NameRules {
	return NameRules{
		MinLength: 1,
		MaxLength: 255,
		Forbidden: "/#,=",
	}
}

// TagRules returns the rules for tag keys and values.
func TagRules() NameRules {
	return NameRules{
		MinLength: 0,
		MaxLength: 1024,
		Forbidden: ",=",
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		if rules.MinLength == 1 {
			return errors.ErrMissingField
		}
		return fmt.Errorf("name too short: minimum %d characters required: %w", rules.MinLength, errors.ErrInvalidArgument)
	}
	if rules.MaxLength > 0 && len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed: %w", rules.MaxLength, errors.ErrInvalidArgument)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d: %w", i, errors.ErrInvalidArgument)
		}
		if strings.ContainsRune(rules.Forbidden, r) {
			return fmt.Errorf("invalid character '%c' at position %d: %w", r, i, errors.ErrInvalidArgument)
		}
	}

	return nil
}

// =============================================================================
// Series Validation
// =============================================================================

// ValidateSeries checks every part of a series identity and reports all
// failures together.
func ValidateSeries(db, measurement, field string, tags map[string]string) error {
	v := errors.NewValidationErrors()

	check := func(what, name string, rules NameRules) {
		if err := ValidateName(name, rules); err != nil {
			v.Add(fmt.Errorf("%s %q: %w", what, name, err))
		}
	}

	check("db", db, MeasurementRules())
	check("measurement", measurement, MeasurementRules())
	check("field", field, FieldRules())

	for k, val := range tags {
		if k == "" {
			v.AddMissing("tag key")
			continue
		}
		check("tag key", k, TagRules())
		check("tag value", val, TagRules())
	}

	return v.Err()
}

// =============================================================================
// Route Key Validation
// =============================================================================

// RouteRef is a parsed route key.
type RouteRef struct {
	DB          string
	Measurement string
}

// ParseRouteKey parses a "db/measurement" route key.
func ParseRouteKey(key string) (*RouteRef, error) {
	if key == "" {
		return nil, errors.NewMissingField("route key")
	}

	db, measurement, ok := strings.Cut(key, "/")
	if !ok {
		return nil, fmt.Errorf("route key %q: expected 'db/measurement': %w", key, errors.ErrInvalidArgument)
	}

	rules := MeasurementRules()
	if err := ValidateName(db, rules); err != nil {
		return nil, fmt.Errorf("db in route key %q: %w", key, err)
	}
	if err := ValidateName(measurement, rules); err != nil {
		return nil, fmt.Errorf("measurement in route key %q: %w", key, err)
	}

	return &RouteRef{DB: db, Measurement: measurement}, nil
}

// String returns the route key.
func (r *RouteRef) String() string {
	return r.DB + "/" + r.Measurement
}
