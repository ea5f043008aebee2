package validation

import (
	"strings"
	"testing"

	"github.com/xtxerr/tsdb/internal/errors"
)

func TestValidateName(t *testing.T) {
	rules := MeasurementRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "cpu", false},
		{"with dot", "cpu.usage", false},
		{"with hyphen", "disk-io", false},
		{"unicode", "température", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"hash", "a#b", true},
		{"control char", "a\x00b", true},
		{"delete char", "a\x7fb", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.IsValidation(err) {
				t.Errorf("ValidateName(%q) error %v is not a validation error", tt.input, err)
			}
		})
	}
}

func TestTagRules(t *testing.T) {
	rules := TagRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty value", "", false},
		{"path", "/dev/sda", false},
		{"hash", "a#1", false},
		{"comma", "a,b", true},
		{"equals", "a=b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSeries(t *testing.T) {
	if err := ValidateSeries("metrics", "cpu", "usage", map[string]string{"host": "a", "mount": "/"}); err != nil {
		t.Fatalf("valid series rejected: %v", err)
	}
	if err := ValidateSeries("metrics", "cpu", "usage", nil); err != nil {
		t.Fatalf("untagged series rejected: %v", err)
	}

	err := ValidateSeries("", "cpu/x", "usage", map[string]string{"": "a", "host": "a,b"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errors.ErrMissingField) || !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("expected missing field and invalid argument, got %v", err)
	}

	var v *errors.ValidationErrors
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(v.Errors) != 4 {
		t.Errorf("expected 4 errors, got %d: %v", len(v.Errors), v)
	}
}

func TestParseRouteKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantDB   string
		wantMeas string
		wantErr  bool
	}{
		{"valid", "metrics/cpu", "metrics", "cpu", false},
		{"dots", "prod.metrics/cpu.usage", "prod.metrics", "cpu.usage", false},
		{"empty", "", "", "", true},
		{"no slash", "metrics", "", "", true},
		{"empty db", "/cpu", "", "", true},
		{"empty measurement", "metrics/", "", "", true},
		{"extra slash", "metrics/cpu/usage", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRouteKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRouteKey(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Errorf("ParseRouteKey(%q) error %v is not a validation error", tt.input, err)
				}
				return
			}
			if ref.DB != tt.wantDB || ref.Measurement != tt.wantMeas {
				t.Errorf("ParseRouteKey(%q) = %+v", tt.input, ref)
			}
			if ref.String() != tt.input {
				t.Errorf("String() = %q, want %q", ref.String(), tt.input)
			}
		})
	}
}
