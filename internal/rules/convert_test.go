package rules

import (
	"testing"
	"time"
)

// ----------------------------------------------------------------------------
// ParseNumber Tests
// ----------------------------------------------------------------------------

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantValue string
	}{
		{name: "positive integer", input: "123", wantValid: true, wantValue: "123"},
		{name: "zero", input: "0", wantValid: true, wantValue: "0"},
		{name: "negative integer", input: "-456", wantValid: true, wantValue: "-456"},
		{name: "decimal number", input: "123.45", wantValid: true, wantValue: "123.45"},
		{name: "leading decimal point", input: ".99", wantValid: true, wantValue: "0.99"},
		{name: "dollar sign", input: "$1,234.56", wantValid: true, wantValue: "1234.56"},
		{name: "euro sign", input: "€1234.56", wantValid: true, wantValue: "1234.56"},
		{name: "pound sign", input: "£1234.56", wantValid: true, wantValue: "1234.56"},
		{name: "accounting negative", input: "(1,000.50)", wantValid: true, wantValue: "-1000.5"},
		{name: "scientific notation", input: "1.5e3", wantValid: true, wantValue: "1500"},
		{name: "excel formula prefix", input: `="42"`, wantValid: true, wantValue: "42"},
		{name: "whitespace padded", input: "  7  ", wantValid: true, wantValue: "7"},
		{name: "empty", input: "", wantValid: false},
		{name: "letters", input: "abc", wantValid: false},
		{name: "id with prefix", input: "E001", wantValid: false},
		{name: "two decimal points", input: "1.2.3", wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseNumber(tt.input)
			if ok != tt.wantValid {
				t.Fatalf("ParseNumber(%q) ok = %v, want %v", tt.input, ok, tt.wantValid)
			}
			if ok && got.String() != tt.wantValue {
				t.Errorf("ParseNumber(%q) = %q, want %q", tt.input, got.String(), tt.wantValue)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// ParseDate Tests
// ----------------------------------------------------------------------------

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"iso", "2024-01-15", "2024-01-15", true},
		{"us slash", "1/15/2024", "2024-01-15", true},
		{"us padded", "01/05/2024", "2024-01-05", true},
		{"dotted", "15.01.2024", "", false},
		{"slash year first", "2024/01/15", "2024-01-15", true},
		{"month name", "Jan 15, 2024", "2024-01-15", true},
		{"long month name", "January 15, 2024", "2024-01-15", true},
		{"day month year", "15 Jan 2024", "2024-01-15", true},
		{"compact", "20240115", "2024-01-15", true},
		{"datetime", "2024-01-15 10:30:00", "2024-01-15", true},
		{"empty", "", "", false},
		{"garbage", "not a date", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDate(tt.input)
			if ok != tt.ok {
				t.Fatalf("ParseDate(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && got.Format(DateLayout) != tt.want {
				t.Errorf("ParseDate(%q) = %s, want %s", tt.input, got.Format(DateLayout), tt.want)
			}
		})
	}
}

func TestParseDate_TwoDigitYear(t *testing.T) {
	pivot := time.Now().Year() + TwoDigitYearPivot

	got, ok := ParseDate("1/2/05")
	if !ok {
		t.Fatal("ParseDate(1/2/05) failed")
	}
	if got.Year() != 2005 {
		t.Errorf("1/2/05 year = %d, want 2005", got.Year())
	}

	got, ok = ParseDate("1/2/99")
	if !ok {
		t.Fatal("ParseDate(1/2/99) failed")
	}
	if got.Year() > pivot {
		t.Errorf("1/2/99 year = %d, must not exceed pivot %d", got.Year(), pivot)
	}
}

// ----------------------------------------------------------------------------
// ParseBool / normalizer Tests
// ----------------------------------------------------------------------------

func TestParseBool(t *testing.T) {
	tests := []struct {
		input string
		want  bool
		ok    bool
	}{
		{"true", true, true}, {"YES", true, true}, {"y", true, true}, {"1", true, true},
		{"false", false, true}, {"No", false, true}, {"f", false, true}, {"0", false, true},
		{"", false, false}, {"maybe", false, false},
	}
	for _, tt := range tests {
		got, ok := ParseBool(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseBool(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizeUSState(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"California", "CA", true},
		{"new york", "NY", true},
		{"tx", "TX", true},
		{"  Oregon ", "OR", true},
		{"Ontario", "Ontario", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeUSState(tt.input)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeUSState(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"(555) 123-4567", "+15551234567", true},
		{"1-555-123-4567", "+15551234567", true},
		{"+44 20 7946 0958", "+442079460958", true},
		{"12345", "12345", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.input)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizePhone(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"Employee ID":    "employee id",
		"employee_id":    "employee id",
		" Employee--ID ": "employee id",
		"First.Name":     "first name",
		`="Department"`:  "department",
		"":               "",
	}
	for in, want := range tests {
		if got := NormalizeHeader(in); got != want {
			t.Errorf("NormalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCleanCell(t *testing.T) {
	tests := map[string]string{
		"  hello  ": "hello",
		`="00123"`:  "00123",
		"=SUM":      "SUM",
		`"quoted"`:  "quoted",
		"'single'":  "single",
		"plain":     "plain",
	}
	for in, want := range tests {
		if got := CleanCell(in); got != want {
			t.Errorf("CleanCell(%q) = %q, want %q", in, got, want)
		}
	}
}
