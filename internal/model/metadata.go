// Copyright 2025 James Ross
package model

import (
	"math"
	"strconv"
	"time"
)

// MetadataScope names which kind of entity a MetadataItem is attached to.
type MetadataScope string

const (
	ScopeTask    MetadataScope = "task"
	ScopeAttempt MetadataScope = "attempt"
	ScopeProduct MetadataScope = "product"
	ScopeVersion MetadataScope = "version"
)

// MetadataValue is a tagged Number|Text value, per the float-or-string
// rule: a value is numeric iff it parses in full as a finite real.
type MetadataValue struct {
	Number *float64
	Text   *string
}

// NewMetadataValue classifies a raw string into the numeric or text
// form. A value is numeric iff it parses in full as a finite real;
// infinities and NaN spellings stay textual.
func NewMetadataValue(raw string) MetadataValue {
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return MetadataValue{Number: &f}
	}
	s := raw
	return MetadataValue{Text: &s}
}

// NumberValue wraps a float64 directly, bypassing string parsing.
func NumberValue(f float64) MetadataValue {
	return MetadataValue{Number: &f}
}

// TextValue wraps a string directly.
func TextValue(s string) MetadataValue {
	return MetadataValue{Text: &s}
}

// IsNumber reports whether the non-null column is the numeric one.
func (v MetadataValue) IsNumber() bool { return v.Number != nil }

// String renders the value the way it would be serialised back into an
// expression environment or a log line.
func (v MetadataValue) String() string {
	if v.Number != nil {
		return strconv.FormatFloat(*v.Number, 'g', -1, 64)
	}
	if v.Text != nil {
		return *v.Text
	}
	return ""
}

// Float64 returns the numeric value and whether it was numeric.
func (v MetadataValue) Float64() (float64, bool) {
	if v.Number == nil {
		return 0, false
	}
	return *v.Number, true
}

// MetadataItem is a single keyword/value pair attached to some scope.
type MetadataItem struct {
	Scope     MetadataScope
	ScopeID   int64
	Keyword   string
	Value     MetadataValue
	Timestamp time.Time
}
