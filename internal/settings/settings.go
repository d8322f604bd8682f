// Package settings resolves typed attendance configuration across the
// Global < Course < Session override order and freezes the result into an
// immutable snapshot at session-creation time.
package settings

import (
	"context"
	"strconv"
)

// Scope identifies where a setting value applies.
type Scope string

const (
	ScopeGlobal  Scope = "Global"
	ScopeCourse  Scope = "Course"
	ScopeSession Scope = "Session"
)

// Setting keys understood by the pipeline.
const (
	KeyAttendanceWindowMinutes    = "attendance_window_minutes"
	KeyTotalAttendanceRounds      = "total_attendance_rounds"
	KeyAbsentReportGraceHours     = "absent_report_grace_period_hours"
	KeyManualAdjustmentGraceHours = "manual_adjustment_grace_period_hours"
)

// Source supplies raw setting values for one scope instance. Out-of-scope
// collaborator; the worker wires an implementation in.
type Source interface {
	// Values returns the key/value pairs configured at (scope, scopeID).
	// Unknown scope instances return an empty map, not an error.
	Values(ctx context.Context, scope Scope, scopeID string) (map[string]string, error)
}

// Defaults are the Global-scope fallbacks when no source value exists.
type Defaults struct {
	AttendanceWindowMinutes int
	TotalAttendanceRounds   int
	AbsentReportGraceHours  int
	ManualGraceHours        int
}

// Snapshot is the immutable per-session configuration. It is captured when
// the session is created so later edits never change an in-flight session.
type Snapshot struct {
	AttendanceWindowMinutes int `json:"attendance_window_minutes"`
	TotalAttendanceRounds   int `json:"total_attendance_rounds"`
	AbsentReportGraceHours  int `json:"absent_report_grace_period_hours"`
	ManualGraceHours        int `json:"manual_adjustment_grace_period_hours"`
}

// Resolver materializes snapshots from a source plus defaults.
type Resolver struct {
	source   Source
	defaults Defaults
}

// NewResolver builds a resolver.
func NewResolver(source Source, defaults Defaults) *Resolver {
	return &Resolver{source: source, defaults: defaults}
}

// Materialize merges Global, then Course, then Session values (last wins)
// and converts the result into a typed snapshot.
func (r *Resolver) Materialize(ctx context.Context, courseID, sessionScopeID string) (Snapshot, error) {
	merged := map[string]string{}

	layers := []struct {
		scope Scope
		id    string
	}{
		{ScopeGlobal, ""},
		{ScopeCourse, courseID},
		{ScopeSession, sessionScopeID},
	}
	for _, layer := range layers {
		if layer.scope != ScopeGlobal && layer.id == "" {
			continue
		}
		values, err := r.source.Values(ctx, layer.scope, layer.id)
		if err != nil {
			return Snapshot{}, err
		}
		for k, v := range values {
			merged[k] = v
		}
	}

	return FromMap(merged, r.defaults), nil
}

// FromMap converts raw values into a snapshot, falling back to defaults on
// missing or unparsable entries.
func FromMap(values map[string]string, defaults Defaults) Snapshot {
	return Snapshot{
		AttendanceWindowMinutes: intValue(values, KeyAttendanceWindowMinutes, defaults.AttendanceWindowMinutes),
		TotalAttendanceRounds:   intValue(values, KeyTotalAttendanceRounds, defaults.TotalAttendanceRounds),
		AbsentReportGraceHours:  intValue(values, KeyAbsentReportGraceHours, defaults.AbsentReportGraceHours),
		ManualGraceHours:        intValue(values, KeyManualAdjustmentGraceHours, defaults.ManualGraceHours),
	}
}

func intValue(values map[string]string, key string, fallback int) int {
	raw, ok := values[key]
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// StaticSource serves fixed values per (scope, scopeID); used in dev and tests.
type StaticSource map[Scope]map[string]map[string]string

// Values implements Source.
func (s StaticSource) Values(_ context.Context, scope Scope, scopeID string) (map[string]string, error) {
	byID, ok := s[scope]
	if !ok {
		return map[string]string{}, nil
	}
	values, ok := byID[scopeID]
	if !ok {
		return map[string]string{}, nil
	}
	return values, nil
}
