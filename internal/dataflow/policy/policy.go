// Package policy decides whether a batch runs as soon as a worker is free or is deferred to a later time.
package policy

import (
	"fmt"
	"time"

	"github.com/G-Research/dataflow/internal/dataflow/configuration"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

const bytesPerMb = 1024.0 * 1024.0

// ResolvedPolicy is a client policy merged with the system defaults. Nil limits are unbounded.
type ResolvedPolicy struct {
	// False if the client has no policy at all, in which case every batch runs immediately.
	HasPolicy                 bool
	MaxFileSizeMb             *int
	MaxBatchPerDay            *int
	AllowedStartHour          *int
	AllowedEndHour            *int
	RequireSchedulingForLarge bool
	LargeThresholdMb          *int
	RateLimitPerMinute        int
	RedactPayloadOnSuccess    bool
	RedactPayloadOnFailure    bool
	IncludePayloadHash        bool
	RetentionDays             int
}

// Resolve merges policy with the defaults once, so that callers never fall back field by field.
// policy may be nil.
func Resolve(policy *domain.ClientPolicy, defaults configuration.PolicyDefaults, sensitive configuration.SensitiveDataConfig) ResolvedPolicy {
	resolved := ResolvedPolicy{
		MaxFileSizeMb:          defaults.MaxFileSizeMb,
		MaxBatchPerDay:         defaults.MaxBatchPerDay,
		AllowedStartHour:       defaults.AllowedStartHour,
		AllowedEndHour:         defaults.AllowedEndHour,
		LargeThresholdMb:       defaults.LargeThresholdMb,
		RateLimitPerMinute:     defaults.RateLimitPerMinute,
		RedactPayloadOnSuccess: sensitive.RedactPayloadOnSuccess,
		RedactPayloadOnFailure: sensitive.RedactPayloadOnFailure,
		IncludePayloadHash:     sensitive.IncludePayloadHash,
		RetentionDays:          defaults.RetentionDays,
	}
	if policy == nil {
		return resolved
	}
	resolved.HasPolicy = true
	resolved.RequireSchedulingForLarge = policy.RequireSchedulingForLarge
	resolved.MaxFileSizeMb = orDefault(policy.MaxFileSizeMb, resolved.MaxFileSizeMb)
	resolved.MaxBatchPerDay = orDefault(policy.MaxBatchPerDay, resolved.MaxBatchPerDay)
	resolved.AllowedStartHour = orDefault(policy.AllowedStartHour, resolved.AllowedStartHour)
	resolved.AllowedEndHour = orDefault(policy.AllowedEndHour, resolved.AllowedEndHour)
	resolved.LargeThresholdMb = orDefault(policy.LargeThresholdMb, resolved.LargeThresholdMb)
	if policy.RateLimitPerMinute != nil {
		resolved.RateLimitPerMinute = *policy.RateLimitPerMinute
	}
	if policy.RedactPayloadOnSuccess != nil {
		resolved.RedactPayloadOnSuccess = *policy.RedactPayloadOnSuccess
	}
	if policy.RedactPayloadOnFailure != nil {
		resolved.RedactPayloadOnFailure = *policy.RedactPayloadOnFailure
	}
	if policy.RetentionDays != nil && *policy.RetentionDays > 0 {
		resolved.RetentionDays = *policy.RetentionDays
	}
	return resolved
}

// HasWindow is true if both ends of the allowed processing window are set.
func (p ResolvedPolicy) HasWindow() bool {
	return p.AllowedStartHour != nil && p.AllowedEndHour != nil
}

// ShouldRedact reports whether item payloads are redacted after a delivery with the given outcome.
func (p ResolvedPolicy) ShouldRedact(delivered bool) bool {
	if delivered {
		return p.RedactPayloadOnSuccess
	}
	return p.RedactPayloadOnFailure
}

type Decision struct {
	ShouldSchedule bool
	ScheduledFor   *time.Time
	// Either domain.DecisionImmediate or domain.DecisionScheduled
	Label  string
	Reason string
}

func immediate() Decision {
	return Decision{Label: domain.DecisionImmediate}
}

func scheduled(at time.Time, reason string) Decision {
	return Decision{ShouldSchedule: true, ScheduledFor: &at, Label: domain.DecisionScheduled, Reason: reason}
}

// Decide applies the scheduling rules in order; the first matching rule wins.
// batchesToday is the number of batches the client created since the start of the current UTC day.
func Decide(p ResolvedPolicy, fileSizeBytes int64, batchesToday int, now time.Time) Decision {
	if !p.HasPolicy {
		return immediate()
	}
	now = now.UTC()
	sizeMb := float64(fileSizeBytes) / bytesPerMb
	hour := now.Hour()

	if p.MaxFileSizeMb != nil && sizeMb > float64(*p.MaxFileSizeMb) {
		return scheduled(
			NextAllowedTime(p, now),
			fmt.Sprintf("File size %.2fMB exceeds limit of %dMB", sizeMb, *p.MaxFileSizeMb))
	}

	if p.RequireSchedulingForLarge && p.LargeThresholdMb != nil && sizeMb > float64(*p.LargeThresholdMb) &&
		p.HasWindow() && !IsWithinWindow(hour, *p.AllowedStartHour, *p.AllowedEndHour) {
		return scheduled(
			NextAllowedTime(p, now),
			fmt.Sprintf("Large file (%.2fMB) outside allowed hours (%d-%d UTC)", sizeMb, *p.AllowedStartHour, *p.AllowedEndHour))
	}

	if p.HasWindow() && !IsWithinWindow(hour, *p.AllowedStartHour, *p.AllowedEndHour) {
		return scheduled(
			NextAllowedTime(p, now),
			fmt.Sprintf("Current hour %d outside allowed window (%d-%d UTC)", hour, *p.AllowedStartHour, *p.AllowedEndHour))
	}

	if p.MaxBatchPerDay != nil && batchesToday >= *p.MaxBatchPerDay {
		startHour := 0
		if p.AllowedStartHour != nil {
			startHour = *p.AllowedStartHour
		}
		return scheduled(
			StartOfDay(now).AddDate(0, 0, 1).Add(time.Duration(startHour)*time.Hour),
			fmt.Sprintf("Daily batch limit (%d) reached (%d batches today)", *p.MaxBatchPerDay, batchesToday))
	}

	return immediate()
}

// IsWithinWindow reports whether hour lies in [start, end). A window with start > end wraps midnight.
func IsWithinWindow(hour int, start int, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// NextAllowedTime is today at the allowed start hour if that is still ahead of now, otherwise the same
// hour tomorrow. Without a start hour it is one hour from now.
func NextAllowedTime(p ResolvedPolicy, now time.Time) time.Time {
	now = now.UTC()
	if p.AllowedStartHour == nil {
		return now.Add(time.Hour)
	}
	next := StartOfDay(now).Add(time.Duration(*p.AllowedStartHour) * time.Hour)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func orDefault(value *int, fallback *int) *int {
	if value != nil {
		return value
	}
	return fallback
}
