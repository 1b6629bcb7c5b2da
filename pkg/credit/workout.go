package credit

import (
	"fmt"
	"strings"
	"time"
)

// WorkoutCategory buckets free-text workout types into payout tiers.
type WorkoutCategory string

const (
	CategoryWalking     WorkoutCategory = "walking"
	CategoryCardio      WorkoutCategory = "cardio"
	CategoryStrength    WorkoutCategory = "strength"
	CategoryInterval    WorkoutCategory = "interval"
	CategoryFlexibility WorkoutCategory = "flexibility"
)

// CategoryRule holds the payout parameters for one category.
type CategoryRule struct {
	// MultiplierMinutes is the coding minutes earned per workout minute.
	MultiplierMinutes Minutes
	// MinimumDurationMinutes is the shortest workout that counts as a full
	// effort; exceeding twice this value earns the long-effort bonus.
	MinimumDurationMinutes Minutes
}

// ConversionRules parameterizes the workout-to-credit conversion. The same
// rules must be applied wherever a workout is recorded (manual entry or
// import) so the resulting batch is re-derivable identically.
type ConversionRules struct {
	Categories map[WorkoutCategory]CategoryRule
	ExpiryDays int
}

// DefaultConversionRules returns the stock payout table.
func DefaultConversionRules() ConversionRules {
	return ConversionRules{
		Categories: map[WorkoutCategory]CategoryRule{
			CategoryWalking:     {MultiplierMinutes: 5, MinimumDurationMinutes: 30},
			CategoryCardio:      {MultiplierMinutes: 10, MinimumDurationMinutes: 20},
			CategoryStrength:    {MultiplierMinutes: 15, MinimumDurationMinutes: 30},
			CategoryInterval:    {MultiplierMinutes: 20, MinimumDurationMinutes: 15},
			CategoryFlexibility: {MultiplierMinutes: 8, MinimumDurationMinutes: 20},
		},
		ExpiryDays: defaultExpiryDays,
	}
}

const defaultExpiryDays = 2

var categoryKeywords = []struct {
	category WorkoutCategory
	keywords []string
}{
	{CategoryInterval, []string{"hiit", "interval", "circuit", "crossfit"}},
	{CategoryStrength, []string{"strength", "weight", "lift", "resistance"}},
	{CategoryFlexibility, []string{"yoga", "pilates", "stretch", "mobility"}},
	{CategoryWalking, []string{"walk", "hike", "stroll"}},
	{CategoryCardio, []string{"run", "jog", "cycle", "bike", "swim", "row", "cardio"}},
}

// ClassifyWorkout infers the payout category from a free-text workout type.
// Unmatched names fall to the cardio tier.
func ClassifyWorkout(workoutType string) WorkoutCategory {
	normalized := strings.ToLower(strings.TrimSpace(workoutType))
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(normalized, keyword) {
				return entry.category
			}
		}
	}
	return CategoryCardio
}

// ConvertWorkout turns a reported workout into a credit batch. The granted
// minutes are duration times the category multiplier, with a 1.5x bonus when
// the duration exceeds twice the category's minimum.
func (rules ConversionRules) ConvertWorkout(workoutType string, durationMinutes Minutes, completedAt time.Time) (Batch, error) {
	trimmedType := strings.TrimSpace(workoutType)
	if trimmedType == "" {
		return Batch{}, fmt.Errorf("%w: empty workout type", ErrInvalidWorkout)
	}
	if durationMinutes <= 0 {
		return Batch{}, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidWorkout)
	}
	category := ClassifyWorkout(trimmedType)
	rule, ok := rules.Categories[category]
	if !ok {
		rule = DefaultConversionRules().Categories[category]
	}
	grantedMinutes := durationMinutes * rule.MultiplierMinutes
	if rule.MinimumDurationMinutes > 0 && durationMinutes > 2*rule.MinimumDurationMinutes {
		grantedMinutes = grantedMinutes * 3 / 2
	}
	expiryDays := rules.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = defaultExpiryDays
	}
	expiresAt := completedAt.Add(time.Duration(expiryDays) * 24 * time.Hour)
	metadata := fmt.Sprintf(`{"category":%q,"duration_minutes":%d}`, category, durationMinutes)
	return NewBatch(trimmedType, completedAt, grantedMinutes, expiresAt, metadata)
}
