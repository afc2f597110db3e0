/*
Package factory provides JSON to Go group configuration conversion.

PURPOSE:
  Converts JSON group definitions into core.GroupConfig. Group admins edit
  their rules through the API as JSON; the factory validates them, fills in
  defaults and produces the struct the engine computes with.

JSON SCHEMA:
  {
    "id": "morning-crew",
    "name": "Morning Crew",
    "start_date": "2025-03-03",
    "time_zone": "Europe/Berlin",
    "rest_days": ["sunday"],
    "recovery_days": ["saturday"],
    "daily_target_base": 10,
    "daily_increment": 1,
    "penalty_amount": "5.00",
    "currency": "EUR",
    "recovery_cap_fraction": "0.25",
    "recovery_day_factor": "0.5",
    "flex_rest_multiplier": 2
  }

DEFAULTS:
  time_zone              UTC
  recovery_cap_fraction  0.25
  recovery_day_factor    0.5
  flex_rest_multiplier   2
  currency               EUR

USAGE:
  f := factory.NewGroupFactory()
  group, err := f.ParseGroup(factory.ProgressiveGroupJSON("g1", "Morning Crew", "2025-03-03"))

SEE ALSO:
  - core/types.go: GroupConfig definition
  - api/handlers.go: PUT /api/groups/{id}
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commitment-engine/core"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// GroupJSON is the JSON representation of a group's rules. Decimal fields
// accept either JSON numbers or strings.
type GroupJSON struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	StartDate           string           `json:"start_date"`
	TimeZone            string           `json:"time_zone,omitempty"`
	RestDays            []string         `json:"rest_days,omitempty"`
	RecoveryDays        []string         `json:"recovery_days,omitempty"`
	DailyTargetBase     int              `json:"daily_target_base"`
	DailyIncrement      int              `json:"daily_increment"`
	PenaltyAmount       decimal.Decimal  `json:"penalty_amount"`
	Currency            string           `json:"currency,omitempty"`
	RecoveryCapFraction *decimal.Decimal `json:"recovery_cap_fraction,omitempty"`
	RecoveryDayFactor   *decimal.Decimal `json:"recovery_day_factor,omitempty"`
	FlexRestMultiplier  *int             `json:"flex_rest_multiplier,omitempty"`
}

const DefaultCurrency = "EUR"

// =============================================================================
// GROUP FACTORY
// =============================================================================

// GroupFactory converts JSON groups to core.GroupConfig.
type GroupFactory struct {
	now func() time.Time
}

// NewGroupFactory creates a new group factory.
func NewGroupFactory() *GroupFactory {
	return &GroupFactory{now: time.Now}
}

// ParseGroup parses a JSON string into a validated GroupConfig.
func (f *GroupFactory) ParseGroup(jsonStr string) (*core.GroupConfig, error) {
	var gj GroupJSON
	if err := json.Unmarshal([]byte(jsonStr), &gj); err != nil {
		return nil, fmt.Errorf("failed to parse group JSON: %w", err)
	}
	return f.FromJSON(gj)
}

// FromJSON validates gj and converts it, applying defaults.
func (f *GroupFactory) FromJSON(gj GroupJSON) (*core.GroupConfig, error) {
	if gj.ID == "" {
		return nil, &core.ValidationError{Field: "id", Message: "is required"}
	}
	if gj.Name == "" {
		return nil, &core.ValidationError{Field: "name", Message: "is required"}
	}

	start, err := core.ParseDate(gj.StartDate)
	if err != nil {
		return nil, &core.ValidationError{Field: "start_date", Message: err.Error()}
	}

	tz := gj.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := core.LoadLocation(tz); err != nil {
		return nil, &core.ValidationError{Field: "time_zone", Message: fmt.Sprintf("unknown zone %q", tz)}
	}

	rest, err := core.ParseWeekdaySet(gj.RestDays)
	if err != nil {
		return nil, &core.ValidationError{Field: "rest_days", Message: err.Error()}
	}
	recovery, err := core.ParseWeekdaySet(gj.RecoveryDays)
	if err != nil {
		return nil, &core.ValidationError{Field: "recovery_days", Message: err.Error()}
	}
	if rest&recovery != 0 {
		return nil, &core.ValidationError{Field: "recovery_days", Message: "a weekday cannot be both a rest day and a recovery day"}
	}
	if len(rest.Days()) == 7 {
		return nil, &core.ValidationError{Field: "rest_days", Message: "at least one weekday must have a target"}
	}

	if gj.DailyTargetBase < 0 {
		return nil, &core.ValidationError{Field: "daily_target_base", Message: "must not be negative"}
	}
	if gj.DailyIncrement < 0 {
		return nil, &core.ValidationError{Field: "daily_increment", Message: "must not be negative"}
	}
	if gj.PenaltyAmount.IsNegative() {
		return nil, &core.ValidationError{Field: "penalty_amount", Message: "must not be negative"}
	}

	capFraction := core.DefaultRecoveryCapFraction
	if gj.RecoveryCapFraction != nil {
		capFraction = *gj.RecoveryCapFraction
	}
	if !isFraction(capFraction) {
		return nil, &core.ValidationError{Field: "recovery_cap_fraction", Message: "must be between 0 and 1"}
	}

	factor := core.DefaultRecoveryDayFactor
	if gj.RecoveryDayFactor != nil {
		factor = *gj.RecoveryDayFactor
	}
	if !isFraction(factor) || factor.IsZero() {
		return nil, &core.ValidationError{Field: "recovery_day_factor", Message: "must be greater than 0 and at most 1"}
	}

	multiplier := core.DefaultFlexRestMultiplier
	if gj.FlexRestMultiplier != nil {
		multiplier = *gj.FlexRestMultiplier
	}
	if multiplier < 1 {
		return nil, &core.ValidationError{Field: "flex_rest_multiplier", Message: "must be at least 1"}
	}

	currency := gj.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	now := f.now()
	return &core.GroupConfig{
		ID:                  core.GroupID(gj.ID),
		Name:                gj.Name,
		StartDate:           start,
		TimeZone:            tz,
		RestDays:            rest,
		RecoveryDays:        recovery,
		DailyTargetBase:     gj.DailyTargetBase,
		DailyIncrement:      gj.DailyIncrement,
		PenaltyAmount:       gj.PenaltyAmount,
		Currency:            currency,
		RecoveryCapFraction: capFraction,
		RecoveryDayFactor:   factor,
		FlexRestMultiplier:  multiplier,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// ToJSON converts a GroupConfig back to its JSON shape.
func (f *GroupFactory) ToJSON(g core.GroupConfig) GroupJSON {
	gj := GroupJSON{
		ID:              string(g.ID),
		Name:            g.Name,
		StartDate:       g.StartDate.String(),
		TimeZone:        g.TimeZone,
		RestDays:        g.RestDays.Names(),
		RecoveryDays:    g.RecoveryDays.Names(),
		DailyTargetBase: g.DailyTargetBase,
		DailyIncrement:  g.DailyIncrement,
		PenaltyAmount:   g.PenaltyAmount,
		Currency:        g.Currency,
	}
	if !g.RecoveryCapFraction.IsZero() {
		v := g.RecoveryCapFraction
		gj.RecoveryCapFraction = &v
	}
	if !g.RecoveryDayFactor.IsZero() {
		v := g.RecoveryDayFactor
		gj.RecoveryDayFactor = &v
	}
	if g.FlexRestMultiplier > 0 {
		v := g.FlexRestMultiplier
		gj.FlexRestMultiplier = &v
	}
	return gj
}

func isFraction(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}

// =============================================================================
// PRESET GROUPS
// =============================================================================

// ProgressiveGroupJSON is the classic setup: ten points on day one, one more
// every day, Sundays off, Saturdays at half target, five euros per miss.
func ProgressiveGroupJSON(id, name, startDate string) string {
	return presetJSON(map[string]interface{}{
		"id":                id,
		"name":              name,
		"start_date":        startDate,
		"rest_days":         []string{"sunday"},
		"recovery_days":     []string{"saturday"},
		"daily_target_base": 10,
		"daily_increment":   1,
		"penalty_amount":    "5.00",
		"currency":          "EUR",
	})
}

// FlatGroupJSON keeps the target constant, for groups that only want a
// daily habit without the climb.
func FlatGroupJSON(id, name, startDate string, dailyTarget int, penalty string) string {
	return presetJSON(map[string]interface{}{
		"id":                id,
		"name":              name,
		"start_date":        startDate,
		"rest_days":         []string{"saturday", "sunday"},
		"daily_target_base": dailyTarget,
		"daily_increment":   0,
		"penalty_amount":    penalty,
	})
}

// WeekdayWarriorsJSON trains Monday to Friday with a steep climb and a
// tighter recovery cap.
func WeekdayWarriorsJSON(id, name, startDate string) string {
	return presetJSON(map[string]interface{}{
		"id":                    id,
		"name":                  name,
		"start_date":            startDate,
		"rest_days":             []string{"saturday", "sunday"},
		"daily_target_base":     20,
		"daily_increment":       2,
		"penalty_amount":        "10.00",
		"recovery_cap_fraction": "0.1",
		"flex_rest_multiplier":  3,
	})
}

func presetJSON(m map[string]interface{}) string {
	b, _ := json.MarshalIndent(m, "", "  ")
	return string(b)
}
