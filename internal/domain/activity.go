package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ActivityType enumerates the point-earning activities a participant can record.
type ActivityType string

const (
	ActivityGymVisit      ActivityType = "gym_visit"
	ActivityHealthyMeal   ActivityType = "healthy_meal"
	ActivityClinicCheckin ActivityType = "clinic_checkin"
	ActivityStorePurchase ActivityType = "store_purchase"
)

var knownActivityTypes = []ActivityType{
	ActivityGymVisit,
	ActivityHealthyMeal,
	ActivityClinicCheckin,
	ActivityStorePurchase,
}

// Valid reports whether t is one of the recognised activity kinds.
func (t ActivityType) Valid() bool {
	for _, known := range knownActivityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Activity is an immutable, append-only record of points awarded to a participation.
type Activity struct {
	ID              string
	ParticipationID string
	Type            ActivityType
	Points          int
	Description     string
	CreatedAt       time.Time
}

// PointTable maps each activity type to the points it awards.
type PointTable struct {
	points map[ActivityType]int
}

// DefaultPointTable returns the stock reward schedule.
func DefaultPointTable() PointTable {
	return PointTable{points: map[ActivityType]int{
		ActivityGymVisit:      25,
		ActivityHealthyMeal:   15,
		ActivityClinicCheckin: 30,
		ActivityStorePurchase: 10,
	}}
}

// NewPointTable builds a table from overrides keyed by activity type name. Types absent from
// overrides keep their default value.
func NewPointTable(overrides map[string]int) (PointTable, error) {
	table := DefaultPointTable()
	for name, pts := range overrides {
		t := ActivityType(strings.ToLower(strings.TrimSpace(name)))
		if !t.Valid() {
			return PointTable{}, fmt.Errorf("%w: %q", ErrUnknownActivityType, name)
		}
		if pts <= 0 {
			return PointTable{}, fmt.Errorf("points for %s must be > 0, got %d", t, pts)
		}
		table.points[t] = pts
	}
	return table, nil
}

// Lookup returns the points for t.
func (pt PointTable) Lookup(t ActivityType) (int, bool) {
	if pt.points == nil {
		pt = DefaultPointTable()
	}
	pts, ok := pt.points[t]
	return pts, ok
}

// Entries lists the table ordered by activity type name.
func (pt PointTable) Entries() []PointEntry {
	if pt.points == nil {
		pt = DefaultPointTable()
	}
	out := make([]PointEntry, 0, len(pt.points))
	for t, pts := range pt.points {
		out = append(out, PointEntry{Type: t, Points: pts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// PointEntry is a single row of a PointTable.
type PointEntry struct {
	Type   ActivityType
	Points int
}
