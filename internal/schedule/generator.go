// Package schedule builds and walks the timed treat table of a schedule
// session.
package schedule

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// Selection bounds.
const (
	MinTreatsPerHour = 2
	MaxTreatsPerHour = 12
	MinHours         = 1
	MaxHours         = 8

	// MaxEntries bounds the length of any table.
	MaxEntries = MaxHours * MaxTreatsPerHour
)

const (
	// MinSpacing is the closest two entries in the same hour may be, in
	// minutes.
	MinSpacing = 1

	// MaxAttempts is how many random minutes are drawn for one slot before
	// falling back to a deterministic late slot.
	MaxAttempts = 100

	minutesPerHour = 60
)

// Source draws uniform integers in [0, n). *rand.Rand implements it.
type Source interface {
	IntN(n int) int
}

// Table is a sorted list of session-relative minute offsets.
type Table []int

// String formats the table as h:mm offsets.
func (t Table) String() string {
	parts := make([]string, len(t))
	for i, m := range t {
		parts[i] = fmt.Sprintf("%d:%02d", m/minutesPerHour, m%minutesPerHour)
	}
	return strings.Join(parts, " ")
}

// Clamp bounds a selection to the supported range.
func Clamp(treatsPerHour, hours int) (int, int) {
	return min(max(treatsPerHour, MinTreatsPerHour), MaxTreatsPerHour),
		min(max(hours, MinHours), MaxHours)
}

// Generate builds the table for treatsPerHour over hours. Each hour gets
// ceil(n/2) reliable entries evenly spaced from minute 0 and floor(n/2)
// random entries drawn from rng. rng may be nil, in which case a randomly
// seeded source is used.
func Generate(treatsPerHour, hours int, rng Source) Table {
	treatsPerHour, hours = Clamp(treatsPerHour, hours)
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	reliable := (treatsPerHour + 1) / 2
	random := treatsPerHour / 2
	step := minutesPerHour / reliable

	table := make(Table, 0, treatsPerHour*hours)
	hour := make([]int, 0, treatsPerHour)
	for h := 0; h < hours; h++ {
		hour = hour[:0]
		for i := 0; i < reliable; i++ {
			hour = append(hour, i*step)
		}
		for i := 0; i < random; i++ {
			hour = append(hour, placeRandom(hour, rng))
		}
		for _, m := range hour {
			table = append(table, h*minutesPerHour+m)
		}
	}
	slices.Sort(table)
	return table
}

func placeRandom(taken []int, rng Source) int {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		m := rng.IntN(minutesPerHour)
		if spaced(taken, m) {
			return m
		}
	}
	for m := minutesPerHour - 1; m >= 0; m-- {
		if spaced(taken, m) {
			return m
		}
	}
	return minutesPerHour - 1
}

func spaced(taken []int, m int) bool {
	for _, t := range taken {
		d := t - m
		if d < 0 {
			d = -d
		}
		if d < MinSpacing {
			return false
		}
	}
	return true
}
