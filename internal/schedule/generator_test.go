package schedule

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constSource always draws the same minute.
type constSource int

func (c constSource) IntN(int) int { return int(c) }

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func TestGenerateInvariants(t *testing.T) {
	for tph := MinTreatsPerHour; tph <= MaxTreatsPerHour; tph++ {
		for hours := MinHours; hours <= MaxHours; hours++ {
			for seed := uint64(0); seed < 5; seed++ {
				table := Generate(tph, hours, seeded(seed))

				require.Len(t, table, tph*hours, "tph=%d hours=%d", tph, hours)
				assert.IsNonDecreasing(t, []int(table))
				assert.LessOrEqual(t, len(table), MaxEntries)

				perHour := make(map[int][]int)
				for _, m := range table {
					require.GreaterOrEqual(t, m, 0)
					require.Less(t, m, hours*60)
					perHour[m/60] = append(perHour[m/60], m)
				}
				for h, ms := range perHour {
					assert.Len(t, ms, tph, "hour %d", h)
					for i := 1; i < len(ms); i++ {
						assert.GreaterOrEqual(t, ms[i]-ms[i-1], MinSpacing,
							"tph=%d hours=%d seed=%d hour=%d %v", tph, hours, seed, h, ms)
					}
				}
			}
		}
	}
}

func TestGenerateTwoPerHourOneHour(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		table := Generate(2, 1, seeded(seed))
		require.Len(t, table, 2)
		assert.Equal(t, 0, table[0], "reliable entry at minute 0")
		assert.GreaterOrEqual(t, table[1], 1)
		assert.LessOrEqual(t, table[1], 59)
	}
}

func TestGenerateReliableSpacing(t *testing.T) {
	// 6 per hour: 3 reliable at 0, 20, 40.
	table := Generate(6, 1, seeded(1))
	assert.Contains(t, table, 0)
	assert.Contains(t, table, 20)
	assert.Contains(t, table, 40)
}

func TestGenerateClampsSelection(t *testing.T) {
	assert.Len(t, Generate(0, 0, seeded(1)), MinTreatsPerHour*MinHours)
	assert.Len(t, Generate(50, 50, seeded(1)), MaxEntries)
}

func TestGenerateFallsBackWhenDrawsCollide(t *testing.T) {
	// Every draw lands on minute 0, which is always reliable.
	table := Generate(12, 1, constSource(0))

	// Reliable 0,10..50; random ones fall back from 59 downwards.
	assert.Equal(t, Table{0, 10, 20, 30, 40, 50, 54, 55, 56, 57, 58, 59}, table)
}

func TestGenerateFallbackSkipsTakenMinutes(t *testing.T) {
	// A free draw is used as is.
	table := Generate(3, 1, constSource(59))
	assert.Equal(t, Table{0, 30, 59}, table)

	table = Generate(5, 1, constSource(40))
	// Reliable 0,20,40; first random draw collides with 40, scan picks 59.
	assert.Equal(t, Table{0, 20, 40, 58, 59}, table)
}

func TestGenerateNilSource(t *testing.T) {
	assert.Len(t, Generate(4, 2, nil), 8)
}

func TestClamp(t *testing.T) {
	tph, h := Clamp(1, 9)
	assert.Equal(t, 2, tph)
	assert.Equal(t, 8, h)

	tph, h = Clamp(7, 3)
	assert.Equal(t, 7, tph)
	assert.Equal(t, 3, h)
}

func TestTableString(t *testing.T) {
	assert.Equal(t, "0:00 0:37 1:05", Table{0, 37, 65}.String())
}
