package eventlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/event"
)

func ringEntry(name string) *Entry {
	return NewEntry(event.New(name, nil))
}

func TestRingAppendAndRecent(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append(ringEntry(fmt.Sprintf("state:set_%d", i)))
	}

	recent := r.Recent(0, nil)
	require.Len(t, recent, 5)
	// Newest first.
	assert.Equal(t, "state:set_4", recent[0].EventName)
	assert.Equal(t, "state:set_0", recent[4].EventName)
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, uint64(0), r.Dropped())
}

func TestRingOverwritesOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(ringEntry(fmt.Sprintf("e:n%d", i)))
	}

	recent := r.Recent(0, nil)
	require.Len(t, recent, 3)
	assert.Equal(t, "e:n4", recent[0].EventName)
	assert.Equal(t, "e:n2", recent[2].EventName)
	assert.Equal(t, uint64(2), r.Dropped())
	assert.Equal(t, uint64(5), r.Total())
}

func TestRingRecentLimitAndFilter(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		name := "state:set"
		if i%2 == 0 {
			name = "completion:result"
		}
		r.Append(ringEntry(name))
	}

	completions := r.Recent(2, func(e *Entry) bool { return e.EventName == "completion:result" })
	require.Len(t, completions, 2)
	for _, e := range completions {
		assert.Equal(t, "completion:result", e.EventName)
	}
}

func TestRingSequenceMonotonic(t *testing.T) {
	r := NewRing(4)
	var last uint64
	for i := 0; i < 20; i++ {
		seq := r.Append(ringEntry("a:b"))
		if i > 0 {
			assert.Equal(t, last+1, seq)
		}
		last = seq
	}
}

// Ring + dropped accounting matches total appends even past wraparound.
func TestRingConservation(t *testing.T) {
	r := NewRing(8)
	const total = 100
	for i := 0; i < total; i++ {
		r.Append(ringEntry("x:y"))
	}
	assert.Equal(t, uint64(total), uint64(r.Len())+r.Dropped())
}
