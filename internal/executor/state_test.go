package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_CloneIsolation(t *testing.T) {
	s := NewState(map[string]int64{"x": 1, "y": 2})
	c := s.Clone()

	c.Set("x", 100)
	c.Set("z", 7)

	assert.Equal(t, int64(1), s.Get("x"))
	assert.False(t, s.Has("z"))
	assert.Equal(t, map[string]int64{"x": 100, "y": 2, "z": 7}, c.Snapshot())

	s.Set("y", 20)
	assert.Equal(t, int64(2), c.Get("y"))
}

func TestState_MissingReadsZero(t *testing.T) {
	s := NewState(nil)
	assert.Equal(t, int64(0), s.Get("nope"))
	assert.Equal(t, 0, s.Len())
}

func TestState_AscendOrdered(t *testing.T) {
	s := NewState(map[string]int64{"b": 2, "a": 1, "c": 3})

	var keys []string
	s.Ascend(func(r string, _ int64) bool {
		keys = append(keys, r)
		return r != "b"
	})
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClockAt(10)
	assert.Equal(t, int64(11), c.Next())
	assert.Equal(t, int64(12), c.Next())
	assert.Equal(t, int64(12), c.Current())
}
