package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRunsHighestPriorityFirst(t *testing.T) {
	r := New()
	var order []int

	r.Register(func(target any) error { order = append(order, 1); return nil }, 1)
	r.Register(func(target any) error { order = append(order, 10); return nil }, 10)
	r.Register(func(target any) error { order = append(order, 5); return nil }, 5)

	require.NoError(t, r.Process(nil))
	assert.Equal(t, []int{10, 5, 1}, order)
}

func TestProcessStopsAtFirstError(t *testing.T) {
	r := New()
	var ran []int

	r.Register(func(target any) error { ran = append(ran, 1); return errors.New("boom") }, 1)
	r.Register(func(target any) error { ran = append(ran, 2); return nil }, 2)
	r.Register(func(target any) error { ran = append(ran, 0); return nil }, 0)

	err := r.Process(nil)
	assert.Error(t, err)
	assert.Equal(t, []int{2, 1}, ran)
}

func TestProcessPassesTargetThrough(t *testing.T) {
	r := New()
	var seen any

	r.Register(func(target any) error { seen = target; return nil }, 0)
	require.NoError(t, r.Process("payload"))
	assert.Equal(t, "payload", seen)
}
