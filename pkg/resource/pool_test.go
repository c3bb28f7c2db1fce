package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddResourcesAndTotals(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "8", "mem": "16gb"}))

	totals := p.Totals()
	assert.True(t, totals["ncpus"].Equal(MustParse("8")))
	assert.True(t, totals["mem"].Equal(MustParse("16gb")))
}

func TestAddResourcesRefusesRedeclare(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "8"}))
	err := p.AddResources(map[string]string{"ncpus": "16"})
	assert.Error(t, err)
}

func TestAcquireAndRelease(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4"}))

	ok, err := p.Acquire(map[string]string{"ncpus": "3"}, "action-a")
	require.NoError(t, err)
	assert.True(t, ok)

	acquirable, known := p.Acquirable("ncpus")
	require.True(t, known)
	assert.True(t, acquirable.Equal(MustParse("1")))

	p.Release(map[string]string{"ncpus": "3"}, "action-a")
	acquirable, _ = p.Acquirable("ncpus")
	assert.True(t, acquirable.Equal(MustParse("4")))
}

func TestAcquireBackpressureIsRecoverable(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4"}))

	ok, err := p.Acquire(map[string]string{"ncpus": "4"}, "action-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A second requestor asking for capacity that's merely in use right now
	// gets false, nil: recoverable, not fatal.
	ok, err = p.Acquire(map[string]string{"ncpus": "1"}, "action-b")
	assert.NoError(t, err)
	assert.False(t, ok)

	p.Release(map[string]string{"ncpus": "4"}, "action-a")
	ok, err = p.Acquire(map[string]string{"ncpus": "1"}, "action-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireUnknownResourceIsFatal(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4"}))

	ok, err := p.Acquire(map[string]string{"gpus": "1"}, "action-a")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAcquireExceedingTotalIsFatal(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4"}))

	ok, err := p.Acquire(map[string]string{"ncpus": "8"}, "action-a")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAcquireIsAllOrNothing(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4", "mem": "1gb"}))

	ok, err := p.Acquire(map[string]string{"ncpus": "4"}, "action-a")
	require.NoError(t, err)
	require.True(t, ok)

	// mem is fully available but ncpus is not; the whole request must fail
	// and mem's in-use must remain untouched.
	ok, err = p.Acquire(map[string]string{"ncpus": "1", "mem": "1gb"}, "action-b")
	require.NoError(t, err)
	assert.False(t, ok)

	acquirable, _ := p.Acquirable("mem")
	assert.True(t, acquirable.Equal(MustParse("1gb")))
}

func TestReleaseOverReleaseClampsAndWarns(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4"}))

	ok, err := p.Acquire(map[string]string{"ncpus": "2"}, "action-a")
	require.NoError(t, err)
	require.True(t, ok)

	assert.NotPanics(t, func() {
		p.Release(map[string]string{"ncpus": "10"}, "action-a")
	})

	acquirable, _ := p.Acquirable("ncpus")
	assert.True(t, acquirable.Equal(MustParse("4")))
}

func TestReleaseUnknownResourceIsIgnored(t *testing.T) {
	p := NewPool(testLogger())
	require.NoError(t, p.AddResources(map[string]string{"ncpus": "4"}))

	assert.NotPanics(t, func() {
		p.Release(map[string]string{"gpus": "1"}, "action-a")
	})
}
