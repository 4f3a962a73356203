package ingest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressMapper_Bands(t *testing.T) {
	m := NewProgressMapper(nil)

	assert.Equal(t, 0, m.Percent())
	assert.Equal(t, 10, m.PhaseDone(PhaseAcquire))
	assert.Equal(t, 15, m.Update(PhaseEnumerate, 1, 2))
	assert.Equal(t, 20, m.PhaseDone(PhaseEnumerate))
	assert.Equal(t, 30, m.Update(PhaseChunk, 1, 2))
	assert.Equal(t, 60, m.Update(PhaseEmbed, 1, 2))
	assert.Equal(t, 95, m.PhaseDone(PhaseUpsert))
	assert.Equal(t, 100, m.Complete())
}

func TestProgressMapper_NeverDecreases(t *testing.T) {
	m := NewProgressMapper(nil)

	assert.Equal(t, 60, m.Update(PhaseEmbed, 1, 2))
	// A late chunk-phase report maps below 60 and must be clamped.
	assert.Equal(t, 60, m.Update(PhaseChunk, 1, 2))
	assert.Equal(t, 60, m.Update(PhaseAcquire, 1, 1))
	assert.Equal(t, 60, m.Update(PhaseEmbed, 0, 2))
}

func TestProgressMapper_EmitsOnlyOnChange(t *testing.T) {
	var emitted []int
	m := NewProgressMapper(func(_ Phase, pct int) {
		emitted = append(emitted, pct)
	})

	m.Update(PhaseEmbed, 1, 4) // 50
	m.Update(PhaseEmbed, 1, 4) // same value, no emit
	m.Update(PhaseEmbed, 2, 4) // 60
	m.Update(PhaseEmbed, 2, 4)
	m.Update(PhaseEmbed, 4, 4) // 80

	assert.Equal(t, []int{50, 60, 80}, emitted)
}

func TestProgressMapper_InterleavedPhasesStayMonotonic(t *testing.T) {
	m := NewProgressMapper(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done := 0; done <= 20; done++ {
				m.Update(PhaseChunk, done, 20)
				m.Update(PhaseEmbed, done, 20)
				m.Update(PhaseUpsert, done, 20)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 95, m.Percent())
}

func TestProgressMapper_ClampsOverflow(t *testing.T) {
	m := NewProgressMapper(nil)
	assert.Equal(t, 80, m.Update(PhaseEmbed, 10, 4), "done beyond total caps at the band top")
}

func TestPointID_Deterministic(t *testing.T) {
	a := PointID("doc-1", 0, "some chunk text")
	b := PointID("doc-1", 0, "some chunk text")
	require.Equal(t, a, b)

	assert.NotEqual(t, a, PointID("doc-1", 1, "some chunk text"))
	assert.NotEqual(t, a, PointID("doc-2", 0, "some chunk text"))
	assert.NotEqual(t, a, PointID("doc-1", 0, "other text"))
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, ContentHash([]byte("x")), ContentHash([]byte("x")))
	assert.NotEqual(t, ContentHash([]byte("x")), ContentHash([]byte("y")))
	assert.Len(t, ContentHash(nil), 64)
}
