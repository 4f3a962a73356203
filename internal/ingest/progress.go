package ingest

import "sync"

// Phase is one stage of an ingestion run. Each phase owns a fixed
// progress band; a job's percent only moves forward even when stages
// overlap in the bounded pipeline.
type Phase string

const (
	PhaseAcquire   Phase = "acquire"
	PhaseEnumerate Phase = "enumerate"
	PhaseChunk     Phase = "chunk"
	PhaseEmbed     Phase = "embed"
	PhaseUpsert    Phase = "upsert"
	PhaseFinalize  Phase = "finalize"
)

type band struct{ lo, hi int }

var phaseBands = map[Phase]band{
	PhaseAcquire:   {0, 10},
	PhaseEnumerate: {10, 20},
	PhaseChunk:     {20, 40},
	PhaseEmbed:     {40, 80},
	PhaseUpsert:    {80, 95},
	PhaseFinalize:  {95, 100},
}

// ProgressFunc receives integer percent updates. Called at most once
// per distinct percent value.
type ProgressFunc func(phase Phase, percent int)

// ProgressMapper folds per-phase (done, total) counters into a single
// monotonic 0..100 percent. Safe for concurrent use: pipeline stages
// report from separate goroutines.
type ProgressMapper struct {
	mu   sync.Mutex
	last int
	fn   ProgressFunc
}

func NewProgressMapper(fn ProgressFunc) *ProgressMapper {
	return &ProgressMapper{fn: fn}
}

// Update maps the phase-local fraction into the phase band and emits
// when the integer percent advanced. Regressions are clamped away.
func (m *ProgressMapper) Update(phase Phase, done, total int) int {
	b, ok := phaseBands[phase]
	if !ok {
		return m.Percent()
	}

	pct := b.lo
	if total > 0 {
		if done > total {
			done = total
		}
		if done > 0 {
			pct = b.lo + (b.hi-b.lo)*done/total
		}
	}
	return m.advance(phase, pct)
}

// PhaseDone jumps to the top of the phase's band.
func (m *ProgressMapper) PhaseDone(phase Phase) int {
	b, ok := phaseBands[phase]
	if !ok {
		return m.Percent()
	}
	return m.advance(phase, b.hi)
}

// Complete forces 100.
func (m *ProgressMapper) Complete() int {
	return m.advance(PhaseFinalize, 100)
}

// Percent is the current value.
func (m *ProgressMapper) Percent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *ProgressMapper) advance(phase Phase, pct int) int {
	m.mu.Lock()
	if pct <= m.last {
		pct = m.last
		m.mu.Unlock()
		return pct
	}
	m.last = pct
	fn := m.fn
	m.mu.Unlock()

	if fn != nil {
		fn(phase, pct)
	}
	return pct
}
