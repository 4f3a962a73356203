package vector

import (
	"sort"
)

// FuseRRF combines the dense and sparse arm results with weighted
// Reciprocal Rank Fusion:
//
//	score(d) = w_dense/(k + rank_dense) + w_sparse/(k + rank_sparse)
//
// A point missing from one arm contributes that arm's weight at
// missing_rank = max(len(dense), len(sparse)) + 1, so single-arm hits
// are dampened but not zeroed. Scores are normalized to [0,1] by the
// top score. Ties break on higher dense raw score, then lexicographic
// point id, keeping result order deterministic across runs.
func FuseRRF(dense, sparse []ScoredPoint, denseWeight, sparseWeight float64, k, limit int) []ScoredPoint {
	if len(dense) == 0 && len(sparse) == 0 {
		return []ScoredPoint{}
	}
	if k <= 0 {
		k = DefaultRRFConstant
	}

	fused := make(map[string]*ScoredPoint, len(dense)+len(sparse))

	get := func(p ScoredPoint) *ScoredPoint {
		if f, ok := fused[p.ID]; ok {
			return f
		}
		f := &ScoredPoint{ID: p.ID, Payload: p.Payload}
		fused[p.ID] = f
		return f
	}

	for rank, p := range dense {
		f := get(p)
		f.DenseScore = p.Score
		f.DenseRank = rank + 1
		f.Score += denseWeight / float64(k+rank+1)
		if f.Payload == nil {
			f.Payload = p.Payload
		}
	}
	for rank, p := range sparse {
		f := get(p)
		f.SparseScore = p.Score
		f.SparseRank = rank + 1
		f.Score += sparseWeight / float64(k+rank+1)
		if f.Payload == nil {
			f.Payload = p.Payload
		}
	}

	missingRank := len(dense)
	if len(sparse) > missingRank {
		missingRank = len(sparse)
	}
	missingRank++

	for _, f := range fused {
		if f.DenseRank == 0 {
			f.Score += denseWeight / float64(k+missingRank)
		}
		if f.SparseRank == 0 {
			f.Score += sparseWeight / float64(k+missingRank)
		}
	}

	out := make([]ScoredPoint, 0, len(fused))
	for _, f := range fused {
		out = append(out, *f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DenseScore != out[j].DenseScore {
			return out[i].DenseScore > out[j].DenseScore
		}
		return out[i].ID < out[j].ID
	})

	// Normalize so the top hit scores 1.0.
	if top := out[0].Score; top > 0 {
		for i := range out {
			out[i].Score /= top
		}
	}

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
