package optimizer

import (
	"sort"

	"github.com/atlas-desktop/clm-worker/pkg/types"
)

const (
	reflectionAlpha  = 1.0
	expansionGamma   = 2.0
	contractionRho   = 0.5
	shrinkSigma      = 0.5
	maxEvaluations   = 300
	convergenceDelta = 1e-8
	dimensions       = 5
)

// bounds lists the hard bound per RangeParams dimension, in the fixed
// order baseMin, baseMax, vforceExp, vforceDivider, rsThreshold.
var bounds = [dimensions][2]float64{
	{1e-4, 5e-3},
	{5e-3, 1e-1},
	{-1.0, -0.05},
	{50, 1000},
	{0.1, 0.35},
}

type vertex struct {
	point [dimensions]float64
	score float64
}

func toVec(p [dimensions]float64) types.RangeParams {
	return types.RangeParams{
		BaseMin:       p[0],
		BaseMax:       p[1],
		VforceExp:     p[2],
		VforceDivider: p[3],
		RsThreshold:   p[4],
	}
}

func toPoint(v types.RangeParams) [dimensions]float64 {
	return [dimensions]float64{v.BaseMin, v.BaseMax, v.VforceExp, v.VforceDivider, v.RsThreshold}
}

func clampPoint(p [dimensions]float64) [dimensions]float64 {
	for i := range p {
		if p[i] < bounds[i][0] {
			p[i] = bounds[i][0]
		}
		if p[i] > bounds[i][1] {
			p[i] = bounds[i][1]
		}
	}
	return p
}

// objective wraps Fitness as a function of a raw point, clamping to
// bounds before evaluating.
type objective func(types.RangeParams) float64

// NelderMead runs a 5-dimensional simplex search seeded from `seed`
// (warm start if present, else DefaultRangeParams), per spec.md §4.5:
// vertex 0 is the clamped seed, vertices 1..D perturb one dimension each
// by +-10% of its bound range, alternating sign by index. Standard
// reflection/expansion/contraction/shrink coefficients. Stops when
// |fbest-fworst| < 1e-8 or 300 total evaluations.
func NelderMead(seed types.RangeParams, obj objective) (types.RangeParams, float64, int) {
	seedPoint := clampPoint(toPoint(seed))

	simplex := make([]vertex, dimensions+1)
	simplex[0] = vertex{point: seedPoint, score: obj(toVec(seedPoint))}
	evals := 1

	for i := 0; i < dimensions; i++ {
		p := seedPoint
		rangeI := bounds[i][1] - bounds[i][0]
		perturb := 0.1 * rangeI
		if i%2 == 1 {
			perturb = -perturb
		}
		p[i] += perturb
		p = clampPoint(p)
		simplex[i+1] = vertex{point: p, score: obj(toVec(p))}
		evals++
	}

	sortSimplex(simplex)

	for evals < maxEvaluations {
		best := simplex[0].score
		worst := simplex[len(simplex)-1].score
		if absFloat(best-worst) < convergenceDelta {
			break
		}

		centroid := centroidExcludingWorst(simplex)

		worstV := simplex[len(simplex)-1]
		reflected := clampPoint(addScaled(centroid, sub(centroid, worstV.point), reflectionAlpha))
		reflectedScore := obj(toVec(reflected))
		evals++

		switch {
		case evals >= maxEvaluations:
			simplex[len(simplex)-1] = vertex{point: reflected, score: reflectedScore}

		case reflectedScore > simplex[0].score:
			expanded := clampPoint(addScaled(centroid, sub(reflected, centroid), expansionGamma))
			expandedScore := obj(toVec(expanded))
			evals++
			if expandedScore > reflectedScore {
				simplex[len(simplex)-1] = vertex{point: expanded, score: expandedScore}
			} else {
				simplex[len(simplex)-1] = vertex{point: reflected, score: reflectedScore}
			}

		case reflectedScore > simplex[len(simplex)-2].score:
			simplex[len(simplex)-1] = vertex{point: reflected, score: reflectedScore}

		default:
			contracted := clampPoint(addScaled(centroid, sub(worstV.point, centroid), contractionRho))
			contractedScore := obj(toVec(contracted))
			evals++
			if contractedScore > worstV.score {
				simplex[len(simplex)-1] = vertex{point: contracted, score: contractedScore}
			} else if evals < maxEvaluations {
				evals += shrinkSimplex(simplex, obj, maxEvaluations-evals)
			}
		}

		sortSimplex(simplex)
		if evals >= maxEvaluations {
			break
		}
	}

	best := simplex[0]
	return toVec(best.point), best.score, evals
}

func sortSimplex(s []vertex) {
	sort.Slice(s, func(i, j int) bool { return s[i].score > s[j].score })
}

func centroidExcludingWorst(s []vertex) [dimensions]float64 {
	var c [dimensions]float64
	n := len(s) - 1
	for i := 0; i < n; i++ {
		for d := 0; d < dimensions; d++ {
			c[d] += s[i].point[d]
		}
	}
	for d := 0; d < dimensions; d++ {
		c[d] /= float64(n)
	}
	return c
}

// shrinkSimplex contracts every non-best vertex toward the best vertex,
// stopping once budget evaluations have run so a shrink can never push
// the caller's total evaluation count past maxEvaluations. Reports how
// many evaluations it actually spent.
func shrinkSimplex(s []vertex, obj objective, budget int) int {
	best := s[0].point
	spent := 0
	for i := 1; i < len(s) && spent < budget; i++ {
		p := addScaled(best, sub(s[i].point, best), shrinkSigma)
		p = clampPoint(p)
		s[i] = vertex{point: p, score: obj(toVec(p))}
		spent++
	}
	return spent
}

func addScaled(base, delta [dimensions]float64, scale float64) [dimensions]float64 {
	var out [dimensions]float64
	for i := range out {
		out[i] = base[i] + scale*delta[i]
	}
	return out
}

func sub(a, b [dimensions]float64) [dimensions]float64 {
	var out [dimensions]float64
	for i := range out {
		out[i] = a[i] - b[i]
	}
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
