package optimization

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type boundState int8

const (
	boundFree boundState = iota
	boundLower
	boundUpper
)

// qpSubproblem is the SQP direction-finding problem
//
//	minimize   ½ dᵀBd + gᵀd
//	subject to aᵀd = 0
//	           lo ≤ d ≤ hi
//
// where lo ≤ 0 ≤ hi, so d = 0 is always feasible.
type qpSubproblem struct {
	B  mat.Symmetric
	g  []float64
	a  []float64
	lo []float64
	hi []float64
}

// solve runs a primal active-set method from d = 0. B must be positive
// definite on the null space of the active constraints, which the damped BFGS
// update guarantees.
//
// Tolerances are relative to the gradient so that problems stated at daily and
// annual scale behave alike. A bound released and then re-blocked by a
// zero-length step is pinned and not released again.
func (qp *qpSubproblem) solve() ([]float64, error) {
	n := len(qp.g)
	d := make([]float64, n)
	state := make([]boundState, n)
	for i := 0; i < n; i++ {
		if qp.hi[i]-qp.lo[i] <= 0 {
			state[i] = boundLower
		}
	}

	gNorm := floats.Norm(qp.g, math.Inf(1))
	if gNorm == 0 {
		return d, nil
	}

	q := make([]float64, n)
	pinned := make([]bool, n)
	released := -1
	maxIter := 10*n + 50

	for iter := 0; iter < maxIter; iter++ {
		qp.gradient(q, d)
		scale := math.Max(gNorm, floats.Norm(q, math.Inf(1)))

		free := make([]int, 0, n)
		for i, s := range state {
			if s == boundFree {
				free = append(free, i)
			}
		}

		p, lambda, err := qp.equalityStep(free, q)
		if err != nil {
			return nil, err
		}
		pNorm := floats.Norm(p, math.Inf(1))

		if pNorm <= 1e-14*math.Max(1, floats.Norm(d, math.Inf(1))) || qp.reducedGradient(free, q) <= 1e-12*scale {
			// Stationary on the current working set: check bound multipliers.
			release, worst := -1, -1e-10*scale
			for i, s := range state {
				var mult float64
				switch s {
				case boundLower:
					mult = q[i] + lambda*qp.a[i]
				case boundUpper:
					mult = -(q[i] + lambda*qp.a[i])
				default:
					continue
				}
				if pinned[i] || qp.hi[i]-qp.lo[i] <= 0 {
					continue
				}
				if mult < worst {
					release, worst = i, mult
				}
			}
			if release < 0 {
				return d, nil
			}
			state[release] = boundFree
			released = release
			continue
		}

		// Longest feasible step along p, capped at 1.
		alpha, block, blockState := 1.0, -1, boundFree
		for k, i := range free {
			switch {
			case p[k] < 0:
				if t := (qp.lo[i] - d[i]) / p[k]; t < alpha {
					alpha, block, blockState = t, i, boundLower
				}
			case p[k] > 0:
				if t := (qp.hi[i] - d[i]) / p[k]; t < alpha {
					alpha, block, blockState = t, i, boundUpper
				}
			}
		}
		if alpha < 0 {
			alpha = 0
		}
		if released >= 0 && alpha*pNorm <= 1e-16*math.Max(1, floats.Norm(d, math.Inf(1))) {
			pinned[released] = true
		}
		released = -1

		for k, i := range free {
			d[i] += alpha * p[k]
		}
		if block >= 0 {
			if blockState == boundLower {
				d[block] = qp.lo[block]
			} else {
				d[block] = qp.hi[block]
			}
			state[block] = blockState
		}
	}

	return nil, fmt.Errorf("QP subproblem did not converge in %d iterations", maxIter)
}

// reducedGradient is the largest component of q over the free variables after
// removing its projection on the equality constraint.
func (qp *qpSubproblem) reducedGradient(free []int, q []float64) float64 {
	var aq, aa float64
	for _, i := range free {
		aq += qp.a[i] * q[i]
		aa += qp.a[i] * qp.a[i]
	}
	lambda := 0.0
	if aa > 0 {
		lambda = -aq / aa
	}
	worst := 0.0
	for _, i := range free {
		worst = math.Max(worst, math.Abs(q[i]+lambda*qp.a[i]))
	}
	return worst
}

// gradient stores Bd + g in dst.
func (qp *qpSubproblem) gradient(dst, d []float64) {
	n := len(d)
	dv := mat.NewVecDense(n, d)
	out := mat.NewVecDense(n, dst)
	out.MulVec(qp.B, dv)
	floats.Add(dst, qp.g)
}

// equalityStep solves the KKT system of the equality-constrained problem over
// the free variables:
//
//	[B_FF  a_F] [p]   [-q_F]
//	[a_Fᵀ   0 ] [λ] = [  0 ]
func (qp *qpSubproblem) equalityStep(free []int, q []float64) ([]float64, float64, error) {
	m := len(free)
	if m == 0 {
		return nil, 0, errors.New("QP subproblem has no free variables")
	}

	hasCoefficient := false
	for _, i := range free {
		if qp.a[i] != 0 {
			hasCoefficient = true
			break
		}
	}

	size := m
	if hasCoefficient {
		size = m + 1
	}
	kkt := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)
	for r, i := range free {
		for c, j := range free {
			kkt.Set(r, c, qp.B.At(i, j))
		}
		if hasCoefficient {
			kkt.Set(r, m, qp.a[i])
			kkt.Set(m, r, qp.a[i])
		}
		rhs.SetVec(r, -q[i])
	}

	var sol mat.VecDense
	if err := sol.SolveVec(kkt, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, 0, fmt.Errorf("singular KKT system in QP subproblem: %w", err)
		}
	}

	p := make([]float64, m)
	for k := 0; k < m; k++ {
		p[k] = sol.AtVec(k)
	}
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, errors.New("non-finite step in QP subproblem")
		}
	}
	lambda := 0.0
	if hasCoefficient {
		lambda = sol.AtVec(m)
	}
	return p, lambda, nil
}
