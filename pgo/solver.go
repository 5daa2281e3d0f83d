// Package pgo implements the pose-graph optimization step: a pure,
// stateless Levenberg-Marquardt nonlinear least-squares solve over
// node positions (spec.md §4.5), followed by a separate gauge-fixing
// transform (gauge.go). Both are free functions with no I/O, per
// spec.md §9 ("Solver as a free function").
package pgo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"uwbpgo/model"
)

// Config tunes the Levenberg-Marquardt loop.
type Config struct {
	IterationCap  int
	GradientTol   float64
	StepTol       float64
	InitialLambda float64
	LambdaUp      float64
	LambdaDown    float64
}

// DefaultConfig matches spec.md §4.5's "cap in the low hundreds".
func DefaultConfig() Config {
	return Config{
		IterationCap:  200,
		GradientTol:   1e-10,
		StepTol:       1e-12,
		InitialLambda: 1e-3,
		LambdaUp:      10,
		LambdaDown:    10,
	}
}

// Result is the solver's raw output, before gauge fixing.
type Result struct {
	Positions    map[model.Node]model.Vec3
	Iterations   int
	ResidualNorm float64
	Converged    bool
}

// Solve minimizes sum_(u,v,d) || (p[v]-p[u]) - d ||^2 over the nodes
// named in seeds, given the edge set. Nodes not referenced by any
// edge keep their seed position (no gradient acts on them). Returns
// an error only on a malformed input (no seed for a node an edge
// references); numerical failure (NaN residual) and non-convergence
// are reported through Result per spec.md §7, not as Go errors —
// both leave Converged=false so the caller can apply its own
// stale/skip policy.
func Solve(edgeList []model.Edge, seeds map[model.Node]model.Vec3, cfg Config) (Result, error) {
	nodes := make([]model.Node, 0, len(seeds))
	index := make(map[model.Node]int, len(seeds))
	for n := range seeds {
		index[n] = len(nodes)
		nodes = append(nodes, n)
	}
	// Stable order: edges.Build and geometry.AnchorEdges always
	// iterate anchors/edges deterministically, but map iteration over
	// seeds is not — sort nodes for determinism (spec.md §8).
	sortNodes(nodes, index)

	for _, e := range edgeList {
		if _, ok := index[e.From]; !ok {
			return Result{}, fmt.Errorf("pgo: no seed for edge endpoint %s", e.From)
		}
		if _, ok := index[e.To]; !ok {
			return Result{}, fmt.Errorf("pgo: no seed for edge endpoint %s", e.To)
		}
	}

	n := len(nodes)
	x := mat.NewVecDense(3*n, nil)
	for i, node := range nodes {
		p := seeds[node]
		x.SetVec(3*i, p.X)
		x.SetVec(3*i+1, p.Y)
		x.SetVec(3*i+2, p.Z)
	}

	lambda := cfg.InitialLambda
	m := len(edgeList)

	cost, _ := residual(x, edgeList, index)
	converged := false
	iter := 0

	for ; iter < cfg.IterationCap; iter++ {
		r, J := residualJacobian(x, edgeList, index, n, m)

		var Jt mat.Dense
		Jt.CloneFrom(J.T())

		var JtJ mat.Dense
		JtJ.Mul(&Jt, J)

		var Jtr mat.VecDense
		Jtr.MulVec(&Jt, r)

		gradNorm := mat.Norm(&Jtr, 2)
		if gradNorm < cfg.GradientTol {
			converged = true
			break
		}

		// Damped normal equations: (JtJ + lambda*diag(JtJ)) delta = -Jtr
		stepFound := false
		for tries := 0; tries < 30; tries++ {
			damped := mat.NewDense(3*n, 3*n, nil)
			damped.Copy(&JtJ)
			for i := 0; i < 3*n; i++ {
				damped.Set(i, i, damped.At(i, i)+lambda*JtJ.At(i, i))
			}

			var negJtr mat.VecDense
			negJtr.ScaleVec(-1, &Jtr)

			delta, ok := solveLinear(damped, &negJtr)
			if !ok {
				lambda *= cfg.LambdaUp
				continue
			}

			stepNorm := mat.Norm(delta, 2)
			var xNew mat.VecDense
			xNew.AddVec(x, delta)

			newCost, _ := residual(&xNew, edgeList, index)
			if !math.IsNaN(newCost) && newCost < cost {
				x = &xNew
				cost = newCost
				lambda /= cfg.LambdaDown
				stepFound = true
				if stepNorm < cfg.StepTol {
					converged = true
				}
				break
			}
			lambda *= cfg.LambdaUp
		}

		if !stepFound {
			// Could not find a descent step at any damping; stop here
			// rather than spin — caller sees Converged=false.
			break
		}
		if converged {
			iter++
			break
		}
	}

	positions := make(map[model.Node]model.Vec3, n)
	finalResidual, nanHit := residual(x, edgeList, index)
	for i, node := range nodes {
		positions[node] = model.Vec3{
			X: x.AtVec(3 * i),
			Y: x.AtVec(3*i + 1),
			Z: x.AtVec(3*i + 2),
		}
	}

	return Result{
		Positions:    positions,
		Iterations:   iter,
		ResidualNorm: math.Sqrt(math.Abs(finalResidual)),
		Converged:    converged && !nanHit,
	}, nil
}

// residual returns sum of squared residuals (the LM cost) and whether
// any residual component is NaN.
func residual(x *mat.VecDense, edgeList []model.Edge, index map[model.Node]int) (float64, bool) {
	sum := 0.0
	nan := false
	for _, e := range edgeList {
		fi, ti := index[e.From], index[e.To]
		for k := 0; k < 3; k++ {
			diff := x.AtVec(3*ti+k) - x.AtVec(3*fi+k)
			d := vecComponent(e.Vector, k)
			r := diff - d
			if math.IsNaN(r) {
				nan = true
			}
			sum += r * r
		}
	}
	return sum, nan
}

func residualJacobian(x *mat.VecDense, edgeList []model.Edge, index map[model.Node]int, numNodes, numEdges int) (*mat.VecDense, *mat.Dense) {
	r := mat.NewVecDense(3*numEdges, nil)
	J := mat.NewDense(3*numEdges, 3*numNodes, nil)

	for ei, e := range edgeList {
		fi, ti := index[e.From], index[e.To]
		for k := 0; k < 3; k++ {
			row := 3*ei + k
			diff := x.AtVec(3*ti+k) - x.AtVec(3*fi+k)
			d := vecComponent(e.Vector, k)
			r.SetVec(row, diff-d)
			J.Set(row, 3*ti+k, 1)
			J.Set(row, 3*fi+k, -1)
		}
	}
	return r, J
}

func vecComponent(v model.Vec3, k int) float64 {
	switch k {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// solveLinear solves A x = b, falling back to an SVD-based
// pseudo-inverse (ported from the teacher's pinv helper) when A is
// singular or near-singular — expected near the gauge-freedom
// directions of the anchor-anchor sub-graph.
func solveLinear(A *mat.Dense, b *mat.VecDense) (*mat.VecDense, bool) {
	var x mat.VecDense
	if err := x.SolveVec(A, b); err == nil {
		return &x, true
	}

	pinv, ok := pseudoInverse(A)
	if !ok {
		return nil, false
	}
	var out mat.VecDense
	out.MulVec(pinv, b)
	return &out, true
}

// pseudoInverse computes the Moore-Penrose pseudo-inverse of a via
// thin SVD, the same construction the teacher uses in
// fusion/utils.go's pinv for the EKF's innovation covariance.
func pseudoInverse(a *mat.Dense) (*mat.Dense, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, false
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	if len(s) > 0 {
		maxS = s[0]
	}
	r, c := a.Dims()
	tol := 1e-15 * float64(maxInt(r, c)) * maxS

	sigInv := mat.NewDense(len(s), len(s), nil)
	for i, val := range s {
		if val > tol {
			sigInv.Set(i, i, 1.0/val)
		}
	}

	var temp mat.Dense
	temp.Mul(&v, sigInv)
	var out mat.Dense
	out.Mul(&temp, u.T())
	return &out, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sortNodes(nodes []model.Node, index map[model.Node]int) {
	// Simple insertion sort by string key: node counts are tiny
	// (4 anchors + 1 tag), so this never matters for performance —
	// only for determinism of iteration order across runs.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].String() < nodes[j-1].String(); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
	for i, n := range nodes {
		index[n] = i
	}
}

