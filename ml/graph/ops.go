/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

func assertSameShape(op string, a, b *Node) {
	if !a.value.SameShape(b.value) {
		exceptions.Panicf("graph.%s: shapes %v and %v differ", op, a.Dims(), b.Dims())
	}
}

func assertRank(op string, a *Node, rank int) {
	if a.value.Rank() != rank {
		exceptions.Panicf("graph.%s: requires rank %d operand, got shape %v", op, rank, a.Dims())
	}
}

// Add returns a+b elementwise. As a convenience for bias terms, a matrix
// (B, K) plus a vector (K,) broadcasts the vector over every row.
func Add(a, b *Node) *Node {
	if a.value.Rank() == 2 && b.value.Rank() == 1 && a.value.Dim(1) == b.value.Dim(0) {
		return addBias(a, b)
	}
	assertSameShape("Add", a, b)
	out := tensors.New(a.Dims()...)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = av[i] + bv[i]
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi
			b.grad[i] += gi
		}
	}, a, b)
}

// addBias adds a (K,) vector to each row of a (B, K) matrix.
func addBias(a, b *Node) *Node {
	rows, cols := a.value.Dim(0), a.value.Dim(1)
	out := tensors.New(rows, cols)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ov[r*cols+c] = av[r*cols+c] + bv[c]
		}
	}
	return newNode(out, func(g []float64) {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				a.grad[r*cols+c] += g[r*cols+c]
				b.grad[c] += g[r*cols+c]
			}
		}
	}, a, b)
}

// Sub returns a-b elementwise.
func Sub(a, b *Node) *Node {
	assertSameShape("Sub", a, b)
	out := tensors.New(a.Dims()...)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = av[i] - bv[i]
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi
			b.grad[i] -= gi
		}
	}, a, b)
}

// Mul returns a*b elementwise.
func Mul(a, b *Node) *Node {
	assertSameShape("Mul", a, b)
	out := tensors.New(a.Dims()...)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = av[i] * bv[i]
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi * bv[i]
			b.grad[i] += gi * av[i]
		}
	}, a, b)
}

// Div returns a/b elementwise.
func Div(a, b *Node) *Node {
	assertSameShape("Div", a, b)
	out := tensors.New(a.Dims()...)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = av[i] / bv[i]
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi / bv[i]
			b.grad[i] -= gi * av[i] / (bv[i] * bv[i])
		}
	}, a, b)
}

// Neg returns -a.
func Neg(a *Node) *Node { return MulScalar(a, -1) }

// MulScalar returns a*c elementwise for a Go scalar c.
func MulScalar(a *Node, c float64) *Node {
	out := tensors.New(a.Dims()...)
	av, ov := a.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = av[i] * c
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi * c
		}
	}, a)
}

// AddScalar returns a+c elementwise for a Go scalar c.
func AddScalar(a *Node, c float64) *Node {
	out := tensors.New(a.Dims()...)
	av, ov := a.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = av[i] + c
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi
		}
	}, a)
}

// unaryOp builds an elementwise op given forward fn and the derivative
// expressed in terms of input x and output y.
func unaryOp(a *Node, fn func(x float64) float64, dfn func(x, y float64) float64) *Node {
	out := tensors.New(a.Dims()...)
	av, ov := a.value.Flat(), out.Flat()
	for i := range ov {
		ov[i] = fn(av[i])
	}
	return newNode(out, func(g []float64) {
		for i, gi := range g {
			a.grad[i] += gi * dfn(av[i], ov[i])
		}
	}, a)
}

// Exp returns e^a elementwise.
func Exp(a *Node) *Node {
	return unaryOp(a, math.Exp, func(_, y float64) float64 { return y })
}

// Log returns the natural logarithm elementwise.
func Log(a *Node) *Node {
	return unaryOp(a, math.Log, func(x, _ float64) float64 { return 1 / x })
}

// Square returns a² elementwise.
func Square(a *Node) *Node {
	return unaryOp(a, func(x float64) float64 { return x * x },
		func(x, _ float64) float64 { return 2 * x })
}

// Sigmoid returns 1/(1+e^-a) elementwise.
func Sigmoid(a *Node) *Node {
	return unaryOp(a, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		func(_, y float64) float64 { return y * (1 - y) })
}

// Tanh returns the hyperbolic tangent elementwise.
func Tanh(a *Node) *Node {
	return unaryOp(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// ReLU returns max(a, 0) elementwise.
func ReLU(a *Node) *Node {
	return unaryOp(a, func(x float64) float64 { return math.Max(x, 0) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// Softplus returns log(1+e^a) elementwise, computed in a numerically stable
// form. Its output is strictly positive, which makes it the standard guard
// for scale parameters whose logarithm enters a Jacobian log-determinant.
func Softplus(a *Node) *Node {
	return unaryOp(a, softplus, func(x, _ float64) float64 { return 1 / (1 + math.Exp(-x)) })
}

func softplus(x float64) float64 {
	if x > 30 {
		return x // log1p(exp(x)) == x to double precision.
	}
	return math.Log1p(math.Exp(x))
}

// MatMul returns the matrix product of a (B, D) and b (D, K) -> (B, K).
func MatMul(a, b *Node) *Node {
	assertRank("MatMul", a, 2)
	assertRank("MatMul", b, 2)
	bRows, inner, cols := a.value.Dim(0), a.value.Dim(1), b.value.Dim(1)
	if b.value.Dim(0) != inner {
		exceptions.Panicf("graph.MatMul: shapes %v x %v are incompatible", a.Dims(), b.Dims())
	}
	out := tensors.New(bRows, cols)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for r := 0; r < bRows; r++ {
		for k := 0; k < inner; k++ {
			ark := av[r*inner+k]
			if ark == 0 {
				continue
			}
			for c := 0; c < cols; c++ {
				ov[r*cols+c] += ark * bv[k*cols+c]
			}
		}
	}
	return newNode(out, func(g []float64) {
		// dA = G @ Bᵀ ; dB = Aᵀ @ G
		for r := 0; r < bRows; r++ {
			for c := 0; c < cols; c++ {
				grc := g[r*cols+c]
				if grc == 0 {
					continue
				}
				for k := 0; k < inner; k++ {
					a.grad[r*inner+k] += grc * bv[k*cols+c]
					b.grad[k*cols+c] += grc * av[r*inner+k]
				}
			}
		}
	}, a, b)
}

// Transpose returns the transpose of a (B, K) matrix.
func Transpose(a *Node) *Node {
	assertRank("Transpose", a, 2)
	rows, cols := a.value.Dim(0), a.value.Dim(1)
	out := tensors.New(cols, rows)
	av, ov := a.value.Flat(), out.Flat()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ov[c*rows+r] = av[r*cols+c]
		}
	}
	return newNode(out, func(g []float64) {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				a.grad[r*cols+c] += g[c*rows+r]
			}
		}
	}, a)
}

// Concat joins two matrices with equal row counts along their columns:
// (B, K1) and (B, K2) -> (B, K1+K2).
func Concat(a, b *Node) *Node {
	assertRank("Concat", a, 2)
	assertRank("Concat", b, 2)
	if a.value.Dim(0) != b.value.Dim(0) {
		exceptions.Panicf("graph.Concat: row counts differ: %v vs %v", a.Dims(), b.Dims())
	}
	rows, ka, kb := a.value.Dim(0), a.value.Dim(1), b.value.Dim(1)
	out := tensors.New(rows, ka+kb)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for r := 0; r < rows; r++ {
		copy(ov[r*(ka+kb):], av[r*ka:(r+1)*ka])
		copy(ov[r*(ka+kb)+ka:], bv[r*kb:(r+1)*kb])
	}
	return newNode(out, func(g []float64) {
		for r := 0; r < rows; r++ {
			for c := 0; c < ka; c++ {
				a.grad[r*ka+c] += g[r*(ka+kb)+c]
			}
			for c := 0; c < kb; c++ {
				b.grad[r*kb+c] += g[r*(ka+kb)+ka+c]
			}
		}
	}, a, b)
}

// SliceCols returns columns [from, to) of a (B, K) matrix.
func SliceCols(a *Node, from, to int) *Node {
	assertRank("SliceCols", a, 2)
	rows, cols := a.value.Dim(0), a.value.Dim(1)
	if from < 0 || to > cols || from >= to {
		exceptions.Panicf("graph.SliceCols: invalid range [%d, %d) for %d columns", from, to, cols)
	}
	width := to - from
	out := tensors.New(rows, width)
	av, ov := a.value.Flat(), out.Flat()
	for r := 0; r < rows; r++ {
		copy(ov[r*width:(r+1)*width], av[r*cols+from:r*cols+to])
	}
	return newNode(out, func(g []float64) {
		for r := 0; r < rows; r++ {
			for c := 0; c < width; c++ {
				a.grad[r*cols+from+c] += g[r*width+c]
			}
		}
	}, a)
}

// PermuteCols reorders the columns of a (B, K) matrix: output column c takes
// input column perm[c]. perm must be a permutation of 0..K-1.
func PermuteCols(a *Node, perm []int) *Node {
	assertRank("PermuteCols", a, 2)
	rows, cols := a.value.Dim(0), a.value.Dim(1)
	if len(perm) != cols {
		exceptions.Panicf("graph.PermuteCols: permutation has %d entries for %d columns", len(perm), cols)
	}
	out := tensors.New(rows, cols)
	av, ov := a.value.Flat(), out.Flat()
	for r := 0; r < rows; r++ {
		for c, p := range perm {
			ov[r*cols+c] = av[r*cols+p]
		}
	}
	return newNode(out, func(g []float64) {
		for r := 0; r < rows; r++ {
			for c, p := range perm {
				a.grad[r*cols+p] += g[r*cols+c]
			}
		}
	}, a)
}

// ReduceSum returns the scalar sum of all values.
func ReduceSum(a *Node) *Node {
	out := tensors.New()
	sum := 0.0
	for _, v := range a.value.Flat() {
		sum += v
	}
	out.Flat()[0] = sum
	return newNode(out, func(g []float64) {
		for i := range a.grad {
			a.grad[i] += g[0]
		}
	}, a)
}

// ReduceMean returns the scalar mean of all values.
func ReduceMean(a *Node) *Node {
	n := float64(a.value.Size())
	return MulScalar(ReduceSum(a), 1/n)
}

// SumRows reduces a (B, D) matrix over its columns, returning (B,).
func SumRows(a *Node) *Node {
	assertRank("SumRows", a, 2)
	rows, cols := a.value.Dim(0), a.value.Dim(1)
	out := tensors.New(rows)
	av, ov := a.value.Flat(), out.Flat()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ov[r] += av[r*cols+c]
		}
	}
	return newNode(out, func(g []float64) {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				a.grad[r*cols+c] += g[r]
			}
		}
	}, a)
}

// PairwiseSquaredDistances returns the (Ba, Bb) matrix of squared euclidean
// distances between the rows of a (Ba, D) and the rows of b (Bb, D). It is
// the building block of the MMD kernel estimators.
func PairwiseSquaredDistances(a, b *Node) *Node {
	assertRank("PairwiseSquaredDistances", a, 2)
	assertRank("PairwiseSquaredDistances", b, 2)
	if a.value.Dim(1) != b.value.Dim(1) {
		exceptions.Panicf("graph.PairwiseSquaredDistances: row dimensions differ: %v vs %v",
			a.Dims(), b.Dims())
	}
	ba, bb, d := a.value.Dim(0), b.value.Dim(0), a.value.Dim(1)
	out := tensors.New(ba, bb)
	av, bv, ov := a.value.Flat(), b.value.Flat(), out.Flat()
	for i := 0; i < ba; i++ {
		for j := 0; j < bb; j++ {
			sum := 0.0
			for k := 0; k < d; k++ {
				diff := av[i*d+k] - bv[j*d+k]
				sum += diff * diff
			}
			ov[i*bb+j] = sum
		}
	}
	return newNode(out, func(g []float64) {
		for i := 0; i < ba; i++ {
			for j := 0; j < bb; j++ {
				gij := g[i*bb+j]
				if gij == 0 {
					continue
				}
				for k := 0; k < d; k++ {
					diff := av[i*d+k] - bv[j*d+k]
					a.grad[i*d+k] += 2 * gij * diff
					b.grad[j*d+k] -= 2 * gij * diff
				}
			}
		}
	}, a, b)
}
