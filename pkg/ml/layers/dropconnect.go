// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamSurvivalProbability context hyperparameter sets the probability that an example of a residual branch
	// is kept by DropConnectFromContext. Default is 1, which disables it.
	ParamSurvivalProbability = "survival_prob"

	// MinSurvivalProbability is the exclusive lower bound of the survival probability of DropConnect.
	// Surviving examples are scaled by 1/survivalProbability, which blows up close to 0.
	MinSurvivalProbability = 1e-3
)

// DropConnect implements stochastic depth: during training, each example of the batch (axis 0) is either
// fully dropped (set to zero), with probability 1-survivalProbability, or kept and scaled by
// 1/survivalProbability, so the expected value of the output is the input.
//
// This is usually applied on residual branches, as in `x = Add(residual, dropConnect.Apply(ctx, x))`,
// so at inference, when it is a no-op, no extra computation is needed.
type DropConnect struct {
	survivalProbability float64
}

// NewDropConnect creates a DropConnect with the given survival probability, which must be in the range
// (MinSurvivalProbability, 1].
func NewDropConnect(survivalProbability float64) (*DropConnect, error) {
	if !(survivalProbability > MinSurvivalProbability && survivalProbability <= 1) {
		return nil, errors.Errorf("invalid DropConnect survival probability %g: it must be in the range (%g, 1]",
			survivalProbability, MinSurvivalProbability)
	}
	return &DropConnect{survivalProbability: survivalProbability}, nil
}

// DropConnectFromContext creates a DropConnect with the survival probability set by the context hyperparameter
// ParamSurvivalProbability.
func DropConnectFromContext(ctx *context.Context) (*DropConnect, error) {
	var survivalProbability float64
	err := exceptions.TryCatch[error](func() {
		survivalProbability = context.GetParamOr(ctx, ParamSurvivalProbability, 1.0)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "DropConnect configuration from context scope %q", ctx.Scope())
	}
	return NewDropConnect(survivalProbability)
}

// SurvivalProbability returns the probability of an example being kept.
func (d *DropConnect) SurvivalProbability() float64 { return d.survivalProbability }

// Apply drops whole examples of x (shaped [batchSize, ...]) if ctx.IsTraining for the graph of x.
// Otherwise, or if the survival probability is 1, it returns x unchanged.
//
// The random values are drawn from the context random number generator, see Context.RngStateFromSeed.
func (d *DropConnect) Apply(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if !ctx.IsTraining(g) || d.survivalProbability == 1 {
		return x
	}
	maskShape := x.Shape().Clone()
	for ii := 1; ii < maskShape.Rank(); ii++ {
		maskShape.Dimensions[ii] = 1
	}
	// floor(p + U[0, 1)) is 1 with probability p, and 0 otherwise.
	mask := Floor(AddScalar(ctx.RandomUniform(g, maskShape), d.survivalProbability))
	return Mul(DivScalar(x, d.survivalProbability), mask)
}
