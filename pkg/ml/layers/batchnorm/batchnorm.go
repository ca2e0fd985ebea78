// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package batchnorm implements the batch normalization layers used by the EfficientDet blocks: a general one
// (BatchNorm), built on GoMLX's batchnorm layer, and one emulating the cross-replica batch normalization of
// accelerators (ShardedBatchNorm), where the batch is split in shards whose statistics are only combined
// within groups of shards.
//
// Both layers are configured with the same builder (see New), share the same variables and accept an
// explicit initializer for the γ (scale) variable.
//
// Based on paper "Batch Normalization: Accelerating Deep Network Training by Reducing
// Internal Covariate Shift" (Sergey Ioffe, Christian Szegedy), https://arxiv.org/abs/1502.03167.
package batchnorm

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxbn "github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"k8s.io/klog/v2"
)

const (
	// BatchNormalizationScopeName is used as the default sub-scope for batch normalization variables.
	BatchNormalizationScopeName = gomlxbn.BatchNormalizationScopeName

	// ScaleVariableName is the name of the learned scale (γ) variable.
	ScaleVariableName = "scale"

	// OffsetVariableName is the name of the learned offset (β) variable.
	OffsetVariableName = "offset"

	// MovingMeanVariableName is the name of the moving average of the mean, used for inference.
	MovingMeanVariableName = "mean"

	// MovingVarianceVariableName is the name of the moving average of the variance, used for inference.
	MovingVarianceVariableName = "variance"

	// AverageWeightVariableName is the name of the variable counting the updates of the moving averages,
	// used to debias them during the first steps.
	AverageWeightVariableName = "avg_weight"
)

// One initializes variables with 1. It is the default initializer of γ.
func One(g *Graph, shape shapes.Shape) *Node { return Ones(g, shape) }

// Zero initializes variables with 0. Used for γ in the last block of residual branches, so the branch
// initially contributes nothing.
func Zero(g *Graph, shape shapes.Shape) *Node { return Zeros(g, shape) }

// Normalizer is implemented by the batch normalization layers.
type Normalizer interface {
	// Name of the layer.
	Name() string

	// Scope where the variables of the layer are created.
	Scope() string

	// Apply normalizes x. If training is true, it uses the batch statistics and updates the moving averages,
	// otherwise it uses the moving averages.
	Apply(x *Node, training bool) *Node

	// ScaleVariable returns the γ variable, or nil if the layer has no scale or has not been applied yet.
	ScaleVariable() *context.Variable

	// OffsetVariable returns the β variable, or nil if the layer has no offset or has not been applied yet.
	OffsetVariable() *context.Variable

	// MovingMeanVariable returns the moving average of the mean, or nil if the layer has not been applied yet.
	MovingMeanVariable() *context.Variable

	// MovingVarianceVariable returns the moving average of the variance, or nil if the layer has not been
	// applied yet.
	MovingVarianceVariable() *context.Variable
}

// Config for a batch normalization layer.
// Create it with New, set the desired parameters, and when all is set, call Done or DoneSharded.
type Config struct {
	ctx               *context.Context
	featureAxis       int
	momentum, epsilon float64
	center, scale     bool
	gammaInitializer  context.VariableInitializer
	scopeName         string

	numShards, numShardsPerGroup int
}

// New creates a builder of a batch normalization layer. It includes a scaling and offset factor,
// and normalization over the batch entries.
// It maintains a moving average mean and variance of the inputs which is later used during inference.
//
// featureAxis is the axis over which **not to normalize**: this will normalize over the other dimensions,
// calculating the mean and variance by reducing all other dimensions.
// E.g: if your input is an image of shape `[batch_size, height, width, channels]` you should use
// featureAxis=3 (same as -1) to normalize over the batch and all the pixels, so each channel is
// normalized differently. Negative values are resolved against the rank of the input.
//
// Once configured call Config.Done to get the general layer, or Config.DoneSharded for the sharded
// (accelerator) layer. Both share the same hyperparameters and variables.
func New(ctx *context.Context, featureAxis int) *Config {
	return &Config{
		ctx:              ctx,
		featureAxis:      featureAxis,
		momentum:         0.99,
		epsilon:          1e-3,
		center:           true,
		scale:            true,
		gammaInitializer: One,
		scopeName:        BatchNormalizationScopeName,
	}
}

// Momentum sets the moment of the moving averages collected for the mean and variance of the values.
// The moving averages are updated at every training step as `moving = moving*m + batch*(1-m)`, where
// m is the momentum debiased by the number of updates so far: `m = min(momentum, 1-1/(1+updates))`.
// The default is 0.99.
func (builder *Config) Momentum(value float64) *Config {
	builder.momentum = value
	return builder
}

// Epsilon is a small float added to variance to avoid dividing by zero.
// It defaults to 1e-3.
func (builder *Config) Epsilon(value float64) *Config {
	builder.epsilon = value
	return builder
}

// Center defines whether the batch normalization tries to center the input by adding a learned offset.
// Default to true.
//
// This is also called the β (beta) parameter, and referred to as a "learnable offset".
func (builder *Config) Center(value bool) *Config {
	builder.center = value
	return builder
}

// Scale defines whether the batch normalization tries to scale the input by adding a learned scale. Default to true.
//
// This is also called the γ (gamma) parameter.
func (builder *Config) Scale(value bool) *Config {
	builder.scale = value
	return builder
}

// GammaInitializer sets the initializer of the γ (scale) variable. The default is One.
//
// It only affects variables not yet initialized: a γ loaded from a checkpoint keeps its value.
func (builder *Config) GammaInitializer(initializer context.VariableInitializer) *Config {
	builder.gammaInitializer = initializer
	return builder
}

// Name sets the sub-scope where the variables are created. It defaults to BatchNormalizationScopeName.
func (builder *Config) Name(name string) *Config {
	builder.scopeName = name
	return builder
}

// CurrentScope configures the layer not to create a new sub-scope for its variables.
func (builder *Config) CurrentScope() *Config {
	builder.scopeName = ""
	return builder
}

// Done returns the general batch normalization layer.
//
// It panics if the momentum is not in [0, 1] or epsilon is negative.
func (builder *Config) Done() *BatchNorm {
	if builder.momentum < 0 || builder.momentum > 1 {
		exceptions.Panicf("batchnorm: momentum must be in [0, 1], got %g", builder.momentum)
	}
	if builder.epsilon < 0 {
		exceptions.Panicf("batchnorm: epsilon must be >= 0, got %g", builder.epsilon)
	}
	if builder.gammaInitializer == nil {
		exceptions.Panicf("batchnorm: nil gamma initializer")
	}
	ctx := builder.ctx
	name := ctx.Scope()
	if builder.scopeName != "" {
		ctx = ctx.In(builder.scopeName)
		name = builder.scopeName
	}
	return &BatchNorm{
		// Variables are shared among the graphs built by the layer: e.g. training and inference.
		ctx:              ctx.Checked(false),
		name:             name,
		featureAxis:      builder.featureAxis,
		momentum:         builder.momentum,
		epsilon:          builder.epsilon,
		center:           builder.center,
		scale:            builder.scale,
		gammaInitializer: builder.gammaInitializer,
	}
}

// BatchNorm is the general batch normalization layer. Create it with New(...).Done().
//
// The normalization itself is done by GoMLX's batchnorm layer, with the variables created in the layer's
// scope.
type BatchNorm struct {
	ctx               *context.Context
	name              string
	featureAxis       int
	momentum, epsilon float64
	center, scale     bool
	gammaInitializer  context.VariableInitializer
}

// Compile time check of the interface.
var _ Normalizer = (*BatchNorm)(nil)

// Name of the layer.
func (b *BatchNorm) Name() string { return b.name }

// Scope where the variables are created.
func (b *BatchNorm) Scope() string { return b.ctx.Scope() }

// Momentum of the moving averages.
func (b *BatchNorm) Momentum() float64 { return b.momentum }

// Epsilon added to the variance.
func (b *BatchNorm) Epsilon() float64 { return b.epsilon }

// FeatureAxis returns the configured feature axis. It may be negative, see New.
func (b *BatchNorm) FeatureAxis() int { return b.featureAxis }

// Apply normalizes x. If training is true, x is normalized with its own mean and variance, and these are
// used to update the moving averages. Otherwise, x is normalized with the moving averages.
//
// It panics if the feature axis is invalid for x, or if x has a different number of features than
// the variables already created.
func (b *BatchNorm) Apply(x *Node, training bool) *Node {
	g := x.Graph()
	b.ctx.SetTraining(g, training)
	klog.V(2).Infof("batch normalization %q (scope %q): training=%v, input %s", b.name, b.Scope(), training, x.Shape())
	normalized := gomlxbn.New(b.ctx, x, b.featureAxis).
		Momentum(b.momentum).
		Epsilon(b.epsilon).
		Center(b.center).
		Scale(b.scale).
		CurrentScope().
		UseBackendInference(false).
		Done()
	b.registerGammaInitializer(x)
	return normalized
}

// registerGammaInitializer sets the configured initializer on the γ variable, replacing the default one set
// by GoMLX's layer. It has no effect if the variable already has a value.
func (b *BatchNorm) registerGammaInitializer(x *Node) {
	if !b.scale {
		return
	}
	b.ctx.WithInitializer(b.gammaInitializer).VariableWithShape(ScaleVariableName, b.variableShape(x))
}

// variableShape returns the shape of the per-feature variables for x.
func (b *BatchNorm) variableShape(x *Node) shapes.Shape {
	featureAxis := MustAdjustAxis(b.featureAxis, x)
	return shapes.Make(x.DType(), x.Shape().Dimensions[featureAxis])
}

func (b *BatchNorm) variable(name string) *context.Variable {
	return b.ctx.GetVariableByScopeAndName(b.ctx.Scope(), name)
}

// ScaleVariable returns the γ variable, or nil if Scale(false) or not applied yet.
func (b *BatchNorm) ScaleVariable() *context.Variable {
	if !b.scale {
		return nil
	}
	return b.variable(ScaleVariableName)
}

// OffsetVariable returns the β variable, or nil if Center(false) or not applied yet.
func (b *BatchNorm) OffsetVariable() *context.Variable {
	if !b.center {
		return nil
	}
	return b.variable(OffsetVariableName)
}

// MovingMeanVariable returns the moving average of the mean, or nil if not applied yet.
func (b *BatchNorm) MovingMeanVariable() *context.Variable { return b.variable(MovingMeanVariableName) }

// MovingVarianceVariable returns the moving average of the variance, or nil if not applied yet.
func (b *BatchNorm) MovingVarianceVariable() *context.Variable {
	return b.variable(MovingVarianceVariableName)
}
