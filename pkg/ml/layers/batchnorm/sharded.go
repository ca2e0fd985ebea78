// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batchnorm

import (
	"runtime"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxbn "github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// MaxShardsWithoutGrouping is the largest number of shards for which the default grouping keeps every
// shard in its own group. Above it the default group size is max(8, numShards/8).
const MaxShardsWithoutGrouping = 8

// NumShards sets the number of shards the batch is split into by the sharded layer (see DoneSharded).
// The batch size must be divisible by it.
//
// The default (0) uses the largest divisor of the batch size that is not larger than the number of physical
// cores, capped at MaxShardsWithoutGrouping.
func (builder *Config) NumShards(numShards int) *Config {
	builder.numShards = numShards
	return builder
}

// NumShardsPerGroup sets how many contiguous shards have their statistics combined by the sharded layer.
// The number of shards must be divisible by it.
//
// The default (0) is 1 if the number of shards is <= MaxShardsWithoutGrouping, and max(8, numShards/8)
// otherwise.
func (builder *Config) NumShardsPerGroup(numShardsPerGroup int) *Config {
	builder.numShardsPerGroup = numShardsPerGroup
	return builder
}

// DoneSharded returns the sharded batch normalization layer, that emulates the cross-replica batch normalization
// of accelerators: during training, the batch is split along the batch axis (axis 0) in shards, and the
// statistics of the shards are only combined within groups of contiguous shards. Each example is then normalized
// with the statistics of its group, and the moving averages are updated with the average of the groups'
// statistics.
//
// Inference, and training with a single group, are the same as the general layer.
func (builder *Config) DoneSharded() *ShardedBatchNorm {
	if builder.numShards < 0 || builder.numShardsPerGroup < 0 {
		exceptions.Panicf("batchnorm: invalid number of shards (%d) or shards per group (%d)",
			builder.numShards, builder.numShardsPerGroup)
	}
	return &ShardedBatchNorm{
		BatchNorm:         builder.Done(),
		numShards:         builder.numShards,
		numShardsPerGroup: builder.numShardsPerGroup,
	}
}

// ShardedBatchNorm is the sharded batch normalization layer. Create it with New(...).DoneSharded().
type ShardedBatchNorm struct {
	*BatchNorm

	numShards, numShardsPerGroup int
}

// Compile time check of the interface.
var _ Normalizer = (*ShardedBatchNorm)(nil)

// DefaultNumShards returns the number of shards used for the given batch size, if not configured: the largest
// divisor of batchSize not larger than the number of physical cores (capped at MaxShardsWithoutGrouping).
func DefaultNumShards(batchSize int) int {
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	limit := min(cores, MaxShardsWithoutGrouping, batchSize)
	for numShards := limit; numShards > 1; numShards-- {
		if batchSize%numShards == 0 {
			return numShards
		}
	}
	return 1
}

// ShardsPerGroup returns the number of shards per group used for the given number of shards, if not configured.
func ShardsPerGroup(numShards int) int {
	if numShards <= MaxShardsWithoutGrouping {
		return 1
	}
	return max(8, numShards/8)
}

// Sharding returns the number of shards and shards per group used for the given batch size.
// It panics if the batch size is not divisible by the number of shards, or if the number of shards is not
// divisible by the number of shards per group.
func (b *ShardedBatchNorm) Sharding(batchSize int) (numShards, numShardsPerGroup int) {
	numShards = b.numShards
	if numShards == 0 {
		numShards = DefaultNumShards(batchSize)
	}
	if batchSize%numShards != 0 {
		exceptions.Panicf("sharded batch normalization %q: batch size %d is not divisible by the number of shards %d",
			b.name, batchSize, numShards)
	}
	numShardsPerGroup = b.numShardsPerGroup
	if numShardsPerGroup == 0 {
		numShardsPerGroup = ShardsPerGroup(numShards)
	}
	if numShards%numShardsPerGroup != 0 {
		exceptions.Panicf("sharded batch normalization %q: number of shards %d is not divisible by the number "+
			"of shards per group %d", b.name, numShards, numShardsPerGroup)
	}
	return
}

// Apply normalizes x. See DoneSharded for details on how training differs from the general layer.
func (b *ShardedBatchNorm) Apply(x *Node, training bool) *Node {
	if !training {
		return b.BatchNorm.Apply(x, false)
	}
	featureAxis := MustAdjustAxis(b.featureAxis, x)
	if featureAxis == 0 {
		exceptions.Panicf("sharded batch normalization %q: the feature axis can't be the batch axis", b.name)
	}
	batchSize := x.Shape().Dimensions[0]
	numShards, numShardsPerGroup := b.Sharding(batchSize)
	numGroups := numShards / numShardsPerGroup
	if numGroups == 1 {
		return b.BatchNorm.Apply(x, true)
	}
	klog.V(2).Infof("sharded batch normalization %q: %d shards of %d examples, %d shards per group",
		b.name, numShards, batchSize/numShards, numShardsPerGroup)

	g := x.Graph()
	ctx := b.ctx
	ctx.SetTraining(g, true)
	ctx.InAbsPath(context.RootScope).SetParam(gomlxbn.AveragesUpdatesTriggerParam, true)
	varShape := b.variableShape(x)
	featureDim := varShape.Dimensions[0]

	// Groups of contiguous examples: [numGroups, groupSize, ...], the feature axis is shifted by one.
	groupedDims := append([]int{numGroups, batchSize / numGroups}, x.Shape().Dimensions[1:]...)
	grouped := Reshape(x, groupedDims...)
	groupedFeatureAxis := featureAxis + 1
	var statsAxes []int
	for axis := 1; axis < len(groupedDims); axis++ {
		if axis != groupedFeatureAxis {
			statsAxes = append(statsAxes, axis)
		}
	}
	groupMean := StopGradient(ReduceAndKeep(grouped, ReduceMean, statsAxes...))
	groupVariance := StopGradient(ReduceAndKeep(Square(Sub(grouped, groupMean)), ReduceMean, statsAxes...))

	// Moving averages are updated with the average of the groups' statistics.
	meanVar := ctx.WithInitializer(Zero).VariableWithShape(MovingMeanVariableName, varShape).SetTrainable(false)
	varianceVar := ctx.WithInitializer(One).VariableWithShape(MovingVarianceVariableName, varShape).SetTrainable(false)
	weightVar := ctx.WithInitializer(Zero).VariableWithShape(AverageWeightVariableName, varShape).SetTrainable(false)
	allGroupsAxes := append([]int{0}, statsAxes...)
	b.updateMovingAverages(g,
		Reshape(ReduceMean(groupMean, allGroupsAxes...), featureDim),
		Reshape(ReduceMean(groupVariance, allGroupsAxes...), featureDim),
		meanVar, varianceVar, weightVar)

	normalized := Div(Sub(grouped, groupMean), Sqrt(AddScalar(groupVariance, b.epsilon)))
	featureDims := xslices.SliceWithValue(len(groupedDims), 1)
	featureDims[groupedFeatureAxis] = featureDim
	if b.scale {
		scale := ctx.WithInitializer(b.gammaInitializer).VariableWithShape(ScaleVariableName, varShape).SetTrainable(true)
		normalized = Mul(normalized, Reshape(scale.ValueGraph(g), featureDims...))
	}
	if b.center {
		offset := ctx.WithInitializer(Zero).VariableWithShape(OffsetVariableName, varShape).SetTrainable(true)
		normalized = Add(normalized, Reshape(offset.ValueGraph(g), featureDims...))
	}
	return Reshape(normalized, x.Shape().Dimensions...)
}

// updateMovingAverages with the statistics of a batch, following the same debiased momentum rule as
// GoMLX's batchnorm layer, so both layers can share the variables.
func (b *ShardedBatchNorm) updateMovingAverages(g *Graph, batchMean, batchVariance *Node,
	meanVar, varianceVar, weightVar *context.Variable) {
	momentum := Scalar(g, batchMean.DType(), b.momentum)
	weight := OnePlus(weightVar.ValueGraph(g))
	weightVar.SetValueGraph(weight)
	debiasedMomentum := Min(momentum, OneMinus(Reciprocal(weight)))

	update := func(v *context.Variable, batchValue *Node) {
		average := Add(
			Mul(debiasedMomentum, v.ValueGraph(g)),
			Mul(OneMinus(debiasedMomentum), batchValue))
		v.SetValueGraph(average)
	}
	update(meanVar, batchMean)
	update(varianceVar, batchVariance)
}

