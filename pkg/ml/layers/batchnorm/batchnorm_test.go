// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batchnorm

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func newBackend(t *testing.T) backends.Backend {
	backend := backends.MustNew()
	t.Cleanup(backend.Finalize)
	return backend
}

// apply executes normalizer on x, with the variables stored in ctx.
func apply(backend backends.Backend, ctx *context.Context, normalizer Normalizer, x any, training bool) *tensors.Tensor {
	return context.MustExecOnce(backend, ctx, func(_ *context.Context, x *Node) *Node {
		return normalizer.Apply(x, training)
	}, x)
}

// randomNormal returns a tensor with normally distributed values.
func randomNormal(backend backends.Backend, seed int64, shape shapes.Shape, mean, stddev float64) *tensors.Tensor {
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(seed))
	return context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return AddScalar(MulScalar(ctx.RandomNormal(g, shape), stddev), mean)
	})
}

func values(v *context.Variable) []float64 {
	return tensors.MustCopyFlatData[float64](v.MustValue())
}

// featureMoments returns the mean and (biased) variance of each feature of flat, with the feature as the
// last axis of numFeatures.
func featureMoments(flat []float64, numFeatures int) (means, variances []float64) {
	for feature := range numFeatures {
		var column []float64
		for ii := feature; ii < len(flat); ii += numFeatures {
			column = append(column, flat[ii])
		}
		mean, variance := stat.PopMeanVariance(column, nil)
		means = append(means, mean)
		variances = append(variances, variance)
	}
	return
}

func TestBatchNormTraining(t *testing.T) {
	backend := newBackend(t)
	ctx := context.New()
	bn := New(ctx, -1).Done()
	assert.Equal(t, BatchNormalizationScopeName, bn.Name())
	assert.Equal(t, "/"+BatchNormalizationScopeName, bn.Scope())
	assert.Equal(t, -1, bn.FeatureAxis())
	assert.Nil(t, bn.MovingMeanVariable())

	x := [][]float64{{1, 10}, {2, 20}, {3, 30}, {6, 60}}
	y := apply(backend, ctx, bn, x, true)
	assert.Equal(t, []int{4, 2}, y.Shape().Dimensions)

	// Batch statistics: mean=(3, 30), variance=(3.5, 350).
	means, variances := featureMoments(tensors.MustCopyFlatData[float64](y), 2)
	assert.InDeltaSlice(t, []float64{0, 0}, means, 1e-9)
	assert.InDelta(t, 3.5/(3.5+1e-3), variances[0], 1e-9)
	assert.InDelta(t, 350/(350+1e-3), variances[1], 1e-9)

	// The first update is debiased: the moving averages take the batch statistics.
	assert.InDeltaSlice(t, []float64{3, 30}, values(bn.MovingMeanVariable()), 1e-9)
	assert.InDeltaSlice(t, []float64{3.5, 350}, values(bn.MovingVarianceVariable()), 1e-9)

	// Second update with a shifted batch: momentum is min(0.99, 1-1/2)=0.5.
	shifted := [][]float64{{3, 10}, {4, 20}, {5, 30}, {8, 60}}
	apply(backend, ctx, bn, shifted, true)
	assert.InDeltaSlice(t, []float64{4, 30}, values(bn.MovingMeanVariable()), 1e-9)
	assert.InDeltaSlice(t, []float64{3.5, 350}, values(bn.MovingVarianceVariable()), 1e-9)

	// Variables are created in the layer's scope with the usual names.
	scoped := ctx.In(BatchNormalizationScopeName)
	for _, name := range []string{ScaleVariableName, OffsetVariableName, MovingMeanVariableName,
		MovingVarianceVariableName, AverageWeightVariableName} {
		v := scoped.GetVariable(name)
		require.NotNil(t, v, "variable %q", name)
		assert.Equal(t, shapes.Make(dtypes.Float64, 2), v.Shape())
	}
	assert.Equal(t, []float64{2, 2}, values(scoped.GetVariable(AverageWeightVariableName)))
	assert.True(t, bn.ScaleVariable().Trainable)
	assert.True(t, bn.OffsetVariable().Trainable)
	assert.False(t, bn.MovingMeanVariable().Trainable)
	assert.False(t, bn.MovingVarianceVariable().Trainable)
}

func TestBatchNormInference(t *testing.T) {
	backend := newBackend(t)
	ctx := context.New()
	bn := New(ctx, 1).Epsilon(0).Done()
	x := [][]float64{{1, -2}, {3, 4}}

	// Fresh moving averages (mean=0, variance=1) leave the input untouched.
	y := apply(backend, ctx, bn, x, false)
	assert.Equal(t, x, y.Value())
	assert.Equal(t, []float64{0, 0}, values(bn.MovingMeanVariable()))

	bn.MovingMeanVariable().MustSetValue(tensors.FromValue([]float64{1, 2}))
	bn.MovingVarianceVariable().MustSetValue(tensors.FromValue([]float64{4, 16}))
	bn.ScaleVariable().MustSetValue(tensors.FromValue([]float64{2, 1}))
	bn.OffsetVariable().MustSetValue(tensors.FromValue([]float64{0, 10}))
	y = apply(backend, ctx, bn, x, false)
	assert.InDeltaSlice(t, []float64{0, 9, 2, 10.5}, tensors.MustCopyFlatData[float64](y), 1e-9)

	// Inference doesn't change the moving averages.
	assert.Equal(t, []float64{1, 2}, values(bn.MovingMeanVariable()))
}

func TestBatchNormOptions(t *testing.T) {
	backend := newBackend(t)
	ctx := context.New()
	x := randomNormal(backend, 42, shapes.Make(dtypes.Float32, 2, 3, 3, 4), 1, 2)

	// γ initialized with zeros: output is the offset, also zero.
	bn := New(ctx, -1).Name("zero_gamma").GammaInitializer(Zero).Done()
	y := apply(backend, ctx, bn, x, true)
	for _, v := range tensors.MustCopyFlatData[float32](y) {
		require.Equal(t, float32(0), v)
	}
	assert.Equal(t, []float32{0, 0, 0, 0}, tensors.MustCopyFlatData[float32](bn.ScaleVariable().MustValue()))

	bn = New(ctx, -1).Name("one_gamma").Done()
	apply(backend, ctx, bn, x, false)
	assert.Equal(t, []float32{1, 1, 1, 1}, tensors.MustCopyFlatData[float32](bn.ScaleVariable().MustValue()))

	bn = New(ctx, -1).Name("no_affine").Center(false).Scale(false).Momentum(0.5).Done()
	assert.Equal(t, "no_affine", bn.Name())
	assert.Equal(t, "/no_affine", bn.Scope())
	assert.Equal(t, 0.5, bn.Momentum())
	apply(backend, ctx, bn, x, true)
	assert.Nil(t, bn.ScaleVariable())
	assert.Nil(t, bn.OffsetVariable())
	assert.NotNil(t, ctx.In("no_affine").GetVariable(MovingMeanVariableName))
	assert.Nil(t, ctx.In("no_affine").GetVariable(ScaleVariableName))

	inner := ctx.In("block")
	bn = New(inner, 1).CurrentScope().Done()
	assert.Equal(t, "/block", bn.Name())
	apply(backend, ctx, bn, x, false)
	require.NotNil(t, inner.GetVariable(ScaleVariableName))
	assert.Equal(t, shapes.Make(dtypes.Float32, 3), inner.GetVariable(ScaleVariableName).Shape())
}

func TestBatchNormErrors(t *testing.T) {
	backend := newBackend(t)
	ctx := context.New()
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Panics(t, func() { apply(backend, ctx, New(ctx, 2).Name("bn_axis").Done(), x, true) })
	require.Panics(t, func() { apply(backend, ctx, New(ctx, -3).Name("bn_neg").Done(), x, true) })
	require.Panics(t, func() { New(ctx, 1).Momentum(1.5).Done() })
	require.Panics(t, func() { New(ctx, 1).Epsilon(-1).Done() })
	require.Panics(t, func() { New(ctx, 1).GammaInitializer(nil).Done() })

	bn := New(ctx, -1).Name("bn_ok").Done()
	apply(backend, ctx, bn, x, true)
	require.Panics(t, func() { apply(backend, ctx, bn, tensors.FromShape(shapes.Make(dtypes.Float32, 2, 4)), true) })
	require.NotPanics(t, func() { apply(backend, ctx, bn, tensors.FromShape(shapes.Make(dtypes.Float32, 5, 3)), false) })

	// A second layer with the same name shares the variables.
	numVars := ctx.NumVariables()
	apply(backend, ctx, New(ctx, -1).Name("bn_ok").DoneSharded(), x, false)
	assert.Equal(t, numVars, ctx.NumVariables())
}

func TestShardedSingleGroupMatchesGeneral(t *testing.T) {
	backend := newBackend(t)
	x := randomNormal(backend, 7, shapes.Make(dtypes.Float64, 8, 3, 3, 5), 2, 3)

	generalCtx, shardedCtx := context.New(), context.New()
	general := New(generalCtx, -1).Done()
	sharded := New(shardedCtx, -1).NumShards(4).NumShardsPerGroup(4).DoneSharded()
	numShards, perGroup := sharded.Sharding(8)
	assert.Equal(t, 4, numShards)
	assert.Equal(t, 4, perGroup)

	for range 2 {
		want := apply(backend, generalCtx, general, x, true)
		got := apply(backend, shardedCtx, sharded, x, true)
		require.True(t, want.InDelta(got, 1e-9))
	}
	assert.InDeltaSlice(t, values(general.MovingMeanVariable()), values(sharded.MovingMeanVariable()), 1e-9)
	assert.InDeltaSlice(t, values(general.MovingVarianceVariable()), values(sharded.MovingVarianceVariable()), 1e-9)

	// Inference is the same as the general layer.
	want := apply(backend, generalCtx, general, x, false)
	got := apply(backend, shardedCtx, sharded, x, false)
	require.True(t, want.InDelta(got, 1e-9))
}

// applyConcatenated applies normalizer in training mode to the concatenation of first and second on the
// batch axis.
func applyConcatenated(backend backends.Backend, ctx *context.Context, normalizer Normalizer, first, second *tensors.Tensor) []float64 {
	y := context.MustExecOnce(backend, ctx, func(_ *context.Context, first, second *Node) *Node {
		return normalizer.Apply(Concatenate([]*Node{first, second}, 0), true)
	}, first, second)
	return tensors.MustCopyFlatData[float64](y)
}

func TestShardedPerShardStatistics(t *testing.T) {
	backend := newBackend(t)
	first := randomNormal(backend, 11, shapes.Make(dtypes.Float64, 3, 4, 2), 0, 1)
	second := randomNormal(backend, 12, shapes.Make(dtypes.Float64, 3, 4, 2), 5, 2)

	ctx := context.New()
	sharded := New(ctx, -1).Momentum(0).NumShards(2).DoneSharded()
	numShards, perGroup := sharded.Sharding(6)
	assert.Equal(t, 2, numShards)
	assert.Equal(t, 1, perGroup)
	y := applyConcatenated(backend, ctx, sharded, first, second)

	// Each shard is normalized on its own.
	half := first.Size()
	ctxFirst, ctxSecond := context.New(), context.New()
	wantFirst := apply(backend, ctxFirst, New(ctxFirst, -1).Done(), first, true)
	wantSecond := apply(backend, ctxSecond, New(ctxSecond, -1).Done(), second, true)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float64](wantFirst), y[:half], 1e-9)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float64](wantSecond), y[half:], 1e-9)

	// With momentum 0 the moving averages hold the average of the groups' statistics.
	firstMeans, firstVariances := featureMoments(tensors.MustCopyFlatData[float64](first), 2)
	secondMeans, secondVariances := featureMoments(tensors.MustCopyFlatData[float64](second), 2)
	movingMean := values(sharded.MovingMeanVariable())
	movingVariance := values(sharded.MovingVarianceVariable())
	for ii := range 2 {
		assert.InDelta(t, (firstMeans[ii]+secondMeans[ii])/2, movingMean[ii], 1e-9)
		assert.InDelta(t, (firstVariances[ii]+secondVariances[ii])/2, movingVariance[ii], 1e-9)
	}
}

func TestShardedGroupStatistics(t *testing.T) {
	// 16 shards: default group size is 8, so 2 groups, each normalized with its own statistics.
	backend := newBackend(t)
	first := randomNormal(backend, 3, shapes.Make(dtypes.Float64, 8, 3), -1, 1)
	second := randomNormal(backend, 4, shapes.Make(dtypes.Float64, 8, 3), 4, 3)

	ctx := context.New()
	sharded := New(ctx, 1).NumShards(16).DoneSharded()
	_, perGroup := sharded.Sharding(16)
	assert.Equal(t, 8, perGroup)
	y := applyConcatenated(backend, ctx, sharded, first, second)

	ctxFirst, ctxSecond := context.New(), context.New()
	wantFirst := apply(backend, ctxFirst, New(ctxFirst, 1).Done(), first, true)
	wantSecond := apply(backend, ctxSecond, New(ctxSecond, 1).Done(), second, true)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float64](wantFirst), y[:24], 1e-9)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float64](wantSecond), y[24:], 1e-9)
}

func TestShardedErrors(t *testing.T) {
	backend := newBackend(t)
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 6, 4))
	sharded := func(builder *Config) Normalizer { return builder.DoneSharded() }
	ctx := context.New()
	require.Panics(t, func() { apply(backend, ctx, sharded(New(ctx, -1).NumShards(4)), x, true) })
	require.Panics(t, func() { apply(backend, ctx, sharded(New(ctx, -1).NumShards(6).NumShardsPerGroup(4)), x, true) })
	require.Panics(t, func() { New(ctx, -1).NumShards(-1).DoneSharded() })
	require.Panics(t, func() { apply(backend, ctx, sharded(New(ctx, 0).Name("axis0").NumShards(2)), x, true) })

	// Inference doesn't shard.
	require.NotPanics(t, func() { apply(backend, ctx, sharded(New(ctx, -1).NumShards(4)), x, false) })
}

func TestDefaultSharding(t *testing.T) {
	for _, batchSize := range []int{1, 2, 6, 7, 12, 64} {
		numShards := DefaultNumShards(batchSize)
		assert.GreaterOrEqual(t, numShards, 1)
		assert.LessOrEqual(t, numShards, MaxShardsWithoutGrouping)
		assert.Zero(t, batchSize%numShards, "batch size %d, shards %d", batchSize, numShards)
	}
	assert.Equal(t, 1, ShardsPerGroup(1))
	assert.Equal(t, 1, ShardsPerGroup(8))
	assert.Equal(t, 8, ShardsPerGroup(16))
	assert.Equal(t, 8, ShardsPerGroup(32))
	assert.Equal(t, 16, ShardsPerGroup(128))

	backend := newBackend(t)
	ctx := context.New()
	sharded := New(ctx, -1).DoneSharded()
	y := apply(backend, ctx, sharded, [][]float64{{1, 2}, {3, 5}, {5, 11}, {7, 2}}, true)
	for _, v := range tensors.MustCopyFlatData[float64](y) {
		require.False(t, math.IsNaN(v))
	}
}
