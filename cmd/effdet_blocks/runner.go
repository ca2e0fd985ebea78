// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	gomlxcli "github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/gomlx/efficientdet/pkg/ml/layers"
	"github.com/gomlx/efficientdet/pkg/ml/layers/batchnorm"
	"github.com/gomlx/efficientdet/ui/commandline"
)

// runner runs BatchNormAct followed by DropConnect on random images.
type runner struct {
	backend                        backends.Backend
	ctx                            *context.Context
	cfg                            layers.BatchNormActConfig
	dtype                          dtypes.DType
	batch, height, width, channels int
	disableProgressBar             bool
}

// results of the trials.
type results struct {
	shape                   shapes.Shape
	normalizer, activation  string
	survivalProbability     float64
	trials                  int
	means, stddevs, dropped []float64
	durations               []float64
	numParams               int
	memory                  uintptr
}

// inputShape returns the shape of the random images, following the configured data format.
func (r *runner) inputShape() shapes.Shape {
	if r.cfg.DataFormat == layers.DataFormatChannelsFirst {
		return shapes.Make(r.dtype, r.batch, r.channels, r.height, r.width)
	}
	return shapes.Make(r.dtype, r.batch, r.height, r.width, r.channels)
}

// blocksGraph builds the graph of one trial: a new random batch of images goes through block and dropConnect.
// It returns the output converted to Float64, and the fraction of dropped examples.
func (r *runner) blocksGraph(ctx *context.Context, g *Graph, shape shapes.Shape,
	block *layers.BatchNormAct, dropConnect *layers.DropConnect) []*Node {
	ctx.SetTraining(g, r.cfg.IsTraining)
	x := AddScalar(MulScalar(ctx.RandomNormal(g, shape), 2), 1)
	y := ConvertDType(dropConnect.Apply(ctx, block.Apply(x)), dtypes.Float64)

	// Dropped examples are all zeros.
	maxAbs := ReduceMax(Abs(y), xslices.Iota(1, y.Rank()-1)...)
	isDropped := ConvertDType(Equal(maxAbs, ScalarZero(g, dtypes.Float64)), dtypes.Float64)
	return []*Node{y, ReduceAllMean(isDropped)}
}

// Run creates the blocks and runs numTrials forward passes, each on a new random batch of images.
func (r *runner) Run(numTrials int) (res *results, err error) {
	if numTrials <= 0 {
		return nil, errors.Errorf("number of trials must be > 0, got %d", numTrials)
	}
	if !r.dtype.IsFloat() {
		return nil, errors.Errorf("dtype %s not supported, it must be a float", r.dtype)
	}
	if r.batch <= 0 || r.height <= 0 || r.width <= 0 || r.channels <= 0 {
		return nil, errors.Errorf("invalid images dimensions: batch=%d, height=%d, width=%d, channels=%d",
			r.batch, r.height, r.width, r.channels)
	}
	block, err := layers.NewBatchNormAct(r.ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	dropConnect, err := layers.DropConnectFromContext(r.ctx)
	if err != nil {
		return nil, err
	}
	res = &results{
		shape:               r.inputShape(),
		normalizer:          normalizerName(block.Normalizer()),
		activation:          r.cfg.Activation,
		survivalProbability: dropConnect.SurvivalProbability(),
		trials:              numTrials,
	}
	exec, err := context.NewExec(r.backend, r.ctx, func(ctx *context.Context, g *Graph) []*Node {
		return r.blocksGraph(ctx, g, res.shape, block, dropConnect)
	})
	if err != nil {
		return nil, err
	}
	defer exec.Finalize()

	// Shape errors are raised as panics by the layers, when the graph is built.
	err = exceptions.TryCatch[error](func() {
		var pBar *commandline.ProgressBar
		if !r.disableProgressBar {
			pBar = commandline.NewProgressBar(numTrials, "Forward passes")
		}
		for trial := range numTrials {
			start := time.Now()
			outputs := exec.MustExec()
			elapsed := time.Since(start)
			res.durations = append(res.durations, elapsed.Seconds())
			mean, stddev := stat.MeanStdDev(tensors.MustCopyFlatData[float64](outputs[0]), nil)
			res.means = append(res.means, mean)
			res.stddevs = append(res.stddevs, stddev)
			res.dropped = append(res.dropped, tensors.ToScalar[float64](outputs[1]))
			klog.V(2).Infof("trial %d: mean=%g, stddev=%g, elapsed=%s", trial, mean, stddev, elapsed)
			if pBar != nil {
				pBar.Add(1, "Mean", fmt.Sprintf("%.4f", mean), "StdDev", fmt.Sprintf("%.4f", stddev))
			}
		}
		if pBar != nil {
			pBar.Done()
		}
	})
	if err != nil {
		return nil, err
	}
	res.numParams = r.ctx.NumParameters()
	res.memory = r.ctx.Memory()
	return res, nil
}

func normalizerName(normalizer batchnorm.Normalizer) string {
	switch normalizer.(type) {
	case *batchnorm.ShardedBatchNorm:
		return "sharded batch normalization"
	default:
		return "batch normalization"
	}
}

// Table returns the results formatted in a table.
func (res *results) Table() string {
	meanOfMeans, stddevOfMeans := stat.MeanStdDev(res.means, nil)
	meanDuration := time.Duration(stat.Mean(res.durations, nil) * float64(time.Second))
	rows := [][2]string{
		commandline.Row("Input shape", "%s", res.shape),
		commandline.Row("Input size", "%s", humanize.Bytes(uint64(res.shape.Memory()))),
		commandline.Row("Normalization", "%s", res.normalizer),
		commandline.Row("Activation", "%s", res.activation),
		commandline.Row("Survival probability", "%.2f", res.survivalProbability),
		commandline.Row("Trials", "%s", humanize.Comma(int64(res.trials))),
		commandline.Row("Output mean", "%.4f ± %.4f", meanOfMeans, stddevOfMeans),
		commandline.Row("Output stddev", "%.4f", stat.Mean(res.stddevs, nil)),
		commandline.Row("Dropped examples", "%.1f%%", 100*stat.Mean(res.dropped, nil)),
		commandline.Row("Forward pass", "%s", gomlxcli.FormatDuration(meanDuration)),
		commandline.Row("# parameters", "%s", humanize.Comma(int64(res.numParams))),
		commandline.Row("Variables memory", "%s", humanize.Bytes(uint64(res.memory))),
	}
	return commandline.SprintTable("Results", rows)
}

// variablesTable lists the variables in the context.
func variablesTable(ctx *context.Context) string {
	var rows [][2]string
	for v := range ctx.IterVariables() {
		trainable := ""
		if !v.Trainable {
			trainable = ", not trainable"
		}
		rows = append(rows, commandline.Row(v.ScopeAndName(), "%s%s", v.Shape(), trainable))
	}
	return commandline.SprintTable("Variable", rows)
}
