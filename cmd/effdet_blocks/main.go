// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// effdet_blocks runs the EfficientDet building blocks (BatchNormAct followed by DropConnect) on random images,
// and reports statistics of the outputs and of the variables created.
//
// Example:
//
//	go run ./cmd/effdet_blocks -trials=20 -batch=16 -set="activation=relu6;batch_norm_use_accelerated=true"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxcli "github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/gomlx/efficientdet/pkg/ml/layers"
	"github.com/gomlx/efficientdet/pkg/ml/layers/activations"
)

// ParamTraining context hyperparameter selects whether the blocks run in training mode: batch statistics,
// updates of the moving averages and dropped examples. Default is true.
const ParamTraining = "training"

var (
	flagBackend = flag.String("backend", "", "Backend configuration (see "+backends.ConfigEnvVar+
		"). If empty, the default backend is used, which is the pure Go one unless others are linked.")
	flagConfig = flag.String("config", "", "YAML file with the BatchNormAct configuration. "+
		"If not set, the configuration is taken from the context hyperparameters (see -set).")
	flagBatch    = flag.Int("batch", 8, "Batch size of the random images.")
	flagHeight   = flag.Int("height", 32, "Height of the random images.")
	flagWidth    = flag.Int("width", 32, "Width of the random images.")
	flagChannels = flag.Int("channels", 16, "Number of channels of the random images.")
	flagTrials   = flag.Int("trials", 10, "Number of forward passes to run.")
	flagSeed     = flag.Int64("seed", 0, "Seed of the random number generator. 0 uses a random seed.")
	flagDType    = flag.String("dtype", "Float32", "DType of the images: Float16, BFloat16, Float32 or Float64.")

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// createDefaultContext sets the hyperparameters that can be changed with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTraining:                       true,
		context.ParamInitialSeed:            int64(0),
		activations.ParamActivation:         activations.TypeSwish.String(),
		layers.ParamBatchNormMomentum:       0.99,
		layers.ParamBatchNormEpsilon:        1e-3,
		layers.ParamBatchNormUseAccelerated: false,
		layers.ParamDataFormat:              layers.DataFormatChannelsLast,
		layers.ParamSurvivalProbability:     0.8,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := gomlxcli.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet, err := gomlxcli.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Errorf("Failed to parse -set=%q: %+v", *settings, err)
		os.Exit(1)
	}
	if *flagSeed != 0 {
		ctx.SetParam(context.ParamInitialSeed, *flagSeed)
	}
	if len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", gomlxcli.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if klog.V(1).Enabled() {
		fmt.Println(gomlxcli.SprintContextSettings(ctx))
	}

	cfg, err := blockConfig(ctx)
	if err != nil {
		klog.Fatalf("Invalid BatchNormAct configuration: %+v", err)
	}
	dtype, found := dtypes.MapOfNames[*flagDType]
	if !found {
		klog.Fatalf("Unknown dtype %q", *flagDType)
	}
	if *flagBackend != "" {
		if err = os.Setenv(backends.ConfigEnvVar, *flagBackend); err != nil {
			klog.Fatalf("Failed to set backend configuration: %+v", err)
		}
	}
	backend := backends.MustNew()
	defer backend.Finalize()
	klog.V(1).Infof("Backend: %s", backend.Description())

	r := &runner{
		backend:  backend,
		ctx:      ctx,
		cfg:      cfg,
		dtype:    dtype,
		batch:    *flagBatch,
		height:   *flagHeight,
		width:    *flagWidth,
		channels: *flagChannels,
	}
	results, err := r.Run(*flagTrials)
	if err != nil {
		klog.Fatalf("Failed to run blocks: %+v", err)
	}
	fmt.Println(titleStyle.Render("Results"))
	fmt.Println(results.Table())
	fmt.Println(titleStyle.Render("Variables"))
	fmt.Println(variablesTable(ctx))
}

// blockConfig returns the configuration of the BatchNormAct block, from -config if set, or from the context.
func blockConfig(ctx *context.Context) (cfg layers.BatchNormActConfig, err error) {
	if *flagConfig != "" {
		cfg, err = layers.LoadBatchNormActConfig(*flagConfig)
	} else {
		cfg, err = layers.BatchNormActConfigFromContext(ctx, nil)
		if err == nil {
			cfg.IsTraining = context.GetParamOr(ctx, ParamTraining, true)
		}
	}
	if err != nil {
		return
	}
	if cfg.Name == "" {
		cfg.Name = "bn"
	}
	if cfg.ParentName == "" {
		cfg.ParentName = "blocks_0"
	}
	return
}
