// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds the EfficientDet building blocks composed from the normalization and activation layers:
// BatchNormAct, a batch normalization followed by an activation, and DropConnect, the stochastic depth
// regularizer of residual branches.
package layers

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/efficientdet/pkg/ml/layers/activations"
	"github.com/gomlx/efficientdet/pkg/ml/layers/batchnorm"
)

const (
	// ParamBatchNormMomentum context hyperparameter sets the momentum of the moving averages of BatchNormAct
	// blocks configured with BatchNormActConfigFromContext. Default is 0.99.
	ParamBatchNormMomentum = "batch_norm_momentum"

	// ParamBatchNormEpsilon context hyperparameter sets the epsilon added to the variance of BatchNormAct
	// blocks configured with BatchNormActConfigFromContext. Default is 1e-3.
	ParamBatchNormEpsilon = "batch_norm_epsilon"

	// ParamBatchNormUseAccelerated context hyperparameter selects the sharded (accelerator) batch normalization
	// during training. Default is false.
	ParamBatchNormUseAccelerated = "batch_norm_use_accelerated"

	// ParamDataFormat context hyperparameter sets the layout of images: DataFormatChannelsLast (default) or
	// DataFormatChannelsFirst.
	ParamDataFormat = "data_format"

	// DataFormatChannelsLast is the layout of images shaped [batch, height, width, channels].
	DataFormatChannelsLast = "channels_last"

	// DataFormatChannelsFirst is the layout of images shaped [batch, channels, height, width].
	DataFormatChannelsFirst = "channels_first"

	// NoActivation is the value of BatchNormActConfig.Activation for blocks without an activation.
	NoActivation = "none"
)

// ParseDataFormat converts DataFormatChannelsLast or DataFormatChannelsFirst to the images package layout.
func ParseDataFormat(dataFormat string) (images.ChannelsAxisConfig, error) {
	switch dataFormat {
	case DataFormatChannelsLast:
		return images.ChannelsLast, nil
	case DataFormatChannelsFirst:
		return images.ChannelsFirst, nil
	}
	return images.ChannelsLast, errors.Errorf("invalid data format %q: options are %q and %q",
		dataFormat, DataFormatChannelsLast, DataFormatChannelsFirst)
}

// BatchNormActConfig configures a BatchNormAct block. It can be read from YAML or JSON.
//
// It's consumed once by NewBatchNormAct, changing it afterward has no effect on the block.
type BatchNormActConfig struct {
	// IsTraining selects batch statistics (and updates of the moving averages) instead of the moving averages.
	IsTraining bool `json:"is_training" yaml:"is_training"`

	// UseAccelerated selects the sharded batch normalization, if IsTraining is also set.
	UseAccelerated bool `json:"use_accelerated" yaml:"use_accelerated"`

	// DataFormat selects the channels axis, unless Axis is set. See ParseDataFormat.
	DataFormat string `json:"data_format" yaml:"data_format"`

	// Axis overrides the feature axis derived from DataFormat. Negative values count from the end.
	Axis *int `json:"axis,omitempty" yaml:"axis,omitempty"`

	Momentum float64 `json:"momentum" yaml:"momentum"`
	Epsilon  float64 `json:"epsilon" yaml:"epsilon"`

	// InitZero initializes γ (the scale) with zeros instead of ones. Used on the last block of residual branches.
	InitZero bool `json:"init_zero" yaml:"init_zero"`

	// Activation is the name of the activation applied after the normalization (see activations.TypeStrings),
	// or NoActivation.
	Activation string `json:"act_type" yaml:"act_type"`

	// Name of the normalization layer. If empty, a unique name is generated.
	Name string `json:"name" yaml:"name"`

	// ParentName is the scope of the block, usually the name of the enclosing layer. Its parts may be
	// separated by "/". Also used as the name of the activation.
	ParentName string `json:"parent_name" yaml:"parent_name"`

	// NumShards used by the sharded batch normalization. 0 selects a default based on the batch size.
	NumShards int `json:"num_shards,omitempty" yaml:"num_shards,omitempty"`
}

// DefaultBatchNormActConfig returns the configuration of an inference block on channels last images,
// with swish activation.
func DefaultBatchNormActConfig() BatchNormActConfig {
	return BatchNormActConfig{
		DataFormat: DataFormatChannelsLast,
		Momentum:   0.99,
		Epsilon:    1e-3,
		Activation: activations.TypeSwish.String(),
	}
}

// BatchNormActConfigFromContext returns DefaultBatchNormActConfig updated with the context hyperparameters
// ParamBatchNormMomentum, ParamBatchNormEpsilon, ParamBatchNormUseAccelerated, ParamDataFormat and
// activations.ParamActivation.
//
// If g is not nil, IsTraining is set from ctx.IsTraining(g).
//
// It returns an error if any of the hyperparameters can't be converted to its type, or if the data format is
// invalid.
func BatchNormActConfigFromContext(ctx *context.Context, g *Graph) (cfg BatchNormActConfig, err error) {
	cfg = DefaultBatchNormActConfig()
	err = exceptions.TryCatch[error](func() {
		if g != nil {
			cfg.IsTraining = ctx.IsTraining(g)
		}
		cfg.Momentum = context.GetParamOr(ctx, ParamBatchNormMomentum, cfg.Momentum)
		cfg.Epsilon = context.GetParamOr(ctx, ParamBatchNormEpsilon, cfg.Epsilon)
		cfg.UseAccelerated = context.GetParamOr(ctx, ParamBatchNormUseAccelerated, cfg.UseAccelerated)
		cfg.Activation = context.GetParamOr(ctx, activations.ParamActivation, cfg.Activation)
		cfg.DataFormat = context.GetParamOr(ctx, ParamDataFormat, cfg.DataFormat)
	})
	if err == nil {
		_, err = ParseDataFormat(cfg.DataFormat)
	}
	if err != nil {
		err = errors.WithMessagef(err, "BatchNormAct configuration from context scope %q", ctx.Scope())
	}
	return
}

// LoadBatchNormActConfig reads a YAML configuration file. Fields not set in the file take the values
// of DefaultBatchNormActConfig. A "~" prefix in path is replaced by the user's home directory.
func LoadBatchNormActConfig(path string) (BatchNormActConfig, error) {
	cfg := DefaultBatchNormActConfig()
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return cfg, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read BatchNormAct configuration from %q", path)
	}
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse BatchNormAct configuration in %q", path)
	}
	if _, err = ParseDataFormat(cfg.DataFormat); err != nil {
		return cfg, errors.WithMessagef(err, "BatchNormAct configuration in %q", path)
	}
	return cfg, nil
}

// featureAxis returns the normalized axis for the configuration.
func (cfg BatchNormActConfig) featureAxis() (int, error) {
	if cfg.Axis != nil {
		return *cfg.Axis, nil
	}
	dataFormat, err := ParseDataFormat(cfg.DataFormat)
	if err != nil {
		return 0, err
	}
	if dataFormat == images.ChannelsFirst {
		return 1, nil
	}
	return -1, nil
}

// QualifiedName of the normalization layer: "<ParentName>/<Name>", or Name if there is no parent.
func (cfg BatchNormActConfig) QualifiedName() string {
	if cfg.ParentName == "" {
		return cfg.Name
	}
	return cfg.ParentName + context.ScopeSeparator + cfg.Name
}

// BatchNormAct normalizes its input with a batch normalization, and then applies an activation.
//
// The normalization is either the general batchnorm.BatchNorm, or, when training with UseAccelerated set,
// the sharded batchnorm.ShardedBatchNorm. Both are created with the same hyperparameters.
type BatchNormAct struct {
	cfg        BatchNormActConfig
	normalizer batchnorm.Normalizer
	activation *activations.Activation
}

// NewBatchNormAct creates a BatchNormAct block, with its variables in the scope of cfg.QualifiedName
// under ctx. Variables are created the first time the block is applied in a graph.
//
// It returns an error (a wrapped *activations.ConfigurationError) if cfg.Activation is neither a valid
// activation nor NoActivation, or if cfg.DataFormat is invalid.
func NewBatchNormAct(ctx *context.Context, cfg BatchNormActConfig) (*BatchNormAct, error) {
	if cfg.Name == "" {
		cfg.Name = "batch_norm_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	block := &BatchNormAct{cfg: cfg}
	if cfg.Activation != NoActivation {
		activationName := cfg.ParentName
		if activationName == "" {
			activationName = cfg.Name
		}
		var err error
		block.activation, err = activations.NewFromName(cfg.Activation, activationName)
		if err != nil {
			return nil, errors.WithMessagef(err, "BatchNormAct %q", cfg.QualifiedName())
		}
	}
	featureAxis, err := cfg.featureAxis()
	if err != nil {
		return nil, errors.WithMessagef(err, "BatchNormAct %q", cfg.QualifiedName())
	}

	scopeCtx := ctx
	for _, part := range strings.Split(cfg.QualifiedName(), context.ScopeSeparator) {
		if part != "" {
			scopeCtx = scopeCtx.In(part)
		}
	}
	gammaInitializer := batchnorm.One
	if cfg.InitZero {
		gammaInitializer = batchnorm.Zero
	}
	builder := batchnorm.New(scopeCtx, featureAxis).
		Momentum(cfg.Momentum).
		Epsilon(cfg.Epsilon).
		Center(true).
		Scale(true).
		GammaInitializer(gammaInitializer).
		CurrentScope()
	if cfg.IsTraining && cfg.UseAccelerated {
		block.normalizer = builder.NumShards(cfg.NumShards).DoneSharded()
	} else {
		block.normalizer = builder.Done()
	}
	klog.V(1).Infof("BatchNormAct %q: training=%v, accelerated=%v, axis=%d, activation=%q",
		cfg.QualifiedName(), cfg.IsTraining, cfg.IsTraining && cfg.UseAccelerated, featureAxis, cfg.Activation)
	return block, nil
}

// Apply normalizes x and applies the activation. The output has the same shape as x.
//
// It panics if x has no axis matching the configured feature axis, or a different number of features than
// the first input.
func (b *BatchNormAct) Apply(x *Node) *Node {
	y := b.normalizer.Apply(x, b.cfg.IsTraining)
	if b.activation != nil {
		y = b.activation.Apply(y)
	}
	return y
}

// Normalizer returns the normalization layer used by the block.
func (b *BatchNormAct) Normalizer() batchnorm.Normalizer { return b.normalizer }

// Activation returns the activation applied after the normalization, or nil for NoActivation.
func (b *BatchNormAct) Activation() *activations.Activation { return b.activation }

// Config returns the configuration of the block, with the generated name if one was generated.
func (b *BatchNormAct) Config() BatchNormActConfig { return b.cfg }
