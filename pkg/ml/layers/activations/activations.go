// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the activations used by the EfficientDet blocks, and includes a generic Apply
// method to apply an activation by its type.
//
// There is also FromName to convert an activation name (string) to its type, the Activation selector that
// validates the activation once at construction, and ApplyFromContext that applies an activation based on the
// hyperparameter ParamActivation defined in a context.
package activations

import (
	"encoding/json"
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxact "github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

const (
	// ParamActivation context hyperparameter defines the activation to use, for models using ApplyFromContext.
	// Available values are: `swish`, `swish_native`, `relu` and `relu6`.
	// The default is `swish`.
	ParamActivation = "activation"
)

// Type is an enum for the supported activation functions.
//
// It is converted to snake-format strings (e.g.: TypeSwishNative -> "swish_native"), and can be converted
// from string by using FromName.
//
// The zero value is not a valid activation.
type Type int

const (
	// TypeSwish uses the framework's swish (gomlx activations.Swish).
	TypeSwish Type = iota + 1

	// TypeSwishNative computes x*sigmoid(x) from its primitives.
	TypeSwishNative

	TypeRelu

	// TypeRelu6 is relu capped at 6: min(max(x, 0), 6).
	TypeRelu6
)

//go:generate go tool enumer -type=Type -trimprefix=Type -transform=snake -values -text -json -yaml -output=gen_type_enumer.go activations.go

// ConfigurationError is returned when an activation is configured with an unknown tag.
type ConfigurationError struct {
	// Tag is the offending activation tag.
	Tag string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid activation %q: options are %v", e.Tag, TypeStrings())
}

// IsConfigurationError returns whether err (or any error it wraps) is a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}

// FromName converts the name of an activation to its type. Names are case-sensitive: "relu6" is valid,
// "RELU6" is not.
//
// It returns a *ConfigurationError (with a stack trace) if the name is invalid.
func FromName(activationName string) (Type, error) {
	activation, err := TypeString(activationName)
	if err != nil || !activation.IsAType() || activation.String() != activationName {
		return 0, errors.WithStack(&ConfigurationError{Tag: activationName})
	}
	return activation, nil
}

// MustFromName is like FromName, but panics on an invalid name.
func MustFromName(activationName string) Type {
	activation, err := FromName(activationName)
	if err != nil {
		panic(err)
	}
	return activation
}

// Apply the given activation type to x. The output has the same shape as x.
//
// It panics for an invalid activation type, see TypeValues for valid values.
func Apply(activation Type, x *Node) *Node {
	switch activation {
	case TypeSwish:
		return Swish(x)
	case TypeSwishNative:
		return SwishNative(x)
	case TypeRelu:
		return Relu(x)
	case TypeRelu6:
		return Relu6(x)
	default:
		exceptions.Panicf("Apply got invalid activation value %d: options are %v", activation, TypeValues())
	}
	return nil
}

// ApplyFromContext picks an activation function from the context using [ParamActivation] parameter,
// and applies it to x.
//
// It defaults to "swish", and it panics if the hyperparameter holds an invalid activation.
func ApplyFromContext(ctx *context.Context, x *Node) *Node {
	activationName := context.GetParamOr(ctx, ParamActivation, TypeSwish.String())
	return Apply(MustFromName(activationName), x)
}

// Relu activation function. It returns Max(x, 0), and is commonly used as an activation function in neural networks.
func Relu(x *Node) *Node {
	return gomlxact.Relu(x)
}

// Relu6 activation function: relu capped at 6, used in mobile friendly networks.
//
// It returns Min(Max(x, 0), 6).
func Relu6(x *Node) *Node {
	return ClipScalar(x, 0, 6)
}

// Swish activation (or SiLU) returns `x * Sigmoid(x)`, as implemented by the framework.
//
// The SiLU activation function was introduced in "Gaussian Error Linear Units
// (GELUs)" [Hendrycks et al. 2016](https://arxiv.org/abs/1606.08415) and
// "Sigmoid-Weighted Linear Units for Neural Network Function Approximation in
// Reinforcement Learning"
// [Elfwing et al. 2017](https://arxiv.org/abs/1702.03118) and was independently
// discovered (and called swish) in "Searching for Activation Functions"
// [Ramachandran et al. 2017](https://arxiv.org/abs/1710.05941)
func Swish(x *Node) *Node {
	return gomlxact.Swish(x)
}

// SwishNative returns `x * Sigmoid(x)`, built from the primitive operations.
func SwishNative(x *Node) *Node {
	return Mul(x, Sigmoid(x))
}

// Activation applies an activation selected (and validated) at construction time.
//
// It holds no state besides its configuration, and it's safe for concurrent use.
type Activation struct {
	name string
	kind Type
}

// New creates an Activation of the given type, named name.
// It returns a *ConfigurationError if kind is not a valid Type.
func New(kind Type, name string) (*Activation, error) {
	if !kind.IsAType() {
		return nil, errors.WithStack(&ConfigurationError{Tag: kind.String()})
	}
	return &Activation{name: name, kind: kind}, nil
}

// NewFromName creates an Activation from the name of its type (e.g.: "relu6"), named name.
// It returns a *ConfigurationError if tag is not a valid activation name.
func NewFromName(tag, name string) (*Activation, error) {
	kind, err := FromName(tag)
	if err != nil {
		return nil, errors.WithMessagef(err, "activation layer %q", name)
	}
	return New(kind, name)
}

// Apply the activation to x. The output has the same shape as x.
func (a *Activation) Apply(x *Node) *Node {
	return Apply(a.kind, x)
}

// Type of the activation.
func (a *Activation) Type() Type { return a.kind }

// Name of the activation layer.
func (a *Activation) Name() string { return a.name }

// Config of an Activation, as serialized by Activation.Config.
type Config struct {
	Name    string `json:"name" yaml:"name"`
	ActType Type   `json:"act_type" yaml:"act_type"`
}

// Config returns the serializable configuration of the activation.
// NewFromConfig recreates the Activation from it.
func (a *Activation) Config() Config {
	return Config{Name: a.name, ActType: a.kind}
}

// NewFromConfig recreates an Activation from its configuration.
func NewFromConfig(config Config) (*Activation, error) {
	return New(config.ActType, config.Name)
}

// MarshalJSON implements json.Marshaler, by serializing the activation's Config.
func (a *Activation) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Config())
}
