// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms implements stateless components that transform tensors.
package transforms

import (
	"reflect"
	"slices"

	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/pkg/errors"
)

// ReshapeTensor reshapes the input tensor to output_dims. The batch dimension is given as -1.
//
// Configuration:
//
//   - input_dims: dimensions of the input, e.g. [-1, 10, 50]. Required.
//   - output_dims: dimensions of the output, e.g. [-1, 500]. Required.
//   - streams: inputs, outputs.
//   - globals: output_size (exported): output_dims[1] if the output has rank 2, output_dims[1:] otherwise.
type ReshapeTensor struct {
	component.Base

	inputDims, outputDims []int
	keyInputs, keyOutputs string
}

var _ component.Component = (*ReshapeTensor)(nil)

// NewReshapeTensor creates a ReshapeTensor from its configuration.
func NewReshapeTensor(name string, config *component.Config, globals *component.Globals) (*ReshapeTensor, error) {
	base, err := component.NewBase(name, config, globals)
	if err != nil {
		return nil, err
	}
	r := &ReshapeTensor{Base: base}
	if r.inputDims, err = config.Ints("input_dims", nil); err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	if r.outputDims, err = config.Ints("output_dims", nil); err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	if len(r.inputDims) == 0 || len(r.outputDims) == 0 {
		return nil, errors.Errorf("component %q: input_dims and output_dims are required", name)
	}
	if inSize, outSize := fixedSize(r.inputDims), fixedSize(r.outputDims); inSize != outSize {
		return nil, errors.Errorf("component %q: input_dims %v and output_dims %v have different sizes per batch",
			name, r.inputDims, r.outputDims)
	}
	var outputSize any = slices.Clone(r.outputDims[1:])
	if len(r.outputDims) == 2 {
		outputSize = r.outputDims[1]
	}
	if len(r.outputDims) > 1 {
		if err = r.SetGlobal("output_size", outputSize); err != nil {
			return nil, err
		}
	}
	r.keyInputs = r.StreamKey("inputs")
	r.keyOutputs = r.StreamKey("outputs")
	return r, nil
}

// fixedSize is the product of the dimensions that are not -1.
func fixedSize(dims []int) int {
	size := 1
	for _, dim := range dims {
		if dim > 0 {
			size *= dim
		}
	}
	return size
}

// InputDataDefinitions implements component.Component.
func (r *ReshapeTensor) InputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{r.keyInputs: {
		Dimensions:  r.inputDims,
		GoType:      reflect.TypeFor[*tensors.Tensor](),
		Description: "Batch of inputs",
	}}
}

// OutputDataDefinitions implements component.Component.
func (r *ReshapeTensor) OutputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{r.keyOutputs: {
		Dimensions:  r.outputDims,
		GoType:      reflect.TypeFor[*tensors.Tensor](),
		Description: "Batch of reshaped outputs",
	}}
}

// Call implements component.Component.
func (r *ReshapeTensor) Call(streams *datastreams.DataStreams) error {
	inputs, err := r.InputStream(streams, "inputs")
	if err != nil {
		return err
	}
	t, ok := inputs.(*tensors.Tensor)
	if !ok {
		return errors.Errorf("%s: input %q must be a tensor, got %T", r.Name(), r.keyInputs, inputs)
	}
	reshaped, err := t.Reshape(r.outputDims...)
	if err != nil {
		return errors.WithMessagef(err, "%s: reshaping %s to %v", r.Name(), t.Shape(), r.outputDims)
	}
	return streams.Publish(map[string]any{r.keyOutputs: reshaped})
}

func init() {
	component.RegisterType("ReshapeTensor", NewReshapeTensor)
}
