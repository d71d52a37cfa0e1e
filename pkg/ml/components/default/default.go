// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package _default registers all the component types of the library.
//
// To use it simply include:
//
//	import _ "github.com/aasseman/pytorchpipe/pkg/ml/components/default"
package _default

import (
	_ "github.com/aasseman/pytorchpipe/pkg/ml/components/language"
	_ "github.com/aasseman/pytorchpipe/pkg/ml/components/models"
	_ "github.com/aasseman/pytorchpipe/pkg/ml/components/transforms"
)
