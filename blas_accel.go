//go:build accelerate

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Build with `-tags accelerate` (and CGO_LDFLAGS pointing at a system
// BLAS) to route every gonum matrix product through netlib.
func init() {
	blas64.Use(netlib.Implementation{})
}
