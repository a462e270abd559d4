//go:build cgo

package main

// Registers the netlib BLAS implementation (Accelerate on macOS,
// OpenBLAS on Linux) for gonum consumers when cgo is available.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("⚡ CGO/BLAS Acceleration Enabled (netlib)")
}
