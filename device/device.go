// Package device picks the gomlx backend the network runs on.
//
// A Context owns that backend and decides whether the loader should recycle
// host buffers. It is chosen once from the configuration; the model is built
// on its backend and the trainer logs its name.
package device

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ErrNoCUDA is returned by NewCUDA when the binary was built without CUDA
// support or no device is present.
var ErrNoCUDA = errors.New("cuda support not available")

// Context is an execution context for the model graphs.
type Context interface {
	// Name describes the device for logs.
	Name() string
	// PinMemory reports whether the loader should recycle batch buffers.
	PinMemory() bool
	// Backend compiles and runs the model graphs.
	Backend() backends.Backend
	// Close releases the backend.
	Close() error
}

// CPU runs graphs on the pure Go simplego backend.
type CPU struct {
	pin     bool
	name    string
	backend backends.Backend
}

// NewCPU returns the host context.
func NewCPU(pin bool) (*CPU, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.Wrap(err, "create simplego backend")
	}
	brand := strings.TrimSpace(cpuid.CPU.BrandName)
	if brand == "" {
		brand = "unknown cpu"
	}
	var simd []string
	for _, f := range []cpuid.FeatureID{cpuid.AVX512F, cpuid.AVX2, cpuid.FMA3, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			simd = append(simd, f.String())
		}
	}
	name := fmt.Sprintf("cpu: %s, %d cores", brand, DefaultWorkers())
	if len(simd) > 0 {
		name += " [" + strings.ToLower(strings.Join(simd, ",")) + "]"
	}
	return &CPU{pin: pin, name: name + " on " + backend.Name(), backend: backend}, nil
}

func (c *CPU) Name() string              { return c.name }
func (c *CPU) PinMemory() bool           { return c.pin }
func (c *CPU) Backend() backends.Backend { return c.backend }

// Close finalizes the backend.
func (c *CPU) Close() error {
	c.backend.Finalize()
	return nil
}

// DefaultWorkers returns the number of physical cores, at least 1.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// FromConfig returns the CUDA context when gpu is set, the CPU context
// otherwise.
func FromConfig(gpu, pin bool) (Context, error) {
	if !gpu {
		cpu, err := NewCPU(pin)
		if err != nil {
			return nil, err
		}
		return cpu, nil
	}
	ctx, err := NewCUDA(pin)
	if err != nil {
		return nil, errors.Wrap(err, "gpu requested")
	}
	return ctx, nil
}
