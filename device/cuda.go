//go:build cuda

package device

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/xla"
	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// cudaPlugin is the PJRT plugin the XLA backend loads for NVIDIA GPUs.
const cudaPlugin = "cuda"

// CUDA runs graphs on GPU 0 through the XLA backend. The driver API is only
// used to find and describe the device before the plugin is loaded.
type CUDA struct {
	pin     bool
	name    string
	backend backends.Backend
}

// NewCUDA opens GPU 0.
func NewCUDA(pin bool) (Context, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, errors.Wrap(err, "count cuda devices")
	}
	if n == 0 {
		return nil, ErrNoCUDA
	}
	dev, err := cu.GetDevice(0)
	if err != nil {
		return nil, errors.Wrap(err, "get cuda device 0")
	}
	devName, err := dev.Name()
	if err != nil {
		return nil, errors.Wrap(err, "cuda device name")
	}
	mem, err := dev.TotalMem()
	if err != nil {
		return nil, errors.Wrap(err, "cuda device memory")
	}
	major, _ := dev.Attribute(cu.ComputeCapabilityMajor)
	minor, _ := dev.Attribute(cu.ComputeCapabilityMinor)

	backend, err := xla.New(cudaPlugin)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s plugin for %s", cudaPlugin, devName)
	}
	return &CUDA{
		pin:     pin,
		backend: backend,
		name: fmt.Sprintf("cuda:0 %s (sm_%d%d, %s) on %s",
			devName, major, minor, humanize.Bytes(uint64(mem)), backend.Name()),
	}, nil
}

func (c *CUDA) Name() string              { return c.name }
func (c *CUDA) PinMemory() bool           { return c.pin }
func (c *CUDA) Backend() backends.Backend { return c.backend }

// Close finalizes the backend.
func (c *CUDA) Close() error {
	c.backend.Finalize()
	return nil
}
