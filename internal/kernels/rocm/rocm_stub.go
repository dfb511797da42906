//go:build !rocm

package rocm

import "github.com/Vivicai1005/aiter/internal/kernels"

// New is a stub for the ROCm engine on unsupported platforms.
func New() kernels.Engine {
	panic("ROCm engine is not supported on this platform. Build with -tags rocm on Linux.")
}

func SupportedArchs() []string {
	return nil
}
