//go:build !cuda

package device

// NewCUDA is unavailable without the cuda build tag.
func NewCUDA(pin bool) (Context, error) {
	return nil, ErrNoCUDA
}
