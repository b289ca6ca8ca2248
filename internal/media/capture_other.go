//go:build !linux

package media

import "context"

func (d *DeviceSource) Open(_ context.Context, _ Constraints) ([]Track, error) {
	d.log.Warn().Msg("device capture requested on unsupported platform")
	return nil, ErrUnsupported
}
