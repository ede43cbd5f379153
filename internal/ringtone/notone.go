//go:build !cgo || noaudio

// This tone device is only used in cgo-less and noaudio builds.

package ringtone

import "github.com/decred/slog"

func init() {
	newToneDevice = newNullToneDevice
}

type nullToneDevice struct{}

func newNullToneDevice(_ slog.Logger) (toneDevice, error) {
	return nullToneDevice{}, nil
}

func (nullToneDevice) start() error { return nil }
func (nullToneDevice) stop() error  { return nil }
func (nullToneDevice) uninit()      {}
