//go:build cgo && !noaudio

package ringtone

import (
	"math"

	"github.com/decred/slog"
	"github.com/gen2brain/malgo"
)

const (
	toneSampleRate = 8000
	toneChannels   = 1
	toneFreq       = 440.0

	// Classic ring cadence: 2s of tone, 4s of silence.
	cadenceOnSamples    = 2 * toneSampleRate
	cadenceTotalSamples = 6 * toneSampleRate
)

func init() {
	newToneDevice = newMalgoToneDevice
}

type malgoToneDevice struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	// pos is the sample position within the ring cadence. Only touched
	// from the device data callback.
	pos int
}

func newMalgoToneDevice(log slog.Logger) (toneDevice, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	d := &malgoToneDevice{malgoCtx: malgoCtx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.SampleRate = toneSampleRate
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = toneChannels
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			d.fill(out, int(frames))
		},
	}
	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, err
	}
	d.device = device
	return d, nil
}

// fill writes the next frames of the ring cadence as s16le samples.
func (d *malgoToneDevice) fill(out []byte, frames int) {
	for i := 0; i < frames && i*2+1 < len(out); i++ {
		var sample int16
		if d.pos < cadenceOnSamples {
			v := math.Sin(2 * math.Pi * toneFreq * float64(d.pos) / toneSampleRate)
			sample = int16(v * 0.4 * math.MaxInt16)
		}
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
		d.pos = (d.pos + 1) % cadenceTotalSamples
	}
}

func (d *malgoToneDevice) start() error { return d.device.Start() }
func (d *malgoToneDevice) stop() error  { return d.device.Stop() }

func (d *malgoToneDevice) uninit() {
	d.device.Uninit()
	_ = d.malgoCtx.Uninit()
	d.malgoCtx.Free()
}
