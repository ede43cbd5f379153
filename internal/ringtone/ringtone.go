// Package ringtone plays the repeating incoming-call tone. The actual
// audio backend is selected at build time: malgo in cgo builds, a silent
// device otherwise.
package ringtone

import (
	"sync"

	"github.com/decred/slog"
)

// toneDevice is the platform playback device behind the player.
type toneDevice interface {
	start() error
	stop() error
	uninit()
}

// newToneDevice is set by the build-selected backend.
var newToneDevice func(log slog.Logger) (toneDevice, error)

// Player plays the ring tone while at least one call is ringing. It
// implements the approver's Ringer contract. Start and Stop are paired
// by the caller and never nested.
type Player struct {
	log slog.Logger

	mtx sync.Mutex
	dev toneDevice
}

// New creates a ring-tone player.
func New(log slog.Logger) *Player {
	if log == nil {
		log = slog.Disabled
	}
	return &Player{log: log}
}

// Start begins playing the repeating tone. Failures to open the audio
// device are logged and otherwise ignored; ringing is best effort.
func (p *Player) Start() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.dev != nil {
		return
	}
	dev, err := newToneDevice(p.log)
	if err != nil {
		p.log.Warnf("Unable to open ring tone device: %v", err)
		return
	}
	if err := dev.start(); err != nil {
		p.log.Warnf("Unable to start ring tone: %v", err)
		dev.uninit()
		return
	}
	p.dev = dev
	p.log.Debugf("Ring tone started")
}

// Stop stops the tone and releases the audio device.
func (p *Player) Stop() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.dev == nil {
		return
	}
	if err := p.dev.stop(); err != nil {
		p.log.Warnf("Unable to stop ring tone: %v", err)
	}
	p.dev.uninit()
	p.dev = nil
	p.log.Debugf("Ring tone stopped")
}
