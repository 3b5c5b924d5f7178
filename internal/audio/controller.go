// Package audio keeps the audio device and ringback tone in lockstep
// with call state. The controller is a pure state follower: it never
// decides anything about calls, it only reacts to transitions reported
// by the engine.
package audio

import "log/slog"

// Device abstracts the platform audio endpoint. Implementations must
// tolerate repeated enable/disable calls; the controller additionally
// guards against redundant invocations with its own flags.
type Device interface {
	EnableAudio() error
	DisableAudio() error
	StartRingback() error
	StopRingback() error
}

// Controller tracks the desired audio state for the current call. It is
// owned by the engine loop goroutine and must not be used concurrently.
type Controller struct {
	dev     Device
	logger  *slog.Logger
	enabled bool
	ringing bool
}

// NewController creates an audio controller over the given device.
func NewController(dev Device, logger *slog.Logger) *Controller {
	return &Controller{
		dev:    dev,
		logger: logger.With("component", "audio"),
	}
}

// StartRingback begins local ringback playback. Idempotent.
func (c *Controller) StartRingback() {
	if c.ringing {
		return
	}
	if err := c.dev.StartRingback(); err != nil {
		c.logger.Error("failed to start ringback", "error", err)
		return
	}
	c.ringing = true
	c.logger.Debug("ringback started")
}

// StopRingback halts local ringback playback. Idempotent.
func (c *Controller) StopRingback() {
	if !c.ringing {
		return
	}
	if err := c.dev.StopRingback(); err != nil {
		c.logger.Error("failed to stop ringback", "error", err)
	}
	c.ringing = false
	c.logger.Debug("ringback stopped")
}

// CallConnected stops any ringback and enables the audio device. Called
// when the provider reports the media session established.
func (c *Controller) CallConnected() {
	c.StopRingback()
	c.Activate()
}

// CallEnded stops any ringback and disables the audio device. Called
// from the common disconnect cleanup and on failed connects.
func (c *Controller) CallEnded() {
	c.StopRingback()
	c.Deactivate()
}

// Activate enables the audio device. Driven by CallConnected and by the
// provider's audio-session-activated event. Idempotent.
func (c *Controller) Activate() {
	if c.enabled {
		return
	}
	if err := c.dev.EnableAudio(); err != nil {
		c.logger.Error("failed to enable audio device", "error", err)
		return
	}
	c.enabled = true
	c.logger.Debug("audio device enabled")
}

// Deactivate disables the audio device. Idempotent.
func (c *Controller) Deactivate() {
	if !c.enabled {
		return
	}
	if err := c.dev.DisableAudio(); err != nil {
		c.logger.Error("failed to disable audio device", "error", err)
	}
	c.enabled = false
	c.logger.Debug("audio device disabled")
}

// Enabled reports whether the audio device is currently enabled.
func (c *Controller) Enabled() bool { return c.enabled }

// Ringing reports whether ringback is currently playing.
func (c *Controller) Ringing() bool { return c.ringing }

// LogDevice is a Device that only records transitions to the log. Used
// on headless deployments where actual playback is delegated to the
// attached front-end.
type LogDevice struct {
	Logger *slog.Logger
}

func (d *LogDevice) EnableAudio() error {
	d.Logger.Info("audio device enabled")
	return nil
}

func (d *LogDevice) DisableAudio() error {
	d.Logger.Info("audio device disabled")
	return nil
}

func (d *LogDevice) StartRingback() error {
	d.Logger.Info("ringback playback started")
	return nil
}

func (d *LogDevice) StopRingback() error {
	d.Logger.Info("ringback playback stopped")
	return nil
}
