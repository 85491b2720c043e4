// Package sink defines the external-collaborator interfaces a real
// firmware build would need (serial/I2C/Wi-Fi/HTTP integration lives
// outside this module) and a small single-reactor Device that drives them
// from internal/atem/client and internal/atem/ccproto. The driver type is
// free of any actual I/O backend and takes only the interfaces it needs
// as constructor arguments.
package sink

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/ccproto"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/client"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/clock"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

// TallySink receives PGM/PVW tally state changes for the configured camera
// identifier, the collaborator a real firmware build would wire to a GPIO
// or LED driver.
type TallySink interface {
	SetTally(pgm, pvw bool)
}

// CameraControlSink receives a translated Blackmagic SDI camera control
// packet, the collaborator a real firmware build would wire to a serial or
// I2C SDI transmitter.
type CameraControlSink interface {
	SendSDI(packet []byte)
}

// CommandSink receives every command record Device does not otherwise
// interpret, letting a caller observe (or log) raw traffic without Device
// needing to know about it.
type CommandSink interface {
	OnCommand(cmd wire.Command)
}

// Device is a single-reactor embedded-style driver: one goroutine-free
// struct that polls one client.Session and fans its command records out to
// the configured sinks (as opposed to the proxy's background-I/O-goroutine
// shape in internal/proxy/server).
type Device struct {
	session *client.Session
	clk     clock.Clock
	log     *logrus.Entry

	dest uint8

	tally   TallySink
	camera  CameraControlSink
	command CommandSink

	tallyState ccproto.TallyState
}

// NewDevice creates a Device polling session for command records addressed
// to camera identifier dest. Any sink may be nil, in which case matching
// commands are silently dropped, mirroring a firmware build that compiled
// out an unused collaborator.
func NewDevice(session *client.Session, dest uint8, clk clock.Clock, log *logrus.Entry, tally TallySink, camera CameraControlSink, command CommandSink) *Device {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Device{
		session: session,
		clk:     clk,
		log:     log,
		dest:    dest,
		tally:   tally,
		camera:  camera,
		command: command,
	}
}

// Run waits for the session's next command (or status change) and fans a
// received command out to the sinks. It is meant to be called in a loop by
// the embedding program's own event loop (e.g. cmd/atem-device's main
// loop), matching the single-reactor model: no goroutines here, the caller
// decides the polling cadence and what to do with a non-command status
// (StatusDropped means the driver already resent the OPEN; keep looping).
func (d *Device) Run(timeout time.Duration) (client.Status, error) {
	cmd, status, err := d.session.Next(timeout)
	if err != nil {
		return client.StatusError, err
	}
	if status != client.StatusCommand {
		return status, nil
	}

	d.dispatch(cmd)
	return client.StatusCommand, nil
}

// dispatch interprets a single command record and fans it out to the
// configured sinks.
func (d *Device) dispatch(cmd wire.Command) {
	switch cmd.Name {
	case wire.CmdVersion:
		major, minor := ccproto.ProtocolVersion(cmd.Payload)
		d.log.WithFields(logrus.Fields{"major": major, "minor": minor}).Debug("received _ver")

	case wire.CmdTally:
		if d.tally == nil {
			return
		}
		if !d.tallyState.Update(cmd.Payload, d.dest) {
			return
		}
		d.tally.SetTally(d.tallyState.PGM, d.tallyState.PVW)

	case wire.CmdCameraControl:
		if d.camera == nil {
			return
		}
		if !ccproto.IsDest(cmd.Payload, d.dest) {
			return
		}
		d.camera.SendSDI(ccproto.TranslateCameraControl(cmd.Payload))

	default:
		if d.command != nil {
			d.command.OnCommand(cmd)
		}
	}
}
