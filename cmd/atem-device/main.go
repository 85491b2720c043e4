// Command atem-device is a minimal stand-in for a real embedded firmware
// build: it dials a switcher or proxy with internal/atem/client and drives
// internal/firmware/sink.Device from a plain for loop, with no goroutines,
// the same single-reactor shape an embedded event loop would use. Its
// sinks just log; a real firmware build swaps them for GPIO/SDI drivers.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/client"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/clock"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/firmware/sink"
)

type loggingTally struct{ log *logrus.Entry }

func (s loggingTally) SetTally(pgm, pvw bool) {
	s.log.WithFields(logrus.Fields{"pgm": pgm, "pvw": pvw}).Info("tally changed")
}

type loggingCamera struct{ log *logrus.Entry }

func (s loggingCamera) SendSDI(packet []byte) {
	s.log.WithField("bytes", len(packet)).Debug("camera control packet ready for SDI transmit")
}

type loggingCommand struct{ log *logrus.Entry }

func (s loggingCommand) OnCommand(cmd wire.Command) {
	s.log.WithField("name", cmd.Name).Debug("unhandled command")
}

func main() {
	var (
		peerAddr string
		dest     int
		logLevel string
	)
	root := &cobra.Command{
		Use:   "atem-device",
		Short: "Single-reactor demo device driving internal/firmware/sink.Device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), peerAddr, uint8(dest), logLevel)
		},
	}
	root.Flags().StringVarP(&peerAddr, "peer", "s", "", "peer address, host:port (required)")
	root.Flags().IntVarP(&dest, "dest", "d", 1, "this device's camera identifier")
	root.Flags().StringVarP(&logLevel, "log-level", "v", "info", "log level (debug, info, warn, error)")
	root.MarkFlagRequired("peer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("atem-device exited with error")
	}
}

func run(ctx context.Context, peerAddr string, dest uint8, logLevel string) error {
	l := logrus.New()
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		l.SetLevel(level)
	}
	log := logrus.NewEntry(l)

	sess, err := client.Dial(peerAddr, clock.System{}, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	dev := sink.NewDevice(sess, dest, clock.System{}, log,
		loggingTally{log.WithField("sink", "tally")},
		loggingCamera{log.WithField("sink", "camera")},
		loggingCommand{log.WithField("sink", "command")},
	)

	log.WithField("peer", peerAddr).Info("device running")
	for ctx.Err() == nil {
		status, err := dev.Run(2 * time.Second)
		if err != nil {
			log.WithError(err).Error("device stopped")
			return err
		}
		switch status {
		case client.StatusRejected, client.StatusClosing, client.StatusClosed:
			log.WithField("status", status).Info("peer ended the connection")
			return nil
		}
	}
	return ctx.Err()
}
