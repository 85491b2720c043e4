// Command atem-client is a diagnostic peer: it dials either a real ATEM
// switcher or an atem-proxy instance directly with internal/atem/client and
// logs every command record it receives, for use while exercising a proxy
// deployment without wiring a real camera.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/ccproto"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/client"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/clock"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

func main() {
	var (
		peerAddr string
		dest     int
		logLevel string
	)
	root := &cobra.Command{
		Use:   "atem-client",
		Short: "Dial an ATEM peer (switcher or proxy) and log received commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), peerAddr, uint8(dest), logLevel)
		},
	}
	root.Flags().StringVarP(&peerAddr, "peer", "s", "", "peer address, host:port (required)")
	root.Flags().IntVarP(&dest, "dest", "d", 1, "camera identifier to filter tally/camera-control commands by")
	root.Flags().StringVarP(&logLevel, "log-level", "v", "info", "log level (debug, info, warn, error)")
	root.MarkFlagRequired("peer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("atem-client exited with error")
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

	log.WithField("peer", peerAddr).Info("connected")

	var tally ccproto.TallyState
	for ctx.Err() == nil {
		cmd, status, err := sess.Next(2 * time.Second)
		if err != nil {
			log.WithError(err).Error("session error")
			return err
		}
		switch status {
		case client.StatusCommand:
			logCommand(log, &tally, dest, cmd)
		case client.StatusRejected:
			log.Warn("connection rejected by peer")
			return nil
		case client.StatusClosing, client.StatusClosed:
			log.Info("peer closed the connection")
			return nil
		}
	}
	return ctx.Err()
}

func logCommand(log *logrus.Entry, tally *ccproto.TallyState, dest uint8, cmd wire.Command) {
	switch cmd.Name {
	case wire.CmdVersion:
		major, minor := ccproto.ProtocolVersion(cmd.Payload)
		log.WithFields(logrus.Fields{"major": major, "minor": minor}).Info("_ver")
	case wire.CmdTally:
		if tally.Update(cmd.Payload, dest) {
			log.WithFields(logrus.Fields{"pgm": tally.PGM, "pvw": tally.PVW}).Info("TlIn")
		}
	case wire.CmdCameraControl:
		if ccproto.IsDest(cmd.Payload, dest) {
			log.WithField("sdi", ccproto.TranslateCameraControl(cmd.Payload)).Info("CCdP")
		}
	default:
		log.WithField("name", cmd.Name).Debug("unrecognized command")
	}
}
