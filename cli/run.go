package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"peerdrop/node"
)

var (
	runName   string
	runShares []string
	runMDNS   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "announce this device and serve messages and files",
	Long:  `run starts the presence beacon, the message listener and the file server, and logs every peer, message and transfer until interrupted.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadApp(true)
		if err != nil {
			return err
		}
		defer rt.close()

		cfg := rt.nodeConfig()
		if runName != "" {
			cfg.DisplayName = runName
		}
		if runMDNS {
			cfg.EnableMDNS = true
		}

		n, err := node.New(cfg)
		if err != nil {
			return err
		}
		for _, path := range runShares {
			name, err := n.Offer(path)
			if err != nil {
				return err
			}
			logrus.WithField("file", name).Info("sharing")
		}

		ctx, stop := commandContext(cmd)
		defer stop()

		if err := n.Start(ctx); err != nil {
			// Channels that did start keep running.
			logrus.WithError(err).Warn("some channels failed to start")
		}
		logrus.WithFields(logrus.Fields{
			"name":         cfg.DisplayName,
			"message_port": cfg.MessagePort,
			"file_port":    cfg.FilePort,
		}).Info("peerdrop running")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logEvents(n.Events())
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			n.Stop()
			return nil
		})
		return g.Wait()
	},
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "display name announced to peers (defaults to the configured device name)")
	runCmd.Flags().StringArrayVar(&runShares, "share", nil, "file to offer to peers, may be repeated")
	runCmd.Flags().BoolVar(&runMDNS, "mdns", false, "also advertise and browse over mDNS")
}

func logEvents(events <-chan node.Event) {
	for event := range events {
		entry := logrus.WithField("peer", event.PeerAddress)
		switch event.Type {
		case node.EventPeerDiscovered:
			entry.WithFields(logrus.Fields{
				"name":     event.Peer.DisplayName,
				"port":     event.Peer.Port,
				"platform": event.Peer.Platform,
				"source":   event.Peer.Source,
			}).Info("peer discovered")
		case node.EventMessageReceived:
			entry.WithField("text", event.Text).Info("message received")
		case node.EventFileReceived:
			entry.WithFields(logrus.Fields{"file": event.FileName, "path": event.Path, "bytes": event.Bytes}).Info("file received")
		case node.EventTransferFailed:
			entry.WithError(event.Err).WithField("file", event.FileName).Warn("transfer failed")
		}
	}
}

// commandContext is the command context with interrupt handling.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
