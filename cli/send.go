package cli

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send peer message...",
	Short: "send a text message to a peer",
	Long:  `send delivers one message to a peer given as an IP, host:port or a display name remembered from an earlier run.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadApp(true)
		if err != nil {
			return err
		}
		defer rt.close()

		n, err := rt.newNode()
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, stop := commandContext(cmd)
		defer stop()

		peer := args[0]
		text := strings.Join(args[1:], " ")
		if err := n.SendMessage(ctx, peer, text); err != nil {
			return err
		}
		logrus.WithField("peer", peer).Info("message sent")
		return nil
	},
}
