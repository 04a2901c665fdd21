package cli

import (
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/network"
	"peerdrop/node"
)

var (
	fetchDest        string
	fetchConcurrency int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch peer file...",
	Short: "pull offered files from a peer",
	Long:  `fetch asks a peer's file server, given as an IP, host:port or remembered display name, for each named file and writes it to --dest, or to the configured download directory.`,
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

		peer, names := args[0], args[1:]
		if len(names) > 1 {
			transfers, err := n.FetchAll(ctx, peer, names, fetchDest, fetchConcurrency)
			for _, transfer := range transfers {
				if transfer == nil {
					continue
				}
				logrus.WithFields(logrus.Fields{
					"file":  transfer.FileName(),
					"state": transfer.State(),
					"bytes": transfer.BytesTransferred(),
				}).Info("fetch finished")
			}
			return err
		}

		var bar *progressbar.ProgressBar
		progress := func(offer network.FileOffer, transferred uint64) {
			if bar == nil {
				bar = progressbar.DefaultBytes(int64(offer.FileSizeBytes), offer.FileName)
			}
			_ = bar.Set64(int64(transferred))
		}

		transfer, err := n.FetchWithProgress(ctx, peer, names[0], fetchDest, progress)
		if bar != nil {
			_ = bar.Finish()
		}
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"file":  transfer.FileName(),
			"bytes": transfer.BytesTransferred(),
		}).Info("fetch complete")
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchDest, "dest", "", "destination file or directory (defaults to the download directory)")
	fetchCmd.Flags().IntVar(&fetchConcurrency, "concurrency", node.DefaultFetchConcurrency, "parallel pulls when fetching several files")
}
