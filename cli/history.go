package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [peer]",
	Short: "show stored conversations and transfers",
	Long:  `history lists peers with stored messages, or with a peer address prints its conversation and transfer log.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadApp(true)
		if err != nil {
			return err
		}
		defer rt.close()

		out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		if len(args) == 0 {
			peers, err := rt.store.Peers()
			if err != nil {
				return err
			}
			for _, peer := range peers {
				fmt.Fprintln(out, peer)
			}
			return out.Flush()
		}

		peer := args[0]
		messages, err := rt.store.History(peer, historyLimit)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			fmt.Fprintf(out, "%s\t%s\t%s\n", msg.Timestamp.Format(time.DateTime), msg.Direction, msg.Text)
		}

		transfers, err := rt.store.Transfers(peer)
		if err != nil {
			return err
		}
		for _, record := range transfers {
			fmt.Fprintf(out, "%s\t%s\tfile %s\t%d bytes\t%s\t%s\n",
				record.Timestamp.Format(time.DateTime), record.Direction, record.FileName,
				record.SizeBytes, record.Status, record.Detail)
		}
		return out.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "show the newest N messages, oldest first, 0 for all")
}
