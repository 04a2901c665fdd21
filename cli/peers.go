package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"peerdrop/discovery"
)

var (
	peersWait  time.Duration
	peersKnown bool
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "listen for presence announcements and list peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if peersKnown {
			return listKnownPeers(cmd)
		}

		rt, err := loadApp(false)
		if err != nil {
			return err
		}

		cfg := rt.nodeConfig()
		beacon, err := discovery.NewBeacon(discovery.BeaconConfig{
			DisplayName:    cfg.DisplayName,
			Port:           uint16(cfg.MessagePort),
			Session:        cfg.Session,
			DedupBySession: cfg.DedupBySession,
			Group:          cfg.MulticastGroup,
			GroupPort:      cfg.MulticastPort,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := commandContext(cmd)
		defer stop()

		if err := beacon.Start(ctx); err != nil {
			beacon.Stop()
			return err
		}
		go func() {
			for range beacon.Events() {
			}
		}()

		select {
		case <-time.After(peersWait):
		case <-ctx.Done():
		}
		beacon.Stop()

		out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(out, "NAME\tADDRESS\tPORT\tPLATFORM\tSOURCE\tLAST SEEN")
		for _, peer := range beacon.Registry().List() {
			fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\t%s\n",
				peer.DisplayName, peer.Key(), peer.Port, peer.Platform, peer.Source,
				peer.LastSeenAt.Format(time.TimeOnly))
		}
		return out.Flush()
	},
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", 5*time.Second, "how long to listen before listing")
	peersCmd.Flags().BoolVar(&peersKnown, "known", false, "list peers remembered from earlier sessions instead of listening")
}

func listKnownPeers(cmd *cobra.Command) error {
	rt, err := loadApp(true)
	if err != nil {
		return err
	}
	defer rt.close()

	peers, err := rt.store.ListPeers()
	if err != nil {
		return err
	}

	out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "NAME\tADDRESS\tPORT\tPLATFORM\tSOURCE\tLAST SEEN")
	for _, peer := range peers {
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\t%s\n",
			peer.DisplayName, peer.PeerAddress, peer.Port, peer.Platform, peer.Source,
			peer.LastSeen.Format(time.DateTime))
	}
	return out.Flush()
}
