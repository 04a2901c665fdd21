package cli

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/network"
	"peerdrop/node"
	"peerdrop/storage"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "peerdrop",
	Short:         "LAN peer discovery, messaging and file sharing",
	Long:          `peerdrop finds peers on the local network over multicast, exchanges short text messages and lets peers pull offered files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		logrus.SetLevel(level)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(historyCmd)
}

// app is the state every command derives from the persisted config.
type app struct {
	cfg     *config.DeviceConfig
	dataDir string
	store   *storage.Store
}

func loadApp(withStore bool) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	rt := &app{cfg: cfg, dataDir: filepath.Dir(cfgPath)}
	if withStore {
		store, _, err := storage.Open(rt.dataDir)
		if err != nil {
			return nil, err
		}
		rt.store = store
	}
	return rt, nil
}

func (rt *app) close() {
	if rt.store == nil {
		return
	}
	if err := rt.store.Close(); err != nil {
		logrus.WithError(err).Warn("history close failed")
	}
}

func (rt *app) nodeConfig() node.Config {
	cfg := node.Config{
		DisplayName:    rt.cfg.DeviceName,
		Session:        rt.cfg.SessionID,
		DedupBySession: rt.cfg.DedupBySession,
		MessagePort:    rt.cfg.MessagePort,
		FilePort:       rt.cfg.FilePort,
		MulticastGroup: rt.cfg.MulticastGroup,
		MulticastPort:  rt.cfg.MulticastPort,
		EnableMDNS:     rt.cfg.EnableMDNS,
		DownloadDir:    rt.cfg.DownloadDir,
		Logger:         logrus.StandardLogger(),
	}
	if rt.store != nil {
		cfg.History = rt.store
	}
	return cfg
}

// newNode builds a node whose registry already holds the peers stored by
// earlier runs, so one-shot commands can address a peer by display name.
func (rt *app) newNode() (*node.Node, error) {
	n, err := node.New(rt.nodeConfig())
	if err != nil {
		return nil, err
	}
	if rt.store == nil {
		return n, nil
	}

	known, err := rt.store.ListPeers()
	if err != nil {
		logrus.WithError(err).Warn("known peers unavailable")
		return n, nil
	}
	for _, peer := range known {
		ip := net.ParseIP(peer.PeerAddress)
		if ip == nil || peer.Port <= 0 || peer.Port > 65535 {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		n.Registry().Upsert(ip, network.PresencePacket{
			Name:     peer.DisplayName,
			Port:     uint16(peer.Port),
			Platform: peer.Platform,
			Session:  peer.Session,
		}, peer.Source, peer.LastSeen)
	}
	return n, nil
}
