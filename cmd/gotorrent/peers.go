package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjkoch/gotorrent/config"
	"github.com/mjkoch/gotorrent/engine"
	"github.com/mjkoch/gotorrent/metainfo"
)

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers <torrent-file>",
		Short: "Announce to a torrent's tracker(s) and print the discovered peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("peers: expected exactly one argument")
			}
			m, err := metainfo.Load(args[0])
			if err != nil {
				return err
			}

			cfg := config.Default()
			peerID, err := engine.GeneratePeerID(cfg.PeerIDPrefix)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			trackerURLs := append([]string{m.AnnounceURL}, m.AnnounceList...)
			addrs, err := engine.AnnounceAll(ctx, trackerURLs, m.InfoHash, peerID, cfg.ListenPort, m.Info.Length, newLogger())
			if err != nil {
				return err
			}
			for _, a := range addrs {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return nil
		},
	}
}
