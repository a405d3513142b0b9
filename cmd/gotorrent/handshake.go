package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjkoch/gotorrent/config"
	"github.com/mjkoch/gotorrent/engine"
	"github.com/mjkoch/gotorrent/metainfo"
	"github.com/mjkoch/gotorrent/peerwire"
)

func newHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handshake <torrent-file> <ip:port>",
		Short: "Perform a BitTorrent handshake against a single peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageErrorf("handshake: expected a torrent file and an ip:port")
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

			events := make(chan peerwire.Event, 16)
			go drainEvents(events)

			s, err := peerwire.Dial(ctx, args[1], peerwire.DialOptions{InfoHash: m.InfoHash, PeerID: peerID}, events, newLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Peer ID: %s\n", hex.EncodeToString(s.PeerID[:]))
			return nil
		},
	}
}

func newMagnetHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet-handshake <magnet-uri>",
		Short: "Handshake a magnet link's first reachable peer and report its ut_metadata id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("magnet-handshake: expected exactly one argument")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			cfg := config.Default()
			_, sessions, events, err := connectMagnetPeers(ctx, args[0], cfg)
			if err != nil {
				return err
			}
			defer engine.CloseAll(sessions)

			s := sessions[0]
			fmt.Fprintf(cmd.OutOrStdout(), "Peer ID: %s\n", hex.EncodeToString(s.PeerID[:]))

			if !s.SupportsExtended {
				return nil
			}
			// Wait briefly for the peer's reply to the extended handshake the
			// session sends automatically on connect, to learn its ut_metadata id.
			deadline := time.After(5 * time.Second)
			for {
				select {
				case ev := <-events:
					if ev.Session == s && ev.Kind == peerwire.EventExtendedHandshake {
						fmt.Fprintf(cmd.OutOrStdout(), "Peer Metadata Extension ID: %s\n", fmtExtensionID(s.UTMetadataID))
						return nil
					}
				case <-deadline:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
}

// drainEvents discards events on a session we are only using for a
// one-shot handshake, so its reader goroutine never blocks delivering them.
func drainEvents(events <-chan peerwire.Event) {
	for range events {
	}
}
