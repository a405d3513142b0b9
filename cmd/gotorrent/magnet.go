package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mjkoch/gotorrent/config"
	"github.com/mjkoch/gotorrent/engine"
	"github.com/mjkoch/gotorrent/magnet"
	"github.com/mjkoch/gotorrent/metainfo"
	"github.com/mjkoch/gotorrent/peerwire"
)

func newMagnetParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet-parse <magnet-uri>",
		Short: "Parse a magnet URI and print its tracker and infohash",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("magnet-parse: expected exactly one argument")
			}
			link, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			tracker := ""
			if len(link.Trackers) > 0 {
				tracker = link.Trackers[0]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tracker URL: %s\n", tracker)
			fmt.Fprintf(cmd.OutOrStdout(), "Info Hash: %s\n", link.InfoHashHex())
			return nil
		},
	}
}

// connectMagnetPeers parses a magnet URI, announces to its trackers (if
// any) combined with any x.pe peer hints, and dials the resulting peer
// set. It returns the parsed link and the live sessions; the caller owns
// closing them.
func connectMagnetPeers(ctx context.Context, magnetURI string, cfg config.Config) (*magnet.Link, []*peerwire.Session, chan peerwire.Event, error) {
	link, err := magnet.Parse(magnetURI)
	if err != nil {
		return nil, nil, nil, err
	}

	log := newLogger()
	peerID, err := engine.GeneratePeerID(cfg.PeerIDPrefix)
	if err != nil {
		return nil, nil, nil, err
	}

	addrs := append([]string{}, link.PeerHints...)
	if len(link.Trackers) > 0 {
		announced, err := engine.AnnounceAll(ctx, link.Trackers, link.InfoHash, peerID, cfg.ListenPort, 1, log)
		if err != nil && len(addrs) == 0 {
			return nil, nil, nil, err
		}
		addrs = append(addrs, announced...)
	}
	if len(addrs) == 0 {
		return nil, nil, nil, fmt.Errorf("gotorrent: no peers available for %s", link.InfoHashHex())
	}

	events := make(chan peerwire.Event, 256)
	sessions := engine.ConnectPeers(ctx, addrs, link.InfoHash, peerID, cfg.MaxConnections, events, log)
	if len(sessions) == 0 {
		return nil, nil, nil, fmt.Errorf("gotorrent: failed to connect to any peer")
	}
	return link, sessions, events, nil
}

// resolveMagnetInfo connects to a magnet link's peers and fetches its
// metadata over ut_metadata, returning the still-open sessions so a
// caller that also wants to handshake or download can reuse them.
func resolveMagnetInfo(ctx context.Context, magnetURI string) (*magnet.Link, *metainfo.Info, []*peerwire.Session, error) {
	cfg := config.Default()
	link, sessions, events, err := connectMagnetPeers(ctx, magnetURI, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	info, err := engine.FetchMetadata(ctx, sessions, link.InfoHash, events, newLogger())
	if err != nil {
		engine.CloseAll(sessions)
		return nil, nil, nil, err
	}
	return link, info, sessions, nil
}

func fmtExtensionID(id uint8) string {
	return hex.EncodeToString([]byte{id})
}
