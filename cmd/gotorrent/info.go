package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjkoch/gotorrent/engine"
	"github.com/mjkoch/gotorrent/metainfo"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <torrent-file>",
		Short: "Print a torrent file's tracker, length and piece layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("info: expected exactly one argument")
			}
			m, err := metainfo.Load(args[0])
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), m.AnnounceURL, m.InfoHash, &m.Info)
			return nil
		},
	}
}

func newMagnetInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet-info <magnet-uri>",
		Short: "Fetch a magnet link's metadata over the wire and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("magnet-info: expected exactly one argument")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			link, info, sessions, err := resolveMagnetInfo(ctx, args[0])
			if err != nil {
				return err
			}
			defer engine.CloseAll(sessions)

			tracker := ""
			if len(link.Trackers) > 0 {
				tracker = link.Trackers[0]
			}
			printInfo(cmd.OutOrStdout(), tracker, link.InfoHash, info)
			return nil
		},
	}
}

func printInfo(w io.Writer, announceURL string, infoHash [20]byte, info *metainfo.Info) {
	fmt.Fprintf(w, "Tracker URL: %s\n", announceURL)
	fmt.Fprintf(w, "Length: %d\n", info.Length)
	fmt.Fprintf(w, "Info Hash: %s\n", hex.EncodeToString(infoHash[:]))
	fmt.Fprintf(w, "Piece Length: %d\n", info.PieceLength)
	fmt.Fprintf(w, "Piece Count: %d\n", info.PieceCount())
	fmt.Fprintf(w, "Last Piece Length: %d\n", info.PieceLen(info.PieceCount()-1))
	fmt.Fprintln(w, "Piece Hashes:")
	for _, h := range info.PieceHashes {
		fmt.Fprintln(w, hex.EncodeToString(h[:]))
	}
}
