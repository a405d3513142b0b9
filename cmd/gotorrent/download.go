package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mjkoch/gotorrent/engine"
)

func newDownloadCmd() *cobra.Command {
	var out, configPath string
	cmd := &cobra.Command{
		Use:   "download <torrent-file>",
		Short: "Download a torrent's full content",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("download: expected exactly one argument")
			}
			if out == "" {
				return usageErrorf("download: -o/--output is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return engine.Download(cmd.Context(), args[0], out, engine.Options{
				Config:     cfg,
				PieceIndex: -1,
				OnProgress: progressFunc(),
				Log:        newLogger(),
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&configPath, "config", "", "client configuration file")
	return cmd
}

func newDownloadPieceCmd() *cobra.Command {
	var out, configPath string
	cmd := &cobra.Command{
		Use:   "download-piece <torrent-file> <piece-index>",
		Short: "Download a single piece of a torrent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageErrorf("download-piece: expected a torrent file and a piece index")
			}
			if out == "" {
				return usageErrorf("download-piece: -o/--output is required")
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return usageErrorf("download-piece: invalid piece index %q", args[1])
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return engine.Download(cmd.Context(), args[0], out, engine.Options{
				Config:     cfg,
				PieceIndex: index,
				OnProgress: progressFunc(),
				Log:        newLogger(),
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&configPath, "config", "", "client configuration file")
	return cmd
}

func newMagnetDownloadCmd() *cobra.Command {
	var out, configPath string
	cmd := &cobra.Command{
		Use:   "magnet-download <magnet-uri>",
		Short: "Resolve a magnet link's metadata and download its full content",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("magnet-download: expected exactly one argument")
			}
			if out == "" {
				return usageErrorf("magnet-download: -o/--output is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return engine.DownloadMagnet(cmd.Context(), args[0], out, engine.Options{
				Config:     cfg,
				PieceIndex: -1,
				OnProgress: progressFunc(),
				Log:        newLogger(),
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&configPath, "config", "", "client configuration file")
	return cmd
}

func newMagnetDownloadPieceCmd() *cobra.Command {
	var out, configPath string
	cmd := &cobra.Command{
		Use:   "magnet-download-piece <magnet-uri> <piece-index>",
		Short: "Resolve a magnet link's metadata and download a single piece",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageErrorf("magnet-download-piece: expected a magnet URI and a piece index")
			}
			if out == "" {
				return usageErrorf("magnet-download-piece: -o/--output is required")
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return usageErrorf("magnet-download-piece: invalid piece index %q", args[1])
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return engine.DownloadMagnet(cmd.Context(), args[0], out, engine.Options{
				Config:     cfg,
				PieceIndex: index,
				OnProgress: progressFunc(),
				Log:        newLogger(),
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&configPath, "config", "", "client configuration file")
	return cmd
}
