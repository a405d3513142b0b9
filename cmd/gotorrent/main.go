// Command gotorrent is a CLI BitTorrent client: torrent/magnet inspection,
// single-peer handshakes, and piece/file downloads over TCP.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mjkoch/gotorrent/config"
)

// usageError marks a failure that should exit 2 (misuse) rather than 1
// (an expected runtime failure like a bad torrent file or unreachable peer).
type usageError struct{ error }

func usageErrorf(format string, args ...interface{}) error {
	return usageError{fmt.Errorf(format, args...)}
}

var (
	verbose  bool
	progress bool
)

func newLogger() *zap.Logger {
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func progressFunc() func(done, total int64) {
	if !progress {
		return nil
	}
	return func(done, total int64) {
		fmt.Fprintf(os.Stderr, "\rprogress: %d/%d pieces", done, total)
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gotorrent",
		Short:         "A command-line BitTorrent client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&progress, "progress", false, "report download progress to stderr")

	root.AddCommand(
		newDecodeCmd(),
		newInfoCmd(),
		newPeersCmd(),
		newHandshakeCmd(),
		newDownloadPieceCmd(),
		newDownloadCmd(),
		newMagnetParseCmd(),
		newMagnetHandshakeCmd(),
		newMagnetInfoCmd(),
		newMagnetDownloadPieceCmd(),
		newMagnetDownloadCmd(),
	)
	return root
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err)
	var ue usageError
	if errors.As(err, &ue) {
		os.Exit(2)
	}
	os.Exit(1)
}
