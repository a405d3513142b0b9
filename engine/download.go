// Package engine wires the bencoding, metainfo, magnet, tracker,
// peerwire, scheduler and filestore packages into the end-to-end
// download operations the CLI exposes.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mjkoch/gotorrent/config"
	"github.com/mjkoch/gotorrent/filestore"
	"github.com/mjkoch/gotorrent/magnet"
	"github.com/mjkoch/gotorrent/metainfo"
	"github.com/mjkoch/gotorrent/peerwire"
	"github.com/mjkoch/gotorrent/scheduler"
)

// singlePieceWriter adapts a filestore.Store sized to one piece so that
// the scheduler's piece index (which may be anywhere in the torrent)
// always lands at offset 0, the only offset that exists in the file.
type singlePieceWriter struct {
	*filestore.Store
}

func (w singlePieceWriter) WritePiece(index int, data []byte) error {
	return w.Store.WritePiece(0, data)
}

// ProgressFunc is called with the count of verified pieces after every
// received block and once more when the download finishes, when the
// caller asked for progress reporting (the CLI's --progress flag).
type ProgressFunc func(done, total int64)

// Options bundles the knobs every download entry point needs.
type Options struct {
	Config     config.Config
	PieceIndex int // -1 for a whole-file download
	OnProgress ProgressFunc
	Log        *zap.Logger
}

// Download fetches a .torrent file's content (or a single piece of it)
// to outPath.
func Download(ctx context.Context, torrentPath, outPath string, opts Options) error {
	m, err := metainfo.Load(torrentPath)
	if err != nil {
		return err
	}
	trackerURLs := append([]string{m.AnnounceURL}, m.AnnounceList...)
	return run(ctx, &m.Info, m.InfoHash, trackerURLs, nil, outPath, opts)
}

// DownloadMagnet resolves a magnet URI's metadata over the wire, then
// downloads the file (or a single piece of it) to outPath.
func DownloadMagnet(ctx context.Context, magnetURI, outPath string, opts Options) error {
	link, err := magnet.Parse(magnetURI)
	if err != nil {
		return err
	}
	return run(ctx, nil, link.InfoHash, link.Trackers, link.PeerHints, outPath, opts)
}

func run(ctx context.Context, info *metainfo.Info, infoHash [20]byte, trackerURLs, extraPeers []string, outPath string, opts Options) error {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config

	peerID, err := GeneratePeerID(cfg.PeerIDPrefix)
	if err != nil {
		return err
	}

	var left int64 = 1
	if info != nil {
		left = info.Length
	}

	addrs := append([]string{}, extraPeers...)
	if len(trackerURLs) > 0 {
		announced, err := AnnounceAll(ctx, trackerURLs, infoHash, peerID, cfg.ListenPort, left, log)
		if err != nil && len(addrs) == 0 {
			return err
		}
		addrs = append(addrs, announced...)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("engine: no peers available (no trackers and no peer hints)")
	}

	events := make(chan peerwire.Event, 256)
	sessions := ConnectPeers(ctx, addrs, infoHash, peerID, cfg.MaxConnections, events, log)
	if len(sessions) == 0 {
		return fmt.Errorf("engine: failed to connect to any peer")
	}
	defer CloseAll(sessions)

	if info == nil {
		info, err = FetchMetadata(ctx, sessions, infoHash, events, log)
		if err != nil {
			return err
		}
	}

	if info.Multi() {
		return fmt.Errorf("engine: multi-file torrents are not supported (%d files)", len(info.Files))
	}

	pieceIndex := opts.PieceIndex
	if pieceIndex >= info.PieceCount() {
		return fmt.Errorf("engine: piece index %d out of range (0..%d)", pieceIndex, info.PieceCount()-1)
	}

	var file scheduler.FileWriter
	if pieceIndex < 0 {
		file, err = filestore.Open(outPath, info.Length, info.PieceLength)
	} else {
		// download-piece mode writes just the one piece's bytes to
		// outPath, not a sparse file the size of the whole torrent.
		var single *filestore.Store
		single, err = filestore.Open(outPath, info.PieceLen(pieceIndex), info.PieceLen(pieceIndex))
		file = singlePieceWriter{single}
	}
	if err != nil {
		return err
	}

	schedOpts := scheduler.DefaultOptions()
	schedOpts.RequestTimeout = cfg.RequestTimeout
	schedOpts.PieceTimeout = cfg.PieceTimeout
	schedOpts.MaxRetries = cfg.MaxRetries
	schedOpts.OnlyPieceIndex = pieceIndex

	sched := scheduler.New(info, file, schedOpts, log)

	err = driveScheduler(ctx, sched, sessions, events, opts.OnProgress, log)
	closeErr := file.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// driveScheduler is the single goroutine that owns the scheduler's
// interaction with every peer session: it is the linearization point
// spec.md §5 requires for piece-completion events.
func driveScheduler(ctx context.Context, sched *scheduler.Scheduler, sessions []*peerwire.Session, events <-chan peerwire.Event, onProgress ProgressFunc, log *zap.Logger) error {
	handles := make(map[*peerwire.Session]*scheduler.PeerHandle, len(sessions))
	for _, s := range sessions {
		// A peer's bitfield (and any have messages) may already have
		// arrived and been applied to s.Bitfield before this loop ever
		// starts reading events — most obviously for magnet downloads,
		// where the ut_metadata exchange drains the event channel first.
		// Seed from the session's live bitfield rather than assuming
		// empty, and register peers that already advertised one now,
		// since their EventBitfield was already consumed and will never
		// be seen below.
		h := &scheduler.PeerHandle{Session: s, Bitfield: s.Bitfield, Capacity: 5}
		handles[s] = h
		if len(h.Bitfield) > 0 {
			sched.RegisterPeer(h)
			s.Send(peerwire.Interested())
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	pump := func(h *scheduler.PeerHandle) {
		for {
			block, ok := sched.AssignBlock(h)
			if !ok {
				return
			}
			h.Session.Send(peerwire.Request(block.PieceIndex, block.Begin, block.Length))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sched.Done():
			if onProgress != nil {
				done, total := sched.Progress()
				onProgress(done, total)
			}
			return sched.Err()
		case now := <-ticker.C:
			sched.SweepTimeouts(now)
			for _, h := range handles {
				if !h.Session.PeerChoking {
					pump(h)
				}
			}
		case ev := <-events:
			h, ok := handles[ev.Session]
			if !ok {
				continue
			}
			switch ev.Kind {
			case peerwire.EventBitfield:
				h.Bitfield = peerwire.PeerBitfield(ev.Data)
				sched.RegisterPeer(h)
				ev.Session.Send(peerwire.Interested())
			case peerwire.EventHave:
				sched.UpdateHave(h, ev.Index)
				ev.Session.Send(peerwire.Interested())
			case peerwire.EventUnchoke:
				pump(h)
			case peerwire.EventChoke:
				sched.RequeuePeerPending(h)
			case peerwire.EventPiece:
				if err := sched.HandlePiece(h, ev.Index, ev.Begin, ev.Data); err != nil {
					return err
				}
				if onProgress != nil {
					done, total := sched.Progress()
					onProgress(done, total)
				}
				if !ev.Session.PeerChoking {
					pump(h)
				}
			case peerwire.EventClosed:
				log.Debug("peer disconnected", zap.String("peer", ev.Session.Addr), zap.Error(ev.Err))
				sched.RemovePeer(h)
				delete(handles, ev.Session)
			}
		}
	}
}
