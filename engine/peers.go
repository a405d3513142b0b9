package engine

import (
	"context"
	"crypto/rand"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mjkoch/gotorrent/peerwire"
	"github.com/mjkoch/gotorrent/tracker"
)

// GeneratePeerID builds a 20-byte peer id: prefix followed by random
// bytes, mirroring the convention the teacher's clientID used.
func GeneratePeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, fmt.Errorf("engine: generating peer id: %w", err)
	}
	return id, nil
}

// AnnounceAll queries every tracker URL concurrently and returns the
// union of discovered peer addresses, deduplicated. A tracker that
// fails is logged and skipped rather than failing the whole announce,
// since spec.md only requires the tracker stage to be fatal when it
// yields no peers at all.
func AnnounceAll(ctx context.Context, trackerURLs []string, infoHash, peerID [20]byte, port int, left int64, log *zap.Logger) ([]string, error) {
	type result struct {
		addrs []tracker.PeerAddress
		err   error
	}
	results := make([]result, len(trackerURLs))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range trackerURLs {
		i, url := i, url
		g.Go(func() error {
			c := tracker.NewClient(url)
			resp, err := c.Announce(gctx, tracker.Request{
				InfoHash: infoHash,
				PeerID:   peerID,
				Port:     port,
				Left:     left,
				Event:    "started",
			})
			if err != nil {
				log.Warn("tracker announce failed", zap.String("tracker", url), zap.Error(err))
				results[i] = result{err: err}
				return nil
			}
			results[i] = result{addrs: resp.Peers}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var addrs []string
	for _, r := range results {
		for _, p := range r.addrs {
			s := p.String()
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			addrs = append(addrs, s)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("engine: no peers discovered across %d tracker(s)", len(trackerURLs))
	}
	return addrs, nil
}

// ConnectPeers dials every address concurrently, bounded by maxConcurrent,
// and returns the sessions that completed a handshake. Individual dial
// or handshake failures are logged and skipped; the scheduler tolerates
// a reduced peer set.
func ConnectPeers(ctx context.Context, addrs []string, infoHash, peerID [20]byte, maxConcurrent int, events chan peerwire.Event, log *zap.Logger) []*peerwire.Session {
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	sessions := make([]*peerwire.Session, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			s, err := peerwire.Dial(gctx, addr, peerwire.DialOptions{InfoHash: infoHash, PeerID: peerID}, events, log)
			if err != nil {
				log.Debug("dial failed", zap.String("peer", addr), zap.Error(err))
				return nil
			}
			sessions[i] = s
			return nil
		})
	}
	_ = g.Wait()

	var live []*peerwire.Session
	for _, s := range sessions {
		if s != nil {
			live = append(live, s)
		}
	}
	return live
}

// CloseAll closes every session, ignoring errors: the download is
// already finished or has fatally failed.
func CloseAll(sessions []*peerwire.Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}
