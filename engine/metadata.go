package engine

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mjkoch/gotorrent/metainfo"
	"github.com/mjkoch/gotorrent/peerwire"
)

// ErrMetadataUnavailable is returned when every peer has disconnected
// (or the event channel has closed) without delivering verified metadata,
// including the case where no peer ever advertised ut_metadata support.
var ErrMetadataUnavailable = errors.New("engine: no peer offered ut_metadata")

// FetchMetadata drives the ut_metadata exchange (spec.md §4.F) against a
// set of already-handshaked sessions, requesting pieces from one peer at
// a time and switching to the next candidate on reject or disconnect.
func FetchMetadata(ctx context.Context, sessions []*peerwire.Session, infoHash [20]byte, events <-chan peerwire.Event, log *zap.Logger) (*metainfo.Info, error) {
	candidates := make(map[*peerwire.Session]struct{})
	for _, s := range sessions {
		candidates[s] = struct{}{}
	}

	var active *peerwire.Session
	var pieces [][]byte
	var totalSize int64
	var received int

	startFetch := func(s *peerwire.Session) {
		active = s
		numPieces := int((s.MetadataSize + peerwire.MetadataPieceSize - 1) / peerwire.MetadataPieceSize)
		pieces = make([][]byte, numPieces)
		totalSize = s.MetadataSize
		received = 0
		for i := 0; i < numPieces; i++ {
			s.Send(BuildMetadataRequestFor(s, i))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrMetadataUnavailable
			}
			switch ev.Kind {
			case peerwire.EventExtendedHandshake:
				if !ev.Session.HasUTMetadata || ev.Session.MetadataSize <= 0 {
					continue
				}
				if active == nil {
					startFetch(ev.Session)
				}
			case peerwire.EventMetadataData:
				if ev.Session != active {
					continue
				}
				idx := ev.Index
				if idx < 0 || idx >= len(pieces) {
					continue
				}
				if pieces[idx] == nil {
					pieces[idx] = ev.Data
					received++
				}
				if received == len(pieces) {
					raw := make([]byte, 0, totalSize)
					for _, p := range pieces {
						raw = append(raw, p...)
					}
					sum := sha1.Sum(raw)
					if sum != infoHash {
						log.Warn("metadata failed infohash verification, trying another peer")
						active = nil
						if next := pickCandidate(candidates, ev.Session); next != nil {
							startFetch(next)
						}
						continue
					}
					info, _, err := metainfo.ParseInfoDict(raw)
					if err != nil {
						return nil, fmt.Errorf("engine: decoding fetched metadata: %w", err)
					}
					return info, nil
				}
			case peerwire.EventMetadataReject:
				if ev.Session != active {
					continue
				}
				log.Debug("peer rejected metadata piece, trying another peer", zap.String("peer", ev.Session.Addr))
				active = nil
				if next := pickCandidate(candidates, ev.Session); next != nil {
					startFetch(next)
				}
			case peerwire.EventClosed:
				delete(candidates, ev.Session)
				if ev.Session == active {
					active = nil
					if next := pickCandidate(candidates, nil); next != nil {
						startFetch(next)
					}
				}
				if active == nil && len(candidates) == 0 {
					return nil, ErrMetadataUnavailable
				}
			}
		}
	}
}

func pickCandidate(candidates map[*peerwire.Session]struct{}, exclude *peerwire.Session) *peerwire.Session {
	for s := range candidates {
		if s == exclude {
			continue
		}
		if s.HasUTMetadata && s.MetadataSize > 0 {
			return s
		}
	}
	return nil
}

// BuildMetadataRequestFor requests metadata piece index from s using the
// ut_metadata id it advertised in its own extended handshake.
func BuildMetadataRequestFor(s *peerwire.Session, index int) *peerwire.Message {
	return peerwire.BuildMetadataRequest(s.UTMetadataID, index)
}
