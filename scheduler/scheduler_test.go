package scheduler

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjkoch/gotorrent/metainfo"
	"github.com/mjkoch/gotorrent/peerwire"
)

type memFile struct {
	data    []byte
	written map[int][]byte
}

func newMemFile(length int64) *memFile {
	return &memFile{data: make([]byte, length), written: map[int][]byte{}}
}

func (m *memFile) WritePiece(index int, data []byte) error {
	m.written[index] = append([]byte(nil), data...)
	return nil
}
func (m *memFile) Close() error { return nil }

func sampleInfo(pieceLen int64, pieceData [][]byte) *metainfo.Info {
	var total int64
	hashes := make([][20]byte, len(pieceData))
	for i, p := range pieceData {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}
	return &metainfo.Info{
		Name:        "sample",
		PieceLength: pieceLen,
		Length:      total,
		PieceHashes: hashes,
	}
}

func allHavePeer(numPieces int) *PeerHandle {
	bf := peerwire.NewPeerBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.Set(i)
	}
	return &PeerHandle{Bitfield: bf, Capacity: 5}
}

func TestAssignBlockAndHandlePieceCompletesDownload(t *testing.T) {
	piece0 := make([]byte, BlockSize*2) // two blocks exactly
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	info := sampleInfo(int64(len(piece0)), [][]byte{piece0})
	file := newMemFile(info.Length)

	opts := DefaultOptions()
	s := New(info, file, opts, nil)
	peer := allHavePeer(1)
	s.RegisterPeer(peer)

	block1, ok := s.AssignBlock(peer)
	require.True(t, ok)
	block2, ok := s.AssignBlock(peer)
	require.True(t, ok)

	_, ok = s.AssignBlock(peer)
	assert.False(t, ok, "no more free blocks for the only piece")

	require.NoError(t, s.HandlePiece(peer, block1.PieceIndex, block1.Begin, piece0[block1.Begin:block1.Begin+block1.Length]))
	require.NoError(t, s.HandlePiece(peer, block2.PieceIndex, block2.Begin, piece0[block2.Begin:block2.Begin+block2.Length]))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not signal completion")
	}
	require.NoError(t, s.Err())
	assert.Equal(t, piece0, file.written[0])
}

func TestHandlePieceIgnoresStaleBlock(t *testing.T) {
	piece0 := make([]byte, BlockSize)
	info := sampleInfo(int64(len(piece0)), [][]byte{piece0})
	file := newMemFile(info.Length)
	s := New(info, file, DefaultOptions(), nil)
	peer := allHavePeer(1)
	s.RegisterPeer(peer)

	err := s.HandlePiece(peer, 0, 0, piece0)
	assert.NoError(t, err)

	other := allHavePeer(1)
	err = s.HandlePiece(other, 0, 0, piece0)
	assert.NoError(t, err, "stale re-delivery from an unassigned peer is ignored, not an error")
}

func TestVerificationFailureExhaustsRetries(t *testing.T) {
	piece0 := make([]byte, BlockSize)
	info := sampleInfo(int64(len(piece0)), [][]byte{piece0})
	file := newMemFile(info.Length)
	opts := DefaultOptions()
	opts.MaxRetries = 1
	s := New(info, file, opts, nil)
	peer := allHavePeer(1)
	s.RegisterPeer(peer)

	corrupt := make([]byte, BlockSize)
	corrupt[0] = 0xFF

	// opts.MaxRetries == 1: exactly one verification failure is enough to
	// exhaust retries and fail the download.
	block, ok := s.AssignBlock(peer)
	require.True(t, ok)
	require.Error(t, s.HandlePiece(peer, block.PieceIndex, block.Begin, corrupt))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not terminate")
	}
	var verr *PieceVerificationError
	require.ErrorAs(t, s.Err(), &verr)
	assert.Equal(t, 0, verr.Index)
}

func TestVerificationFailureRequeuesBeforeRetriesExhausted(t *testing.T) {
	piece0 := make([]byte, BlockSize)
	info := sampleInfo(int64(len(piece0)), [][]byte{piece0})
	file := newMemFile(info.Length)
	opts := DefaultOptions()
	opts.MaxRetries = 2
	s := New(info, file, opts, nil)
	peer := allHavePeer(1)
	s.RegisterPeer(peer)

	corrupt := make([]byte, BlockSize)
	corrupt[0] = 0xFF

	block, ok := s.AssignBlock(peer)
	require.True(t, ok)
	require.NoError(t, s.HandlePiece(peer, block.PieceIndex, block.Begin, corrupt))

	select {
	case <-s.Done():
		t.Fatal("scheduler terminated before retries were exhausted")
	default:
	}

	block, ok = s.AssignBlock(peer)
	require.True(t, ok, "piece should have been requeued for a second attempt")
	require.NoError(t, s.HandlePiece(peer, block.PieceIndex, block.Begin, piece0))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not terminate")
	}
	require.NoError(t, s.Err())
}

func TestRemovePeerRequeuesInFlightBlocksAndCanExhaustPeers(t *testing.T) {
	piece0 := make([]byte, BlockSize*2)
	info := sampleInfo(int64(len(piece0)), [][]byte{piece0})
	file := newMemFile(info.Length)
	s := New(info, file, DefaultOptions(), nil)
	peer := allHavePeer(1)
	s.RegisterPeer(peer)

	_, ok := s.AssignBlock(peer)
	require.True(t, ok)

	s.RemovePeer(peer)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not terminate")
	}
	assert.ErrorIs(t, s.Err(), ErrPeersExhausted)
}

func TestSweepTimeoutsRequeuesExpiredRequests(t *testing.T) {
	piece0 := make([]byte, BlockSize)
	info := sampleInfo(int64(len(piece0)), [][]byte{piece0})
	file := newMemFile(info.Length)
	opts := DefaultOptions()
	opts.RequestTimeout = time.Millisecond
	s := New(info, file, opts, nil)
	peer := allHavePeer(1)
	s.RegisterPeer(peer)

	_, ok := s.AssignBlock(peer)
	require.True(t, ok)
	_, ok = s.AssignBlock(peer)
	assert.False(t, ok)

	time.Sleep(5 * time.Millisecond)
	s.SweepTimeouts(time.Now())

	block, ok := s.AssignBlock(peer)
	assert.True(t, ok, "expired request should have been requeued")
	assert.Equal(t, 0, block.PieceIndex)
}

func TestDownloadPieceModePreCompletesOtherPieces(t *testing.T) {
	a := make([]byte, BlockSize)
	b := make([]byte, BlockSize)
	for i := range b {
		b[i] = 0x11
	}
	info := sampleInfo(BlockSize, [][]byte{a, b})
	file := newMemFile(info.Length)
	opts := DefaultOptions()
	opts.OnlyPieceIndex = 1
	s := New(info, file, opts, nil)
	peer := allHavePeer(2)
	s.RegisterPeer(peer)

	block, ok := s.AssignBlock(peer)
	require.True(t, ok)
	assert.Equal(t, 1, block.PieceIndex)

	require.NoError(t, s.HandlePiece(peer, 1, 0, b))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not terminate in download-piece mode")
	}
	require.NoError(t, s.Err())
	assert.Nil(t, file.written[0])
	assert.Equal(t, b, file.written[1])
}
