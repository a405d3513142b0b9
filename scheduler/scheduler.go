// Package scheduler is the central download coordinator: rarest-first
// piece selection, block-level request pipelining across many peers,
// per-piece verification and retry, and timeout-driven requeueing.
package scheduler

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mjkoch/gotorrent/metainfo"
	"github.com/mjkoch/gotorrent/peerwire"
)

// BlockSize is the fixed request unit, per BEP 3 convention.
const BlockSize = 16 * 1024

// FileWriter is the subset of filestore.Store the scheduler needs: a
// positioned, verified-piece write.
type FileWriter interface {
	WritePiece(index int, data []byte) error
	Close() error
}

// Block identifies one request unit within a piece.
type Block struct {
	PieceIndex int
	Begin      int
	Length     int
}

type pieceStatus int

const (
	statusPending pieceStatus = iota
	statusActive
	statusVerifying
	statusComplete
)

type pieceState struct {
	length   int64
	numBlocks int
	blocks   *bitset.BitSet // set bit = block received
	buffer   []byte
	status   pieceStatus
	retries  int
	touched  time.Time
}

// PeerHandle is the scheduler's view of one connected peer: its session,
// its last-known bitfield, and its in-flight request accounting.
type PeerHandle struct {
	Session  *peerwire.Session
	Bitfield peerwire.PeerBitfield
	Pending  atomic.Int32
	Capacity int
}

type blockKey struct {
	index int
	begin int
}

type assignment struct {
	peer      *PeerHandle
	requested time.Time
}

// Options configures a Scheduler.
type Options struct {
	RequestTimeout  time.Duration
	PieceTimeout    time.Duration
	MaxRetries      int
	PeerCapacity    int  // not read by the scheduler; AssignBlock limits each peer by PeerHandle.Capacity
	OnlyPieceIndex  int  // -1 to download every piece
}

// DefaultOptions mirrors spec.md §4.G's defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 10 * time.Second,
		PieceTimeout:   30 * time.Second,
		MaxRetries:     3,
		PeerCapacity:   5,
		OnlyPieceIndex: -1,
	}
}

// Scheduler coordinates piece/block assignment across a swarm of peers
// for a single torrent download.
type Scheduler struct {
	mu sync.Mutex

	info    *metainfo.Info
	pieces  []*pieceState
	file    FileWriter
	log     *zap.Logger
	opts    Options

	availability []int
	buckets      []map[int]struct{}
	freeBlocks   [][]Block

	inFlight map[blockKey]assignment
	peers    map[*PeerHandle]struct{}

	completed       atomic.Int64
	targetCompleted int64

	done     chan struct{}
	doneOnce sync.Once
	failErr  error
}

// New builds a Scheduler for info, writing verified pieces through file.
// When opts.OnlyPieceIndex is >= 0, every other piece is pre-marked
// Complete so the scheduler's termination condition fires as soon as
// that single piece verifies (spec.md §4.G download-piece mode).
func New(info *metainfo.Info, file FileWriter, opts Options, log *zap.Logger) *Scheduler {
	n := info.PieceCount()
	s := &Scheduler{
		info:         info,
		pieces:       make([]*pieceState, n),
		file:         file,
		log:          log,
		opts:         opts,
		availability: make([]int, n),
		buckets:      []map[int]struct{}{{}},
		freeBlocks:   make([][]Block, n),
		inFlight:     make(map[blockKey]assignment),
		peers:        make(map[*PeerHandle]struct{}),
		done:         make(chan struct{}),
	}

	for i := 0; i < n; i++ {
		numBlocks := int((info.PieceLen(i) + BlockSize - 1) / BlockSize)
		s.pieces[i] = &pieceState{
			length:    info.PieceLen(i),
			numBlocks: numBlocks,
			blocks:    bitset.New(uint(numBlocks)),
		}
		if opts.OnlyPieceIndex >= 0 && i != opts.OnlyPieceIndex {
			s.pieces[i].status = statusComplete
			s.targetCompleted++
			continue
		}
		s.targetCompleted++
		s.freeBlocks[i] = blocksFor(i, numBlocks, info.PieceLen(i))
		s.buckets[0][i] = struct{}{}
	}
	s.completed.Store(s.targetCompleted - int64(countPending(opts, n)))
	return s
}

func countPending(opts Options, n int) int {
	if opts.OnlyPieceIndex < 0 {
		return n
	}
	return 1
}

func blocksFor(pieceIndex, numBlocks int, pieceLen int64) []Block {
	blocks := make([]Block, numBlocks)
	for b := 0; b < numBlocks; b++ {
		begin := b * BlockSize
		length := BlockSize
		if remaining := int(pieceLen) - begin; remaining < length {
			length = remaining
		}
		blocks[b] = Block{PieceIndex: pieceIndex, Begin: begin, Length: length}
	}
	return blocks
}

// Done returns a channel closed when every targeted piece is Complete
// or a fatal error has occurred; check Err after it closes.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err returns the fatal error, if the scheduler terminated abnormally.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// Progress reports how many pieces are complete out of the target.
func (s *Scheduler) Progress() (done, total int64) {
	return s.completed.Load(), s.targetCompleted
}

func (s *Scheduler) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.failErr = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Scheduler) ensureBucket(avail int) {
	for len(s.buckets) <= avail {
		s.buckets = append(s.buckets, make(map[int]struct{}))
	}
}

// RegisterPeer adds a new peer with its current bitfield to availability
// tracking, moving pending pieces into higher-availability buckets. It is
// idempotent: a peer already registered (e.g. its bitfield event was
// consumed once during metadata fetch and again once the scheduler's own
// event loop starts) is left untouched rather than double-counted.
func (s *Scheduler) RegisterPeer(peer *PeerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.peers[peer]; already {
		return
	}
	s.peers[peer] = struct{}{}
	for i, ps := range s.pieces {
		if ps.status == statusComplete || !peer.Bitfield.Has(i) {
			continue
		}
		s.bumpAvailability(i, 1)
	}
}

// UpdateHave moves a peer's advertised piece into a higher bucket, for
// a Have message arriving after the initial bitfield.
func (s *Scheduler) UpdateHave(peer *PeerHandle, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return
	}
	peer.Bitfield.Set(index)
	if s.pieces[index].status != statusComplete {
		s.bumpAvailability(index, 1)
	}
}

func (s *Scheduler) bumpAvailability(index, delta int) {
	oldAvail := s.availability[index]
	s.availability[index] += delta
	if len(s.freeBlocks[index]) == 0 {
		return // no free blocks to reshuffle between buckets
	}
	if oldAvail < len(s.buckets) {
		delete(s.buckets[oldAvail], index)
	}
	newAvail := s.availability[index]
	s.ensureBucket(newAvail)
	s.buckets[newAvail][index] = struct{}{}
}

// RemovePeer requeues the peer's in-flight blocks and drops it from the
// swarm. If no peers remain and the download is incomplete, it fails
// with ErrPeersExhausted.
func (s *Scheduler) RemovePeer(peer *PeerHandle) {
	s.mu.Lock()
	delete(s.peers, peer)
	for key, a := range s.inFlight {
		if a.peer == peer {
			delete(s.inFlight, key)
			s.requeueBlock(Block{PieceIndex: key.index, Begin: key.begin, Length: blockLen(s.pieces[key.index], key.begin)})
		}
	}
	exhausted := len(s.peers) == 0 && s.completed.Load() < s.targetCompleted
	s.mu.Unlock()
	if exhausted {
		s.finish(ErrPeersExhausted)
	}
}

// RequeuePeerPending requeues every block currently in flight to peer
// without dropping the peer itself, for a choke message: further
// requests are suspended but the peer stays in the swarm.
func (s *Scheduler) RequeuePeerPending(peer *PeerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, a := range s.inFlight {
		if a.peer != peer {
			continue
		}
		delete(s.inFlight, key)
		peer.Pending.Dec()
		s.requeueBlock(Block{PieceIndex: key.index, Begin: key.begin, Length: blockLen(s.pieces[key.index], key.begin)})
	}
}

func blockLen(ps *pieceState, begin int) int {
	if remaining := int(ps.length) - begin; remaining < BlockSize {
		return remaining
	}
	return BlockSize
}

// requeueBlock puts a block back on its piece's free list and, if the
// piece had fallen out of its bucket (all blocks were assigned), puts
// the piece back. Caller must hold s.mu.
func (s *Scheduler) requeueBlock(b Block) {
	ps := s.pieces[b.PieceIndex]
	if ps.status == statusComplete {
		return
	}
	wasEmpty := len(s.freeBlocks[b.PieceIndex]) == 0
	s.freeBlocks[b.PieceIndex] = append(s.freeBlocks[b.PieceIndex], b)
	if wasEmpty {
		avail := s.availability[b.PieceIndex]
		s.ensureBucket(avail)
		s.buckets[avail][b.PieceIndex] = struct{}{}
	}
}

// AssignBlock picks the rarest eligible piece (ties broken by lowest
// index) that peer has and that still has a free block, pops one block
// from it, and records the assignment. ok is false if no eligible block
// exists right now (peer is at capacity or has nothing we need). The
// peer's choke state is not consulted; callers only ask for blocks on
// behalf of unchoked peers.
func (s *Scheduler) AssignBlock(peer *PeerHandle) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(peer.Pending.Load()) >= peer.Capacity {
		return Block{}, false
	}

	for avail := 0; avail < len(s.buckets); avail++ {
		bucket := s.buckets[avail]
		if len(bucket) == 0 {
			continue
		}
		indices := make([]int, 0, len(bucket))
		for index := range bucket {
			indices = append(indices, index)
		}
		sort.Ints(indices)
		for _, index := range indices {
			if !peer.Bitfield.Has(index) {
				continue
			}
			blocks := s.freeBlocks[index]
			if len(blocks) == 0 {
				continue
			}
			block := blocks[0]
			s.freeBlocks[index] = blocks[1:]
			if len(s.freeBlocks[index]) == 0 {
				delete(s.buckets[avail], index)
			}
			s.pieces[index].status = statusActive
			s.pieces[index].touched = time.Now()
			s.inFlight[blockKey{index, block.Begin}] = assignment{peer: peer, requested: time.Now()}
			peer.Pending.Inc()
			return block, true
		}
	}
	return Block{}, false
}

// HandlePiece processes an inbound piece message. Stale or misattributed
// blocks (already requeued by a timeout, or credited to the wrong peer)
// are silently ignored, since a slow peer's late reply is expected.
func (s *Scheduler) HandlePiece(peer *PeerHandle, index, begin int, data []byte) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.pieces) {
		s.mu.Unlock()
		return nil
	}
	key := blockKey{index, begin}
	a, ok := s.inFlight[key]
	if !ok || a.peer != peer {
		s.mu.Unlock()
		return nil
	}
	delete(s.inFlight, key)
	peer.Pending.Dec()

	ps := s.pieces[index]
	if ps.buffer == nil {
		ps.buffer = make([]byte, ps.length)
	}
	copy(ps.buffer[begin:], data)
	ps.blocks.Set(uint(begin / BlockSize))
	ps.touched = time.Now()

	complete := ps.blocks.Count() == uint(ps.numBlocks)
	var buf []byte
	if complete {
		ps.status = statusVerifying
		buf = ps.buffer
	}
	s.mu.Unlock()

	if !complete {
		return nil
	}
	return s.verifyAndFinish(index, buf)
}

// verifyAndFinish hashes a fully-received piece without holding the
// scheduler's mutex (spec.md §5: CPU work must not block the event path
// under the shared lock).
func (s *Scheduler) verifyAndFinish(index int, buf []byte) error {
	sum := sha1.Sum(buf)
	if sum != s.info.PieceHash(index) {
		s.mu.Lock()
		ps := s.pieces[index]
		ps.blocks.ClearAll()
		ps.buffer = nil
		ps.status = statusPending
		ps.retries++
		retries := ps.retries
		if retries >= s.opts.MaxRetries {
			s.mu.Unlock()
			err := &PieceVerificationError{Index: index}
			s.finish(err)
			return err
		}
		s.freeBlocks[index] = blocksFor(index, ps.numBlocks, ps.length)
		avail := s.availability[index]
		s.ensureBucket(avail)
		s.buckets[avail][index] = struct{}{}
		s.mu.Unlock()
		if s.log != nil {
			s.log.Warn("piece failed verification, retrying", zap.Int("index", index), zap.Int("retries", retries))
		}
		return nil
	}

	if err := s.file.WritePiece(index, buf); err != nil {
		werr := fmt.Errorf("scheduler: writing piece %d: %w", index, err)
		s.finish(werr)
		return werr
	}

	s.mu.Lock()
	ps := s.pieces[index]
	ps.status = statusComplete
	ps.buffer = nil
	s.mu.Unlock()

	total := s.completed.Inc()
	if s.log != nil {
		s.log.Info("piece complete", zap.Int("index", index), zap.Int64("completed", total), zap.Int64("target", s.targetCompleted))
	}
	if total >= s.targetCompleted {
		s.finish(nil)
	}
	return nil
}

// SweepTimeouts requeues blocks whose request_timeout has elapsed and
// resets pieces whose piece_timeout has elapsed with no progress. It is
// meant to be called periodically (e.g. from a ticker in the engine).
func (s *Scheduler) SweepTimeouts(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, a := range s.inFlight {
		if now.Sub(a.requested) < s.opts.RequestTimeout {
			continue
		}
		delete(s.inFlight, key)
		a.peer.Pending.Dec()
		s.requeueBlock(Block{PieceIndex: key.index, Begin: key.begin, Length: blockLen(s.pieces[key.index], key.begin)})
	}

	for index, ps := range s.pieces {
		if ps.status != statusActive || ps.touched.IsZero() {
			continue
		}
		if now.Sub(ps.touched) < s.opts.PieceTimeout {
			continue
		}
		for key, a := range s.inFlight {
			if key.index == index {
				delete(s.inFlight, key)
				a.peer.Pending.Dec()
			}
		}
		ps.blocks.ClearAll()
		ps.buffer = nil
		ps.status = statusPending
		s.freeBlocks[index] = blocksFor(index, ps.numBlocks, ps.length)
		avail := s.availability[index]
		s.ensureBucket(avail)
		s.buckets[avail][index] = struct{}{}
	}
}
