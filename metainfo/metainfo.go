// Package metainfo parses .torrent files into the metainfo and info-dict
// models, including infohash computation and the per-piece layout plan.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjkoch/gotorrent/bencode"
)

// ErrInvalid is returned for any torrent file that fails to parse or
// violates the single/multi-file invariants.
var ErrInvalid = errors.New("metainfo: invalid torrent file")

const hashSize = 20

// FileEntry describes one file in a multi-file torrent's layout table,
// mapping a byte range of the concatenated piece stream to a path on disk.
// Single-file torrents have exactly one FileEntry.
type FileEntry struct {
	Offset int64 // cumulative start offset within the torrent's byte stream
	Length int64
	Path   string
}

// Info is the parsed "info" dictionary: the file layout and piece plan.
type Info struct {
	Name        string
	PieceLength int64
	Length      int64 // total length across all files
	PieceHashes [][hashSize]byte
	Files       []FileEntry
}

// Multi reports whether this info dict describes a multi-file torrent.
// The engine only drives single-file downloads (spec Non-goals); the
// layout table is still built so callers can inspect or extend it.
func (i *Info) Multi() bool {
	return len(i.Files) > 1
}

// PieceCount returns ceil(Length / PieceLength).
func (i *Info) PieceCount() int {
	return len(i.PieceHashes)
}

// PieceLen returns the length of the piece at index, accounting for a
// possibly-shorter final piece.
func (i *Info) PieceLen(index int) int64 {
	if index < 0 || index >= i.PieceCount() {
		return 0
	}
	if index == i.PieceCount()-1 {
		last := i.Length - int64(index)*i.PieceLength
		if last > 0 {
			return last
		}
	}
	return i.PieceLength
}

// PieceHash returns the expected SHA-1 hash of the piece at index.
func (i *Info) PieceHash(index int) [hashSize]byte {
	return i.PieceHashes[index]
}

// PieceOffset returns the byte offset of the piece at index within the
// torrent's flattened byte stream.
func (i *Info) PieceOffset(index int) int64 {
	return int64(index) * i.PieceLength
}

// MetaInfo is a fully parsed .torrent file.
type MetaInfo struct {
	AnnounceURL  string
	AnnounceList []string // flattened announce-list, if present
	Info         Info
	InfoHash     [hashSize]byte
}

// Load reads and parses a .torrent file from disk.
func Load(path string) (*MetaInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw bencoded bytes as a .torrent file.
func Parse(data []byte) (*MetaInfo, error) {
	root, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: root value is not a dict", ErrInvalid)
	}

	announce, ok := root.Get("announce")
	if !ok {
		return nil, fmt.Errorf("%w: missing announce", ErrInvalid)
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing info dict", ErrInvalid)
	}
	if infoVal.Raw == nil {
		return nil, fmt.Errorf("%w: decoder did not preserve info dict span", ErrInvalid)
	}
	infoHash := sha1.Sum(infoVal.Raw)

	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	m := &MetaInfo{
		AnnounceURL: announce.String(),
		Info:        *info,
		InfoHash:    infoHash,
	}
	if annList, ok := root.Get("announce-list"); ok {
		m.AnnounceList = flattenAnnounceList(annList)
	}
	return m, nil
}

// ParseInfoDict parses raw bytes that are themselves a bencoded info
// dict (rather than a whole .torrent file), as produced by concatenating
// ut_metadata pieces fetched from a magnet peer. The info hash is the
// SHA-1 of raw exactly as received, matching how a peer-served .torrent
// info dict is hashed.
func ParseInfoDict(raw []byte) (*Info, [hashSize]byte, error) {
	var hash [hashSize]byte
	v, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, hash, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if v.Kind != bencode.KindDict {
		return nil, hash, fmt.Errorf("%w: info dict root is not a dict", ErrInvalid)
	}
	info, err := parseInfo(v)
	if err != nil {
		return nil, hash, err
	}
	return info, sha1.Sum(raw), nil
}

func flattenAnnounceList(v bencode.Value) []string {
	if v.Kind != bencode.KindList {
		return nil
	}
	var urls []string
	for _, tier := range v.List {
		if tier.Kind != bencode.KindList {
			continue
		}
		for _, u := range tier.List {
			if u.Kind == bencode.KindString && len(u.Str) > 0 {
				urls = append(urls, u.String())
			}
		}
	}
	return urls
}

func parseInfo(v bencode.Value) (*Info, error) {
	name, ok := v.Get("name")
	if !ok || len(name.Str) == 0 {
		return nil, fmt.Errorf("%w: info missing name", ErrInvalid)
	}

	pieceLenVal, ok := v.Get("piece length")
	if !ok || pieceLenVal.Int <= 0 {
		return nil, fmt.Errorf("%w: info missing or non-positive piece length", ErrInvalid)
	}

	piecesVal, ok := v.Get("pieces")
	if !ok {
		return nil, fmt.Errorf("%w: info missing pieces", ErrInvalid)
	}
	if len(piecesVal.Str)%hashSize != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrInvalid, len(piecesVal.Str), hashSize)
	}
	hashes := splitHashes(piecesVal.Str)

	var files []FileEntry
	var totalLength int64

	if lengthVal, ok := v.Get("length"); ok {
		if lengthVal.Int <= 0 {
			return nil, fmt.Errorf("%w: non-positive length", ErrInvalid)
		}
		totalLength = lengthVal.Int
		files = []FileEntry{{Offset: 0, Length: totalLength, Path: name.String()}}
	} else {
		filesVal, ok := v.Get("files")
		if !ok || filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
			return nil, fmt.Errorf("%w: info has neither length nor files", ErrInvalid)
		}
		var err error
		files, totalLength, err = parseFiles(filesVal.List)
		if err != nil {
			return nil, err
		}
	}

	pieceCount := len(hashes)
	if pieceCount == 0 {
		return nil, fmt.Errorf("%w: zero pieces", ErrInvalid)
	}
	if int64(pieceCount)*pieceLenVal.Int < totalLength {
		return nil, fmt.Errorf("%w: piece_count*piece_length < length", ErrInvalid)
	}
	if int64(pieceCount-1)*pieceLenVal.Int >= totalLength {
		return nil, fmt.Errorf("%w: (piece_count-1)*piece_length >= length", ErrInvalid)
	}

	return &Info{
		Name:        name.String(),
		PieceLength: pieceLenVal.Int,
		Length:      totalLength,
		PieceHashes: hashes,
		Files:       files,
	}, nil
}

func splitHashes(pieces []byte) [][hashSize]byte {
	hashes := make([][hashSize]byte, len(pieces)/hashSize)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*hashSize:(i+1)*hashSize])
	}
	return hashes
}

func parseFiles(entries []bencode.Value) ([]FileEntry, int64, error) {
	files := make([]FileEntry, len(entries))
	var offset int64
	for i, entry := range entries {
		if entry.Kind != bencode.KindDict {
			return nil, 0, fmt.Errorf("%w: files[%d] is not a dict", ErrInvalid, i)
		}
		lengthVal, ok := entry.Get("length")
		if !ok || lengthVal.Int <= 0 {
			return nil, 0, fmt.Errorf("%w: files[%d] missing or non-positive length", ErrInvalid, i)
		}
		pathVal, ok := entry.Get("path")
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("%w: files[%d] missing path", ErrInvalid, i)
		}
		parts := make([]string, len(pathVal.List))
		for j, p := range pathVal.List {
			parts[j] = p.String()
		}
		files[i] = FileEntry{
			Offset: offset,
			Length: lengthVal.Int,
			Path:   filepath.Join(parts...),
		}
		offset += lengthVal.Int
	}
	return files, offset, nil
}
