// Package magnet parses magnet: URIs per BEP 9, yielding an infohash,
// tracker list and display name.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrBadScheme is returned when the input does not start with "magnet:?".
	ErrBadScheme = errors.New("magnet: not a magnet URI")
	// ErrMissingXT is returned when the required xt parameter is absent.
	ErrMissingXT = errors.New("magnet: missing xt parameter")
	// ErrBadInfoHash is returned when xt's hash cannot be decoded to 20 bytes.
	ErrBadInfoHash = errors.New("magnet: invalid info hash")
	// ErrUnsupportedXT is returned when xt uses any namespace other than urn:btih.
	ErrUnsupportedXT = errors.New("magnet: unsupported xt namespace")
)

const hashSize = 20

// Link is a parsed magnet URI.
type Link struct {
	InfoHash     [hashSize]byte
	DisplayName  string   // dn, informational only
	Trackers     []string // tr, in the order they appeared
	PeerHints    []string // x.pe, BEP 9 direct peer hints
	WebSeeds     []string // ws, BEP 19, not consumed by the engine
	ExactSource  string   // xs, not consumed by the engine
}

// Parse parses a magnet: URI.
func Parse(raw string) (*Link, error) {
	if !strings.HasPrefix(raw, "magnet:?") {
		return nil, ErrBadScheme
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadScheme, err)
	}
	query := u.Query()

	hash, err := parseInfoHash(query)
	if err != nil {
		return nil, err
	}

	link := &Link{
		InfoHash:  hash,
		Trackers:  query["tr"],
		PeerHints: query["x.pe"],
		WebSeeds:  query["ws"],
	}
	if dn := query.Get("dn"); dn != "" {
		link.DisplayName = dn
	}
	if xs := query.Get("xs"); xs != "" {
		link.ExactSource = xs
	}
	return link, nil
}

func parseInfoHash(query url.Values) ([hashSize]byte, error) {
	var hash [hashSize]byte

	xts := query["xt"]
	if len(xts) == 0 {
		return hash, ErrMissingXT
	}
	xt := xts[0]

	var encoded string
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		encoded = strings.TrimPrefix(xt, "urn:btih:")
	case strings.HasPrefix(xt, "urn:btmh:"):
		return hash, fmt.Errorf("%w: urn:btmh (BEP 52 multihash)", ErrUnsupportedXT)
	default:
		return hash, fmt.Errorf("%w: %s", ErrUnsupportedXT, xt)
	}

	switch len(encoded) {
	case 40:
		decoded, err := hex.DecodeString(encoded)
		if err != nil {
			return hash, fmt.Errorf("%w: %v", ErrBadInfoHash, err)
		}
		copy(hash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(encoded))
		if err != nil {
			return hash, fmt.Errorf("%w: %v", ErrBadInfoHash, err)
		}
		copy(hash[:], decoded)
	default:
		return hash, fmt.Errorf("%w: length %d, expected 32 or 40", ErrBadInfoHash, len(encoded))
	}
	return hash, nil
}

// InfoHashHex returns the info hash as a lowercase hex string.
func (l *Link) InfoHashHex() string {
	return hex.EncodeToString(l.InfoHash[:])
}

// Name returns DisplayName, falling back to a hash prefix when empty.
func (l *Link) Name() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	return l.InfoHashHex()[:16] + "..."
}
