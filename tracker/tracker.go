// Package tracker implements the HTTP tracker announce protocol: request
// construction, bencoded response parsing (compact and dict peer lists)
// and transient-failure retry.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mjkoch/gotorrent/bencode"
)

var (
	// ErrHTTP is returned for a transport-level or non-200 HTTP failure.
	ErrHTTP = errors.New("tracker: http request failed")
	// ErrBencoded is returned when the response body is not a valid
	// bencoded dict, or is missing required keys.
	ErrBencoded = errors.New("tracker: malformed response")
	// ErrFailureReason is returned when the response dict carries a
	// "failure reason" key; it is terminal and never retried.
	ErrFailureReason = errors.New("tracker: announce rejected")
)

// PeerAddress is a single peer discovered via an announce.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Request is the set of parameters sent on every announce.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string // "started", "stopped", "completed", or "" for a regular announce
	NumWant    int
}

// Response is a decoded tracker announce response.
type Response struct {
	Interval time.Duration
	Peers    []PeerAddress
	Complete int
	Incomplete int
}

// Client issues announces against a single tracker URL with bounded
// retry of transient failures.
type Client struct {
	AnnounceURL string
	HTTPClient  *http.Client
	Backoff     backoff.BackOff
}

// NewClient builds a Client with sane defaults: a 15s HTTP timeout and
// an exponential backoff capped at 3 attempts total.
func NewClient(announceURL string) *Client {
	return &Client{
		AnnounceURL: announceURL,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		Backoff:     backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2),
	}
}

// Announce performs a single announce, retrying transient HTTP/network
// failures per c.Backoff. A failure-reason response is terminal and is
// returned immediately without retry.
func (c *Client) Announce(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	operation := func() error {
		r, err := c.announceOnce(ctx, req)
		if err != nil {
			if !errors.Is(err, ErrHTTP) {
				// A failure reason or a malformed response body will not
				// change on retry.
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	b := c.Backoff
	if b == nil {
		b = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) announceOnce(ctx context.Context, req Request) (*Response, error) {
	announceURL, err := buildAnnounceURL(c.AnnounceURL, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTP, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTP, err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrHTTP, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrHTTP, resp.StatusCode)
	}

	return parseResponse(body)
}

func buildAnnounceURL(base string, req Request) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != "" {
		q.Set("event", req.Event)
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = encodeByteWise(q)
	return u.String(), nil
}

// encodeByteWise percent-encodes every query value byte-for-byte rather
// than going through url.Values.Encode's UTF-8-aware escaping, which
// would mangle the raw 20-byte info_hash and peer_id values.
func encodeByteWise(q url.Values) string {
	var buf []byte
	first := true
	for _, key := range []string{"info_hash", "peer_id", "port", "uploaded", "downloaded", "left", "compact", "event", "numwant"} {
		if !q.Has(key) {
			continue
		}
		if !first {
			buf = append(buf, '&')
		}
		first = false
		buf = append(buf, key...)
		buf = append(buf, '=')
		for i := 0; i < len(q.Get(key)); i++ {
			c := q.Get(key)[i]
			if isUnreserved(c) {
				buf = append(buf, c)
			} else {
				buf = append(buf, '%', hexDigit(c>>4), hexDigit(c&0xF))
			}
		}
	}
	return string(buf)
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + (n - 10)
}

func parseResponse(body []byte) (*Response, error) {
	v, _, err := bencode.Decode(body)
	if err != nil || v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: %v", ErrBencoded, err)
	}

	if reason, ok := v.Get("failure reason"); ok {
		return nil, fmt.Errorf("%w: %s", ErrFailureReason, reason.String())
	}

	resp := &Response{}
	if intervalVal, ok := v.Get("interval"); ok {
		resp.Interval = time.Duration(intervalVal.Int) * time.Second
	}
	if completeVal, ok := v.Get("complete"); ok {
		resp.Complete = int(completeVal.Int)
	}
	if incompleteVal, ok := v.Get("incomplete"); ok {
		resp.Incomplete = int(incompleteVal.Int)
	}

	peersVal, ok := v.Get("peers")
	if !ok {
		return nil, fmt.Errorf("%w: missing peers", ErrBencoded)
	}
	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers

	if peers6Val, ok := v.Get("peers6"); ok && peers6Val.Kind == bencode.KindString {
		ipv6, err := parseCompactPeers(peers6Val.Str, 18, net.IPv6len)
		if err != nil {
			return nil, err
		}
		resp.Peers = append(resp.Peers, ipv6...)
	}

	return resp, nil
}

func parsePeers(v bencode.Value) ([]PeerAddress, error) {
	switch v.Kind {
	case bencode.KindString:
		return parseCompactPeers(v.Str, 6, net.IPv4len)
	case bencode.KindList:
		return parseDictPeers(v.List)
	default:
		return nil, fmt.Errorf("%w: peers is neither a string nor a list", ErrBencoded)
	}
}

func parseCompactPeers(data []byte, stride, ipLen int) ([]PeerAddress, error) {
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of %d", ErrBencoded, len(data), stride)
	}
	peers := make([]PeerAddress, 0, len(data)/stride)
	for i := 0; i < len(data); i += stride {
		ip := make(net.IP, ipLen)
		copy(ip, data[i:i+ipLen])
		port := uint16(data[i+ipLen])<<8 | uint16(data[i+ipLen+1])
		peers = append(peers, PeerAddress{IP: ip, Port: port})
	}
	return peers, nil
}

func parseDictPeers(entries []bencode.Value) ([]PeerAddress, error) {
	peers := make([]PeerAddress, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind != bencode.KindDict {
			return nil, fmt.Errorf("%w: peer entry is not a dict", ErrBencoded)
		}
		ipVal, ok := entry.Get("ip")
		if !ok {
			return nil, fmt.Errorf("%w: peer entry missing ip", ErrBencoded)
		}
		portVal, ok := entry.Get("port")
		if !ok {
			return nil, fmt.Errorf("%w: peer entry missing port", ErrBencoded)
		}
		ip := net.ParseIP(ipVal.String())
		if ip == nil {
			return nil, fmt.Errorf("%w: unparseable peer ip %q", ErrBencoded, ipVal.String())
		}
		peers = append(peers, PeerAddress{IP: ip, Port: uint16(portVal.Int)})
	}
	return peers, nil
}
