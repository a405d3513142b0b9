package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjkoch/gotorrent/bencode"
)

func compactPeer(a, b, c, d byte, port uint16) []byte {
	return []byte{a, b, c, d, byte(port >> 8), byte(port)}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	var peers []byte
	peers = append(peers, compactPeer(10, 11, 12, 13, 6881)...)
	peers = append(peers, compactPeer(10, 11, 12, 14, 6881)...)

	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"interval": bencode.IntVal(1800),
		"peers":    {Kind: bencode.KindString, Str: peers},
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("info_hash"))
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Announce(context.Background(), Request{Left: 1000, Port: 6881})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "10.11.12.13:6881", resp.Peers[0].String())
	assert.Equal(t, "10.11.12.14:6881", resp.Peers[1].String())
}

func TestAnnounceParsesDictPeers(t *testing.T) {
	dictPeers := bencode.List(
		bencode.Dict(map[string]bencode.Value{
			"ip":   bencode.Str("10.0.0.1"),
			"port": bencode.IntVal(6881),
		}),
		bencode.Dict(map[string]bencode.Value{
			"ip":   bencode.Str("10.0.0.2"),
			"port": bencode.IntVal(51413),
		}),
	)
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"interval": bencode.IntVal(900),
		"peers":    dictPeers,
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Announce(context.Background(), Request{Left: 1000, Port: 6881})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "10.0.0.1:6881", resp.Peers[0].String())
	assert.Equal(t, "10.0.0.2:51413", resp.Peers[1].String())
}

func TestAnnounceReturnsFailureReasonWithoutRetry(t *testing.T) {
	attempts := 0
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"failure reason": bencode.Str("not registered"),
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Announce(context.Background(), Request{Left: 1000, Port: 6881})
	assert.ErrorIs(t, err, ErrFailureReason)
	assert.Equal(t, 1, attempts)
}

func TestAnnounceRetriesTransientHTTPFailure(t *testing.T) {
	attempts := 0
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"interval": bencode.IntVal(1800),
		"peers":    {Kind: bencode.KindString},
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 3)
	resp, err := c.Announce(context.Background(), Request{Left: 1000, Port: 6881})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Empty(t, resp.Peers)
}

func TestAnnounceRejectsMalformedCompactPeersLength(t *testing.T) {
	body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"peers": {Kind: bencode.KindString, Str: []byte{1, 2, 3}},
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 0)
	_, err := c.Announce(context.Background(), Request{Left: 1000, Port: 6881})
	assert.ErrorIs(t, err, ErrBencoded)
}
