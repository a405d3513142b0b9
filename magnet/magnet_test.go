package magnet

import (
	"encoding/base32"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c&dn=Big+Buck+Bunny&tr=udp%3A%2F%2Fexplodie.org%3A6969&tr=http%3A%2F%2Ftracker.example%2Fannounce"

func TestParseHexInfoHash(t *testing.T) {
	l, err := Parse(sample)
	require.NoError(t, err)
	assert.Equal(t, "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c", l.InfoHashHex())
	assert.Equal(t, "Big Buck Bunny", l.DisplayName)
	assert.Equal(t, []string{
		"udp://explodie.org:6969",
		"http://tracker.example/announce",
	}, l.Trackers)
}

func TestParseBase32InfoHash(t *testing.T) {
	// cross-check: decode then re-encode as base32 and parse that form too
	l1, err := Parse(sample)
	require.NoError(t, err)
	assert.Len(t, l1.InfoHash, 20)

	b32 := base32.StdEncoding.EncodeToString(l1.InfoHash[:])
	require.Len(t, b32, 32)
	l2, err := Parse("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	assert.Equal(t, l1.InfoHash, l2.InfoHash)
}

func TestParseRejectsBadScheme(t *testing.T) {
	_, err := Parse("http://example.com")
	assert.ErrorIs(t, err, ErrBadScheme)
}

func TestParseRejectsMissingXT(t *testing.T) {
	_, err := Parse("magnet:?dn=foo")
	assert.ErrorIs(t, err, ErrMissingXT)
}

func TestParseRejectsBadInfoHashLength(t *testing.T) {
	_, err := Parse("magnet:?xt=urn:btih:deadbeef")
	assert.ErrorIs(t, err, ErrBadInfoHash)
}

func TestParseRejectsMultihash(t *testing.T) {
	_, err := Parse("magnet:?xt=urn:btmh:1220" + strings.Repeat("a", 64))
	assert.ErrorIs(t, err, ErrUnsupportedXT)
}

func TestNameFallsBackToHashPrefix(t *testing.T) {
	l, err := Parse("magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(l.Name(), "..."))
}
