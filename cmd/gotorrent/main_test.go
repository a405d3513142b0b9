package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDecodeList(t *testing.T) {
	out, err := execute(t, "decode", "l5:helloi52ee")
	require.NoError(t, err)
	assert.JSONEq(t, `["hello", 52]`, out)
}

func TestDecodeDict(t *testing.T) {
	out, err := execute(t, "decode", "d3:foo3:bar5:helloi52ee")
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":"bar","hello":52}`, out)
}

func TestDecodeMalformedIsExpectedFailureNotMisuse(t *testing.T) {
	_, err := execute(t, "decode", "not-bencoded")
	require.Error(t, err)
	var ue usageError
	assert.False(t, errors.As(err, &ue))
}

func TestDecodeWrongArgCountIsMisuse(t *testing.T) {
	_, err := execute(t, "decode")
	require.Error(t, err)
	var ue usageError
	assert.True(t, errors.As(err, &ue))
}

func TestDownloadRequiresOutputFlag(t *testing.T) {
	_, err := execute(t, "download", "sample.torrent")
	require.Error(t, err)
	var ue usageError
	assert.True(t, errors.As(err, &ue))
}

func TestInfoRejectsMissingTorrentFile(t *testing.T) {
	_, err := execute(t, "info", "/nonexistent/path.torrent")
	require.Error(t, err)
	var ue usageError
	assert.False(t, errors.As(err, &ue))
}

func TestBencodeToJSONRendersNonUTF8StringsAsHex(t *testing.T) {
	out, err := execute(t, "decode", "3:\xff\xfe\x00")
	require.NoError(t, err)
	assert.JSONEq(t, `"fffe00"`, out)
}
