package codec_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/utils/codec"
)

func TestSealAndOpen(t *testing.T) {
	large := []byte(strings.Repeat(`{"role":"user","text":"book the 10am slot"}`, 64))

	testCases := []struct {
		name        string
		payload     []byte
		compression codec.Compression
	}{
		{"small none", []byte(`{"a":1}`), codec.CompressionNone},
		{"small zstd", []byte(`{"a":1}`), codec.CompressionZstd},
		{"large zstd", large, codec.CompressionZstd},
		{"large lz4", large, codec.CompressionLZ4},
		{"empty", []byte{}, codec.CompressionZstd},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := codec.Seal("test/v1", tc.payload, tc.compression)
			gt.NoError(t, err)

			schema, payload, err := codec.Open(sealed)
			gt.NoError(t, err)
			gt.Equal(t, schema, "test/v1")
			gt.True(t, bytes.Equal(payload, tc.payload))
		})
	}
}

func TestSealCompressesLargePayload(t *testing.T) {
	large := []byte(strings.Repeat("afternoon meetings preferred. ", 200))

	plain, err := codec.Seal("test/v1", large, codec.CompressionNone)
	gt.NoError(t, err)
	packed, err := codec.Seal("test/v1", large, codec.CompressionZstd)
	gt.NoError(t, err)

	gt.True(t, len(packed) < len(plain))
}

func TestOpenAs(t *testing.T) {
	sealed, err := codec.Seal("chat/v1", []byte("state"), codec.CompressionNone)
	gt.NoError(t, err)

	payload, err := codec.OpenAs(sealed, "chat/v1")
	gt.NoError(t, err)
	gt.Equal(t, string(payload), "state")

	_, err = codec.OpenAs(sealed, "chat/v2")
	gt.True(t, errors.Is(err, codec.ErrSchemaMismatch))
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, _, err := codec.Open([]byte("not an envelope"))
	gt.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := codec.ParseCompression("ZSTD")
	gt.NoError(t, err)
	gt.Equal(t, c, codec.CompressionZstd)
	gt.Equal(t, c.String(), "zstd")

	c, err = codec.ParseCompression("")
	gt.NoError(t, err)
	gt.Equal(t, c, codec.CompressionNone)

	_, err = codec.ParseCompression("brotli")
	gt.Error(t, err)
}
