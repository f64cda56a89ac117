// Package codec frames opaque state payloads into a self-describing,
// versioned envelope so that the stores holding them never interpret the
// payload itself.
package codec

import (
	"bytes"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/zeebo/blake3"
)

const envelopeVersion = 1

// payloads smaller than this are stored uncompressed
const minCompressSize = 256

var (
	ErrUnsupportedVersion = goerr.New("unsupported envelope version")
	ErrCorrupted          = goerr.New("envelope digest mismatch")
	ErrSchemaMismatch     = goerr.New("unexpected payload schema")
)

type envelope struct {
	Version     int         `cbor:"1,keyasint"`
	Schema      string      `cbor:"2,keyasint"`
	Compression Compression `cbor:"3,keyasint"`
	Size        int         `cbor:"4,keyasint"`
	Digest      []byte      `cbor:"5,keyasint"`
	Payload     []byte      `cbor:"6,keyasint"`
}

// Seal wraps payload in an envelope tagged with schema. The requested
// compression is skipped when the payload is small or does not shrink.
func Seal(schema string, payload []byte, c Compression) ([]byte, error) {
	digest := blake3.Sum256(payload)
	env := envelope{
		Version:     envelopeVersion,
		Schema:      schema,
		Compression: CompressionNone,
		Size:        len(payload),
		Digest:      digest[:],
		Payload:     payload,
	}

	if c != CompressionNone && len(payload) >= minCompressSize {
		compressed, err := compress(payload, c)
		switch {
		case err == nil:
			env.Compression = c
			env.Payload = compressed
		case errors.Is(err, errIncompressible):
		default:
			return nil, goerr.Wrap(err, "failed to compress payload", goerr.V("schema", schema))
		}
	}

	data, err := Marshal(&env)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode envelope", goerr.V("schema", schema))
	}
	return data, nil
}

// Open decodes an envelope, verifies its digest and returns the schema tag
// with the original payload.
func Open(data []byte) (string, []byte, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return "", nil, goerr.Wrap(err, "failed to decode envelope")
	}
	if env.Version != envelopeVersion {
		return "", nil, goerr.Wrap(ErrUnsupportedVersion, "cannot open envelope", goerr.V("version", env.Version))
	}

	payload, err := decompress(env.Payload, env.Compression, env.Size)
	if err != nil {
		return "", nil, goerr.Wrap(err, "failed to decompress payload", goerr.V("schema", env.Schema))
	}

	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:], env.Digest) {
		return "", nil, goerr.Wrap(ErrCorrupted, "cannot open envelope", goerr.V("schema", env.Schema))
	}

	return env.Schema, payload, nil
}

// OpenAs is Open with a check that the envelope carries the expected schema.
func OpenAs(data []byte, schema string) ([]byte, error) {
	got, payload, err := Open(data)
	if err != nil {
		return nil, err
	}
	if got != schema {
		return nil, goerr.Wrap(ErrSchemaMismatch, "cannot open envelope", goerr.V("want", schema), goerr.V("got", got))
	}
	return payload, nil
}
