// Package codecs compresses the bodies of sync requests and responses, and
// File copies published to blob stores. A Codec names a compression, and is
// carried as the HTTP Content-Encoding of a body or the extension of a copy.
package codecs

import (
	"bytes"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Codec is a body compression.
type Codec string

// Codecs.
const (
	None      Codec = ""
	Gzip      Codec = "gzip"
	Snappy    Codec = "snappy"
	Zstandard Codec = "zstd"
)

// Parse a Codec by name. "identity" and "none" are aliases of None.
func Parse(s string) (Codec, error) {
	switch s {
	case "", "identity", "none":
		return None, nil
	}
	var c = Codec(s)
	return c, c.Validate()
}

// Validate returns an error if the Codec is unknown.
func (c Codec) Validate() error {
	switch c {
	case None, Gzip, Snappy, Zstandard:
		return nil
	}
	return errors.Errorf("unsupported codec %q", string(c))
}

// Extension is the file name extension of content encoded with the Codec.
func (c Codec) Extension() string {
	switch c {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case Zstandard:
		return ".zst"
	}
	return ""
}

// FromExtension returns the Codec of |name| by its extension. Names without
// a recognized extension are None.
func FromExtension(name string) Codec {
	for _, c := range []Codec{Gzip, Snappy, Zstandard} {
		if strings.HasSuffix(name, c.Extension()) {
			return c
		}
	}
	return None
}

// Decompressor is a ReadCloser where Close releases Decompressor state,
// but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close flushes final content to the
// underlying Writer and releases Compressor state, but does not Close or
// otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	}
	return nil, codec.Validate()
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	}
	return nil, codec.Validate()
}

// Compress |b| with Codec.
func Compress(codec Codec, b []byte) ([]byte, error) {
	if codec == None {
		return b, nil
	}
	var buf bytes.Buffer
	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(b); err != nil {
		return nil, errors.WithMessagef(err, "compressing with %s", codec)
	} else if err = w.Close(); err != nil {
		return nil, errors.WithMessagef(err, "compressing with %s", codec)
	}
	return buf.Bytes(), nil
}

// Decompress |b| encoded with Codec.
func Decompress(codec Codec, b []byte) ([]byte, error) {
	if codec == None {
		return b, nil
	}
	var r, err = NewCodecReader(bytes.NewReader(b), codec)
	if err != nil {
		return nil, errors.WithMessagef(err, "decompressing with %s", codec)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithMessagef(err, "decompressing with %s", codec)
	}
	return out, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, errors.New("zstd was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, errors.New("zstd was not enabled at compile time")
	}
)
