package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// PageSize is the physical size of every page of a File.
	PageSize = 4096
	// PayloadSize is the number of usable bytes of each page, after
	// accounting for its checksum or encryption envelope.
	PayloadSize = 4032
	// KeySize is the required length of an encryption key.
	KeySize = 64
)

// Ref addresses a page of a File. The zero Ref is the header page, and is
// never handed out by Allocate: it doubles as a "nil" page reference.
type Ref uint64

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// sealer frames page payloads into physical pages and back.
type sealer interface {
	seal(ref Ref, payload []byte, page []byte) error
	open(ref Ref, page []byte, payload []byte) error
}

// plainSealer frames a payload with a trailing CRC32-C.
type plainSealer struct{}

func (plainSealer) seal(_ Ref, payload []byte, page []byte) error {
	copy(page[:PayloadSize], payload)
	for i := len(payload); i < PayloadSize; i++ {
		page[i] = 0
	}
	binary.LittleEndian.PutUint32(page[PayloadSize:], crc32.Checksum(page[:PayloadSize], crcTable))
	return nil
}

func (plainSealer) open(ref Ref, page []byte, payload []byte) error {
	if crc32.Checksum(page[:PayloadSize], crcTable) != binary.LittleEndian.Uint32(page[PayloadSize:]) {
		return errors.Wrapf(ErrCorrupt, "checksum mismatch at page %d", ref)
	}
	copy(payload, page[:PayloadSize])
	return nil
}

// aeadSealer encrypts each page with XChaCha20-Poly1305 under a random
// nonce, authenticating the page Ref so that pages can't be transposed.
type aeadSealer struct {
	aead cipher.AEAD
}

func newAEADSealer(key []byte) (*aeadSealer, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("encryption key must be %d bytes (got %d)", KeySize, len(key))
	}
	var derived = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte("strata page key")), derived); err != nil {
		return nil, errors.WithMessage(err, "deriving page key")
	}
	var aead, err = chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, err
	}
	return &aeadSealer{aead: aead}, nil
}

func (s *aeadSealer) seal(ref Ref, payload []byte, page []byte) error {
	var nonce = page[:chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return errors.WithMessage(err, "generating nonce")
	}
	var plain [PayloadSize]byte
	copy(plain[:], payload)

	var out = s.aead.Seal(page[len(nonce):len(nonce)], nonce, plain[:], refAD(ref))
	for i := len(nonce) + len(out); i < PageSize; i++ {
		page[i] = 0
	}
	return nil
}

func (s *aeadSealer) open(ref Ref, page []byte, payload []byte) error {
	var nonce = page[:chacha20poly1305.NonceSizeX]
	var sealed = page[len(nonce) : len(nonce)+PayloadSize+s.aead.Overhead()]

	var plain, err = s.aead.Open(nil, nonce, sealed, refAD(ref))
	if err != nil {
		return errors.Wrapf(ErrDecryption, "page %d", ref)
	}
	copy(payload, plain)
	return nil
}

func refAD(ref Ref) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ref))
	return b[:]
}
