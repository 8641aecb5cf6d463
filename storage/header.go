package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Head is a committed snapshot root of a File.
type Head struct {
	// Version of the snapshot. Zero is an empty File never committed to.
	Version uint64
	// Root page of the snapshot's tree, or zero if empty.
	Root Ref
	// FreeList is the first page of the persisted free-page chain, or zero.
	FreeList Ref
	// PageCount is the number of pages (including the header) in use.
	PageCount uint64
	// Slot is the header slot which published this Head.
	Slot int
}

const (
	formatVersion = 1
	flagEncrypted = 1 << 0

	offMagic     = 0
	offFormat    = 8
	offFlags     = 12
	offFileID    = 16
	offKCNonce   = 32
	offStaticCRC = 120
	offSlot0     = 128
	slotStride   = 64
	slotSize     = 36
)

var (
	magic         = []byte("STRATA01")
	keyCheckPlain = []byte("strata key check")
	keyCheckAD    = []byte("header")
)

// header is the decoded form of page zero.
type header struct {
	encrypted bool
	fileID    uuid.UUID
	keyCheck  []byte // Nonce + sealed keyCheckPlain, if encrypted.
	slots     [2]Head
	valid     [2]bool
}

func newHeader(s sealer) (*header, error) {
	var h = &header{fileID: uuid.New()}

	if a, ok := s.(*aeadSealer); ok {
		h.encrypted = true
		var nonce = make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		h.keyCheck = a.aead.Seal(nonce, nonce, keyCheckPlain, keyCheckAD)
	}
	// Slot zero holds an empty, version-zero Head of a single (header) page.
	h.slots[0] = Head{PageCount: 1}
	h.valid[0] = true
	return h, nil
}

func (h *header) marshal() []byte {
	var b = make([]byte, PageSize)
	copy(b[offMagic:], magic)
	binary.LittleEndian.PutUint32(b[offFormat:], formatVersion)
	if h.encrypted {
		binary.LittleEndian.PutUint32(b[offFlags:], flagEncrypted)
		copy(b[offKCNonce:], h.keyCheck)
	}
	copy(b[offFileID:], h.fileID[:])
	binary.LittleEndian.PutUint32(b[offStaticCRC:], crc32.Checksum(b[:offStaticCRC], crcTable))

	for i := range h.slots {
		if h.valid[i] {
			putSlot(b, i, h.slots[i])
		}
	}
	return b
}

func putSlot(b []byte, i int, head Head) {
	var s = b[offSlot0+i*slotStride : offSlot0+i*slotStride+slotSize]
	binary.LittleEndian.PutUint64(s[0:], head.Version)
	binary.LittleEndian.PutUint64(s[8:], uint64(head.Root))
	binary.LittleEndian.PutUint64(s[16:], uint64(head.FreeList))
	binary.LittleEndian.PutUint64(s[24:], head.PageCount)
	binary.LittleEndian.PutUint32(s[32:], crc32.Checksum(s[:32], crcTable))
}

func unmarshalHeader(b []byte) (*header, error) {
	if len(b) != PageSize || !bytes.Equal(b[:len(magic)], magic) {
		return nil, errors.Wrap(ErrCorrupt, "not a strata file (bad magic)")
	} else if crc32.Checksum(b[:offStaticCRC], crcTable) != binary.LittleEndian.Uint32(b[offStaticCRC:]) {
		return nil, errors.Wrap(ErrCorrupt, "header checksum mismatch")
	} else if f := binary.LittleEndian.Uint32(b[offFormat:]); f != formatVersion {
		return nil, errors.Wrapf(ErrCorrupt, "unsupported file format %d", f)
	}

	var h = new(header)
	h.encrypted = binary.LittleEndian.Uint32(b[offFlags:])&flagEncrypted != 0
	copy(h.fileID[:], b[offFileID:offFileID+16])

	if h.encrypted {
		var n = chacha20poly1305.NonceSizeX + len(keyCheckPlain) + chacha20poly1305.Overhead
		h.keyCheck = append([]byte(nil), b[offKCNonce:offKCNonce+n]...)
	}
	for i := range h.slots {
		var s = b[offSlot0+i*slotStride : offSlot0+i*slotStride+slotSize]
		if crc32.Checksum(s[:32], crcTable) != binary.LittleEndian.Uint32(s[32:]) {
			continue // Torn or never-written slot.
		}
		h.slots[i] = Head{
			Version:   binary.LittleEndian.Uint64(s[0:]),
			Root:      Ref(binary.LittleEndian.Uint64(s[8:])),
			FreeList:  Ref(binary.LittleEndian.Uint64(s[16:])),
			PageCount: binary.LittleEndian.Uint64(s[24:]),
			Slot:      i,
		}
		h.valid[i] = h.slots[i].PageCount != 0
	}
	if !h.valid[0] && !h.valid[1] {
		return nil, errors.Wrap(ErrCorrupt, "no valid header slot")
	}
	return h, nil
}

// current returns the valid slot having the highest version.
func (h *header) current() Head {
	if !h.valid[1] || (h.valid[0] && h.slots[0].Version >= h.slots[1].Version) {
		return h.slots[0]
	}
	return h.slots[1]
}

// verifyKey checks the sealer against the header's encryption state.
func (h *header) verifyKey(s sealer) error {
	var a, isAEAD = s.(*aeadSealer)

	switch {
	case h.encrypted && !isAEAD:
		return errors.Wrap(ErrDecryption, "file is encrypted but no key was provided")
	case !h.encrypted && isAEAD:
		return errors.Wrap(ErrDecryption, "file is not encrypted but a key was provided")
	case !h.encrypted:
		return nil
	}
	var nonce = h.keyCheck[:chacha20poly1305.NonceSizeX]
	if plain, err := a.aead.Open(nil, nonce, h.keyCheck[len(nonce):], keyCheckAD); err != nil ||
		!bytes.Equal(plain, keyCheckPlain) {
		return errors.Wrap(ErrDecryption, "invalid encryption key")
	}
	return nil
}
