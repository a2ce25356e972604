package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// BlockIDSize is the size of a block hash in bytes.
const BlockIDSize = sha256.Size

// BlockID identifies a block by the hash of its header.
type BlockID [BlockIDSize]byte

// ZeroBlockID is the parent hash of the genesis header.
var ZeroBlockID BlockID

// BlockIDFromHex parses a hex-encoded (any case) block hash.
func BlockIDFromHex(s string) (BlockID, error) {
	var id BlockID
	bz, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid block id encoding: %w", err)
	}
	if len(bz) != BlockIDSize {
		return id, fmt.Errorf("expected size to be %d bytes, got %d bytes", BlockIDSize, len(bz))
	}
	copy(id[:], bz)
	return id, nil
}

// IsZero reports whether the id is the zero hash.
func (id BlockID) IsZero() bool {
	return id == ZeroBlockID
}

// String returns the uppercase hex form of the hash.
func (id BlockID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// ShortString returns the first 6 bytes of the hash, for log lines.
func (id BlockID) ShortString() string {
	return id.String()[:12]
}

// Header is the part of a block the scheduler reasons about: its position
// in the chain and the link to its parent. Everything else in a block is an
// opaque payload.
type Header struct {
	Height   int64   `json:"height"`
	Hash     BlockID `json:"hash"`
	PrevHash BlockID `json:"prev_hash"`
}

// NewHeader builds a header at height on top of prev, deriving its hash
// from the height, the parent hash and the salt. Different salts at the
// same height and parent produce competing headers, which is how forks are
// built.
func NewHeader(height int64, prev BlockID, salt []byte) *Header {
	h := &Header{Height: height, PrevHash: prev}
	h.Hash = h.computeHash(salt)
	return h
}

func (h *Header) computeHash(salt []byte) BlockID {
	var bz [8]byte
	binary.BigEndian.PutUint64(bz[:], uint64(h.Height))

	hasher := sha256.New()
	hasher.Write(bz[:])
	hasher.Write(h.PrevHash[:])
	hasher.Write(salt)

	var id BlockID
	copy(id[:], hasher.Sum(nil))
	return id
}

// Position returns the chain position of the header.
func (h *Header) Position() ChainPosition {
	return ChainPosition{Height: h.Height, Hash: h.Hash}
}

// ValidateBasic performs basic validation.
func (h *Header) ValidateBasic() error {
	if h == nil {
		return errors.New("nil header")
	}
	if h.Height < 0 {
		return fmt.Errorf("negative height %d", h.Height)
	}
	if h.Hash.IsZero() {
		return errors.New("zero hash")
	}
	if h.Height > 0 && h.PrevHash.IsZero() {
		return fmt.Errorf("missing parent hash at height %d", h.Height)
	}
	return nil
}

// String returns a short description of the header.
func (h *Header) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{%d %v prev:%v}", h.Height, h.Hash.ShortString(), h.PrevHash.ShortString())
}

// ChainPosition is a (height, hash) pair naming one block of a chain.
type ChainPosition struct {
	Height int64   `json:"height"`
	Hash   BlockID `json:"hash"`
}

// String implements fmt.Stringer.
func (p ChainPosition) String() string {
	return fmt.Sprintf("%d/%v", p.Height, p.Hash.ShortString())
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler
func (p ChainPosition) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("height", p.Height)
	e.Str("hash", p.Hash.String())
}
