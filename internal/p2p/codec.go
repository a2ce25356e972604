package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/tendermint/blockpuller/types"
)

// blockPrefixSize is the size of the hash and height that lead every
// simulated block payload.
const blockPrefixSize = types.BlockIDSize + 8

// EncodeBlock returns a payload of at least size bytes for header. The
// payload starts with the block hash and the big endian height, the rest is
// filler derived from the hash.
func EncodeBlock(header *types.Header, size int) []byte {
	if size < blockPrefixSize {
		size = blockPrefixSize
	}
	bz := make([]byte, size)
	copy(bz, header.Hash[:])
	binary.BigEndian.PutUint64(bz[types.BlockIDSize:], uint64(header.Height))
	for i := blockPrefixSize; i < size; i++ {
		bz[i] = header.Hash[i%types.BlockIDSize]
	}
	return bz
}

// DecodeBlock returns the height and hash a payload built by EncodeBlock
// carries.
func DecodeBlock(bz []byte) (int64, types.BlockID, error) {
	var id types.BlockID
	if len(bz) < blockPrefixSize {
		return 0, id, fmt.Errorf("block payload too short: %d bytes", len(bz))
	}
	copy(id[:], bz[:types.BlockIDSize])
	height := int64(binary.BigEndian.Uint64(bz[types.BlockIDSize:blockPrefixSize]))
	return height, id, nil
}
