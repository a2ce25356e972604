package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/blockpuller/types"
)

var (
	// ErrUnknownParent is returned when saving a header whose parent is not
	// the best chain header below it.
	ErrUnknownParent = errors.New("parent is not on the best chain")

	// ErrHeightGap is returned when saving a header more than one above the
	// tip.
	ErrHeightGap = errors.New("header does not connect to the tip")
)

// locatorDense is the number of most recent headers a locator lists one by
// one before it starts skipping exponentially.
const locatorDense = 10

/*
HeaderStore is a simple low level store for the best header chain.

There are two types of information stored:
  - Header:      height -> hash and parent hash of the best chain header
  - Header hash: hash -> height, only for best chain members

Saving a header at a height that is already taken replaces the best chain
from that height on, which is how the store follows a reorg.

// NOTE: HeaderStore methods will panic if they encounter errors
// deserializing loaded data, indicating probable corruption on disk.
*/
type HeaderStore struct {
	mtx sync.RWMutex
	db  dbm.DB
}

// NewHeaderStore returns a new HeaderStore with the given DB.
func NewHeaderStore(db dbm.DB) *HeaderStore {
	return &HeaderStore{db: db}
}

// TipHeight returns the height of the best header, or -1 for an empty store.
func (hs *HeaderStore) TipHeight() int64 {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()
	return hs.tipHeight()
}

func (hs *HeaderStore) tipHeight() int64 {
	iter, err := hs.db.ReverseIterator(
		headerKey(0),
		headerKey(1<<63-1),
	)
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	if iter.Valid() {
		height, err := decodeHeaderKey(iter.Key())
		if err == nil {
			return height
		}
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}

	return -1
}

// BlockAtHeight returns the best chain header at height.
func (hs *HeaderStore) BlockAtHeight(height int64) (*types.Header, bool) {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()
	return hs.loadHeader(height)
}

func (hs *HeaderStore) loadHeader(height int64) (*types.Header, bool) {
	if height < 0 {
		return nil, false
	}
	bz, err := hs.db.Get(headerKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil, false
	}
	header, err := decodeHeader(height, bz)
	if err != nil {
		panic(fmt.Errorf("error reading header at %d: %w", height, err))
	}
	return header, true
}

// HeaderByHash returns the best chain header with the given hash.
func (hs *HeaderStore) HeaderByHash(hash types.BlockID) (*types.Header, bool) {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()

	height, ok := hs.heightOf(hash)
	if !ok {
		return nil, false
	}
	return hs.loadHeader(height)
}

func (hs *HeaderStore) heightOf(hash types.BlockID) (int64, bool) {
	bz, err := hs.db.Get(headerHashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return 0, false
	}
	if len(bz) != 8 {
		panic(fmt.Errorf("invalid height encoding for %v", hash))
	}
	return int64(binary.BigEndian.Uint64(bz)), true
}

// Contains reports whether hash is a best chain header.
func (hs *HeaderStore) Contains(hash types.BlockID) bool {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()

	_, ok := hs.heightOf(hash)
	return ok
}

// FindFork returns the first locator entry that is on the best chain, or
// the genesis header if there is none. It returns nil for an empty store.
func (hs *HeaderStore) FindFork(locator []types.BlockID) *types.Header {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()

	for _, hash := range locator {
		if height, ok := hs.heightOf(hash); ok {
			header, _ := hs.loadHeader(height)
			return header
		}
	}
	genesis, ok := hs.loadHeader(0)
	if !ok {
		return nil
	}
	return genesis
}

// Locator returns the hashes of the best chain from the tip down: the most
// recent headers one by one, then with exponentially growing gaps, ending
// with the genesis hash.
func (hs *HeaderStore) Locator() []types.BlockID {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()

	return hs.locatorFrom(hs.tipHeight())
}

// LocatorFrom is Locator starting at height instead of the tip.
func (hs *HeaderStore) LocatorFrom(height int64) []types.BlockID {
	hs.mtx.RLock()
	defer hs.mtx.RUnlock()

	if tip := hs.tipHeight(); height > tip {
		height = tip
	}
	return hs.locatorFrom(height)
}

func (hs *HeaderStore) locatorFrom(height int64) []types.BlockID {
	var (
		locator []types.BlockID
		step    int64 = 1
	)
	for h := height; h >= 0; h -= step {
		header, ok := hs.loadHeader(h)
		if !ok {
			break
		}
		locator = append(locator, header.Hash)
		if h == 0 {
			return locator
		}
		if len(locator) >= locatorDense {
			step *= 2
		}
		if h-step < 0 {
			step = h
		}
	}
	return locator
}

// SaveHeader makes header the best chain header at its height, dropping
// every best chain header above it. The header must extend the best chain
// header right below it; the first header saved has to be the genesis
// header at height 0.
func (hs *HeaderStore) SaveHeader(header *types.Header) error {
	if err := header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	hs.mtx.Lock()
	defer hs.mtx.Unlock()

	tip := hs.tipHeight()
	switch {
	case header.Height > tip+1:
		return fmt.Errorf("%w: height %d, tip %d", ErrHeightGap, header.Height, tip)
	case header.Height > 0:
		parent, ok := hs.loadHeader(header.Height - 1)
		if !ok || parent.Hash != header.PrevHash {
			return fmt.Errorf("%w: %v", ErrUnknownParent, header)
		}
	}

	batch := hs.db.NewBatch()
	defer batch.Close()

	for h := tip; h >= header.Height; h-- {
		old, ok := hs.loadHeader(h)
		if !ok {
			continue
		}
		if err := batch.Delete(headerHashKey(old.Hash)); err != nil {
			return err
		}
		if err := batch.Delete(headerKey(h)); err != nil {
			return err
		}
	}

	var height [8]byte
	binary.BigEndian.PutUint64(height[:], uint64(header.Height))
	if err := batch.Set(headerKey(header.Height), encodeHeader(header)); err != nil {
		return err
	}
	if err := batch.Set(headerHashKey(header.Hash), height[:]); err != nil {
		return err
	}

	return batch.WriteSync()
}

// Close closes the underlying database.
func (hs *HeaderStore) Close() error {
	return hs.db.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixHeader     = int64(0)
	prefixHeaderHash = int64(1)
)

func headerKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, height)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeHeaderKey(key []byte) (height int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return -1, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixHeader {
		return -1, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixHeader, prefix)
	}
	return
}

func headerHashKey(hash types.BlockID) []byte {
	key, err := orderedcode.Append(nil, prefixHeaderHash, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

//-----------------------------------------------------------------------------

// a stored header is its hash followed by its parent hash
func encodeHeader(header *types.Header) []byte {
	bz := make([]byte, 0, 2*types.BlockIDSize)
	bz = append(bz, header.Hash[:]...)
	return append(bz, header.PrevHash[:]...)
}

func decodeHeader(height int64, bz []byte) (*types.Header, error) {
	if len(bz) != 2*types.BlockIDSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", 2*types.BlockIDSize, len(bz))
	}
	header := &types.Header{Height: height}
	copy(header.Hash[:], bz[:types.BlockIDSize])
	copy(header.PrevHash[:], bz[types.BlockIDSize:])
	return header, nil
}
