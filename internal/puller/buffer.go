package puller

import (
	"context"
	"sync"
	"time"

	"github.com/tendermint/blockpuller/types"
)

// AdmitRecheckInterval bounds how long a blocked Admit waits before it
// re-evaluates whether its block became the next needed one.
const AdmitRecheckInterval = 100 * time.Millisecond

// DownloadedBlock is a block waiting to be consumed.
type DownloadedBlock struct {
	Bytes  []byte
	Size   int
	Height int64
}

// DownloadBuffer holds downloaded blocks keyed by hash under a byte budget.
type DownloadBuffer struct {
	maxBytes int64
	recheck  time.Duration

	mtx      sync.Mutex
	blocks   map[types.BlockID]DownloadedBlock
	bytes    int64
	notifyCh chan struct{} // closed on admission
	roomCh   chan struct{} // closed on removal
}

// NewDownloadBuffer returns an empty buffer holding at most maxBytes, apart
// from the next needed block.
func NewDownloadBuffer(maxBytes int64) *DownloadBuffer {
	return &DownloadBuffer{
		maxBytes: maxBytes,
		recheck:  AdmitRecheckInterval,
		blocks:   make(map[types.BlockID]DownloadedBlock),
		notifyCh: make(chan struct{}),
		roomCh:   make(chan struct{}),
	}
}

// Admit stores a block. While the budget cannot take it, Admit blocks until
// room is released or isNext reports the block's height as the next needed
// one. isNext must not acquire locks held while calling into the buffer.
// Duplicates are dropped. On cancellation the buffer is left untouched and
// ctx.Err() is returned.
func (b *DownloadBuffer) Admit(
	ctx context.Context,
	id types.BlockID,
	height int64,
	bz []byte,
	isNext func(height int64) bool,
) error {
	for {
		b.mtx.Lock()
		if _, ok := b.blocks[id]; ok {
			b.mtx.Unlock()
			return nil
		}
		if b.bytes+int64(len(bz)) < b.maxBytes || isNext(height) {
			b.blocks[id] = DownloadedBlock{Bytes: bz, Size: len(bz), Height: height}
			b.bytes += int64(len(bz))
			close(b.notifyCh)
			b.notifyCh = make(chan struct{})
			b.mtx.Unlock()
			return nil
		}
		room := b.roomCh
		b.mtx.Unlock()

		timer := time.NewTimer(b.recheck)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-room:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TryGet removes and returns the block with the given id, if buffered.
func (b *DownloadBuffer) TryGet(id types.BlockID) ([]byte, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	block, ok := b.blocks[id]
	if !ok {
		return nil, false
	}
	b.removeLocked(id, block)
	return block.Bytes, true
}

// Release drops a block and frees its bytes.
func (b *DownloadBuffer) Release(id types.BlockID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if block, ok := b.blocks[id]; ok {
		b.removeLocked(id, block)
	}
}

// Prune drops every block keep returns false for and returns how many were
// dropped.
func (b *DownloadBuffer) Prune(keep func(id types.BlockID, block DownloadedBlock) bool) int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	n := 0
	for id, block := range b.blocks {
		if !keep(id, block) {
			b.removeLocked(id, block)
			n++
		}
	}
	return n
}

func (b *DownloadBuffer) removeLocked(id types.BlockID, block DownloadedBlock) {
	delete(b.blocks, id)
	b.bytes -= int64(block.Size)
	close(b.roomCh)
	b.roomCh = make(chan struct{})
}

// Has reports whether id is buffered.
func (b *DownloadBuffer) Has(id types.BlockID) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	_, ok := b.blocks[id]
	return ok
}

// Len returns the number of buffered blocks.
func (b *DownloadBuffer) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.blocks)
}

// Bytes returns the number of buffered bytes.
func (b *DownloadBuffer) Bytes() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.bytes
}

// MaxBytes returns the byte budget.
func (b *DownloadBuffer) MaxBytes() int64 { return b.maxBytes }

// Notify returns a channel that is closed when the next block is admitted.
func (b *DownloadBuffer) Notify() <-chan struct{} {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.notifyCh
}
