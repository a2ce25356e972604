package puller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tendermint/blockpuller/types"
)

func never(int64) bool { return false }

func blockID(h int64) types.BlockID {
	return types.NewHeader(h, types.ZeroBlockID, nil).Hash
}

func TestDownloadBufferAdmitAndGet(t *testing.T) {
	ctx := context.Background()
	b := NewDownloadBuffer(100)

	notify := b.Notify()
	require.NoError(t, b.Admit(ctx, blockID(1), 1, make([]byte, 30), never))
	select {
	case <-notify:
	default:
		t.Fatal("admission did not notify")
	}

	// duplicates are dropped
	require.NoError(t, b.Admit(ctx, blockID(1), 1, make([]byte, 50), never))
	assert.EqualValues(t, 30, b.Bytes())
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.Has(blockID(1)))

	bz, ok := b.TryGet(blockID(1))
	require.True(t, ok)
	assert.Len(t, bz, 30)
	assert.False(t, b.Has(blockID(1)))
	assert.Zero(t, b.Bytes())

	_, ok = b.TryGet(blockID(1))
	assert.False(t, ok)
}

func TestDownloadBufferBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	b := NewDownloadBuffer(100)
	require.NoError(t, b.Admit(ctx, blockID(1), 1, make([]byte, 60), never))

	done := make(chan error, 1)
	go func() {
		done <- b.Admit(ctx, blockID(2), 2, make([]byte, 60), never)
	}()

	select {
	case <-done:
		t.Fatal("admission over budget did not block")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release(blockID(1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("admission did not resume after release")
	}
	assert.True(t, b.Has(blockID(2)))
	assert.EqualValues(t, 60, b.Bytes())
}

func TestDownloadBufferNextNeededBypassesBudget(t *testing.T) {
	ctx := context.Background()
	b := NewDownloadBuffer(100)
	require.NoError(t, b.Admit(ctx, blockID(2), 2, make([]byte, 90), never))

	isNext := func(h int64) bool { return h == 1 }
	require.NoError(t, b.Admit(ctx, blockID(1), 1, make([]byte, 90), isNext))
	assert.EqualValues(t, 180, b.Bytes())
}

func TestDownloadBufferRechecksNextNeeded(t *testing.T) {
	ctx := context.Background()
	b := NewDownloadBuffer(100)
	b.recheck = 5 * time.Millisecond
	require.NoError(t, b.Admit(ctx, blockID(2), 2, make([]byte, 90), never))

	var next int64 = 1
	isNext := func(h int64) bool { return h == atomic.LoadInt64(&next) }

	done := make(chan error, 1)
	go func() {
		done <- b.Admit(ctx, blockID(3), 3, make([]byte, 90), isNext)
	}()
	time.Sleep(20 * time.Millisecond)
	atomic.StoreInt64(&next, 3)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("admission did not notice its block became the next needed one")
	}
	assert.True(t, b.Has(blockID(3)))
}

func TestDownloadBufferAdmitCanceled(t *testing.T) {
	b := NewDownloadBuffer(100)
	require.NoError(t, b.Admit(context.Background(), blockID(1), 1, make([]byte, 90), never))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Admit(ctx, blockID(2), 2, make([]byte, 90), never)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, b.Has(blockID(2)))
	assert.EqualValues(t, 90, b.Bytes())
	assert.Equal(t, 1, b.Len())
}

func TestDownloadBufferPrune(t *testing.T) {
	ctx := context.Background()
	b := NewDownloadBuffer(1000)
	for h := int64(1); h <= 5; h++ {
		require.NoError(t, b.Admit(ctx, blockID(h), h, make([]byte, 10), never))
	}

	pruned := b.Prune(func(_ types.BlockID, block DownloadedBlock) bool {
		return block.Height > 3
	})
	assert.Equal(t, 3, pruned)
	assert.Equal(t, 2, b.Len())
	assert.EqualValues(t, 20, b.Bytes())
	assert.True(t, b.Has(blockID(4)))
	assert.True(t, b.Has(blockID(5)))
}

// bufferModel admits with an already canceled context, so admissions never
// block: a block either fits, bypasses as the next needed one, or is
// refused.
type bufferModel struct {
	buffer *DownloadBuffer
	ctx    context.Context

	next   int64
	blocks map[types.BlockID]int
	bypass map[types.BlockID]bool
}

func (m *bufferModel) Init(t *rapid.T) {
	m.buffer = NewDownloadBuffer(rapid.Int64Range(1, 1000).Draw(t, "maxBytes").(int64))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.ctx = ctx
	m.next = 1
	m.blocks = make(map[types.BlockID]int)
	m.bypass = make(map[types.BlockID]bool)
}

func (m *bufferModel) Admit(t *rapid.T) {
	h := rapid.Int64Range(1, 30).Draw(t, "height").(int64)
	size := rapid.IntRange(0, 400).Draw(t, "size").(int)
	id := blockID(h)

	_, dup := m.blocks[id]
	before := m.buffer.Bytes()
	fits := before+int64(size) < m.buffer.MaxBytes()
	isNext := func(height int64) bool { return height == m.next }

	err := m.buffer.Admit(m.ctx, id, h, make([]byte, size), isNext)

	switch {
	case dup:
		require.NoError(t, err)
	case fits:
		require.NoError(t, err)
		m.blocks[id] = size
	case h == m.next:
		require.NoError(t, err)
		m.blocks[id] = size
		m.bypass[id] = true
	default:
		require.ErrorIs(t, err, context.Canceled)
	}
}

func (m *bufferModel) Consume(t *rapid.T) {
	id := blockID(m.next)
	bz, ok := m.buffer.TryGet(id)
	size, buffered := m.blocks[id]
	require.Equal(t, buffered, ok)
	if ok {
		require.Len(t, bz, size)
		delete(m.blocks, id)
		delete(m.bypass, id)
	}
	m.next++
}

func (m *bufferModel) Release(t *rapid.T) {
	h := rapid.Int64Range(1, 30).Draw(t, "height").(int64)
	id := blockID(h)
	m.buffer.Release(id)
	delete(m.blocks, id)
	delete(m.bypass, id)
}

func (m *bufferModel) Check(t *rapid.T) {
	var total, bypassed int64
	for id, size := range m.blocks {
		total += int64(size)
		if m.bypass[id] {
			bypassed += int64(size)
		}
	}
	require.Equal(t, len(m.blocks), m.buffer.Len())
	require.Equal(t, total, m.buffer.Bytes())
	if bypassed == 0 && total > 0 {
		require.Less(t, total, m.buffer.MaxBytes())
	}
}

func TestDownloadBufferCapProperty(t *testing.T) {
	rapid.Check(t, rapid.Run(&bufferModel{}))
}
