package puller

import (
	"errors"
	"fmt"

	"github.com/tendermint/blockpuller/types"
)

var (
	// ErrNoLocation is returned by NextBlock before SetLocation was called.
	ErrNoLocation = errors.New("puller location is not set")

	// ErrConcurrentNextBlock is returned when NextBlock is called while
	// another NextBlock call is still in progress.
	ErrConcurrentNextBlock = errors.New("concurrent NextBlock calls are not supported")

	// ErrReorg is wrapped by every ReorgError.
	ErrReorg = errors.New("header chain reorganized")

	// ErrPeerExists is returned when adding a peer that is already known.
	ErrPeerExists = errors.New("peer already exists")

	// ErrBufferFull is returned by PushBlock when a block could not be
	// admitted within the stall timeout.
	ErrBufferFull = errors.New("download buffer is full")

	// ErrUnknownPeer is returned when delivering to or removing a peer that is
	// not known.
	ErrUnknownPeer = errors.New("unknown peer")
)

// ReorgError reports that the header chain no longer extends the consumer's
// location.
type ReorgError struct {
	Location types.ChainPosition
	Reason   string
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("%v at %v: %s", ErrReorg, e.Location, e.Reason)
}

func (e *ReorgError) Unwrap() error { return ErrReorg }
