/*
Package puller implements a peer-scored block download scheduler.

The scheduler keeps a window of block requests in flight ahead of a single
consumer, spreads those requests over connected peers according to a
throughput based quality score, and hands blocks to the consumer strictly in
ascending height order through NextBlock.

Components

QualityTracker turns observed download times into score deltas. PeerHandle
holds a peer's score and the set of block ids it was asked for. AssignTasks
maps needed heights onto peers with score weighted random selection.
DownloadBuffer holds downloaded blocks under a byte budget and throttles
producers once it is full. Puller ties these together, runs the window
(lookahead or batch strategy), watches for stalls and detects when the header
chain has moved under the consumer.

Inbound blocks are delivered with Puller.Deliver. Each peer has a bounded
queue drained by its own goroutine, so a slow consumer eventually blocks the
transport that feeds a peer rather than growing memory.

Reorgs

NextBlock returns an error wrapping ErrReorg when the consumer's location is
no longer part of the best chain, or when the next header does not link to
it. The consumer must find the common ancestor, usually through
HeaderChain.FindFork, and call SetLocation before calling NextBlock again.
*/
package puller
