package chain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RetargetWindow is the number of blocks in one difficulty epoch.
const RetargetWindow = 2016

// keptWindows is how many whole retarget windows stay in memory after
// an Optimize call. Two are needed so a boundary retarget can always
// read the first and last header of the previous window.
const keptWindows = 2

var (
	ErrHeaderTooOld    = errors.New("header is below the first checkpoint")
	ErrCannotConnect   = errors.New("header does not connect to the chain")
	ErrBadDifficulty   = errors.New("header difficulty does not match the expected target")
	ErrBadProofOfWork  = errors.New("header hash does not satisfy its target")
	ErrChunkMisaligned = errors.New("chunk does not start at a retarget boundary")
	ErrNoCheckpoint    = errors.New("no checkpoint anchors this chunk")
	ErrMissingWindow   = errors.New("previous retarget window is not available")
)

// Header is a block header enriched with its height and the
// cumulative chainwork accumulated since the chain base.
type Header struct {
	Height int32
	Raw    wire.BlockHeader
	Work   *big.Int
}

func (h Header) Hash() chainhash.Hash {
	return h.Raw.BlockHash()
}

// HeaderChunk is a run of consecutive headers starting at StartHeight,
// the unit handed to persistent storage.
type HeaderChunk struct {
	StartHeight int32
	Headers     []wire.BlockHeader
}

// Blockchain is the append-only validated header store. It is owned
// exclusively by the wallet state machine and never shared; storage
// only ever receives immutable chunks from Optimize.
type Blockchain struct {
	params      *chaincfg.Params
	checkpoints []Checkpoint
	startHeight int32
	bestchain   []Header
}

type Option func(*Blockchain)

// WithCheckpoints appends extra checkpoints on top of the built-in
// genesis anchor. They must be sorted by ascending height and each
// height must be a multiple of RetargetWindow.
func WithCheckpoints(cps []Checkpoint) Option {
	return func(b *Blockchain) {
		b.checkpoints = append(b.checkpoints, cps...)
	}
}

func New(params *chaincfg.Params, opts ...Option) *Blockchain {
	b := &Blockchain{
		params:      params,
		checkpoints: baseCheckpoints(params),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Blockchain) IsEmpty() bool {
	return len(b.bestchain) == 0
}

func (b *Blockchain) lastCheckpoint() Checkpoint {
	return b.checkpoints[len(b.checkpoints)-1]
}

func (b *Blockchain) checkpointAt(height int32) (Checkpoint, bool) {
	for _, cp := range b.checkpoints {
		if cp.Height == height {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// Height returns the height of the current tip, or the height right
// before the last checkpoint window when no header has been added.
func (b *Blockchain) Height() int32 {
	if tip, ok := b.Tip(); ok {
		return tip.Height
	}
	return b.lastCheckpoint().Height - 1
}

func (b *Blockchain) Tip() (Header, bool) {
	if len(b.bestchain) == 0 {
		return Header{}, false
	}
	return b.bestchain[len(b.bestchain)-1], true
}

// NextHeight is the height the next appended header must carry.
func (b *Blockchain) NextHeight() int32 {
	return b.Height() + 1
}

// HeaderAt returns the in-memory header at the given height of the
// active chain. Pruned heights must be served from the WalletDb.
func (b *Blockchain) HeaderAt(height int32) (wire.BlockHeader, bool) {
	idx := height - b.startHeight
	if len(b.bestchain) == 0 || idx < 0 || int(idx) >= len(b.bestchain) {
		return wire.BlockHeader{}, false
	}
	return b.bestchain[idx].Raw, true
}

// AddHeader appends a single validated header on top of the tip.
// Re-adding the exact tip header is a no-op.
func (b *Blockchain) AddHeader(height int32, hdr wire.BlockHeader) error {
	if height < b.checkpoints[0].Height {
		return ErrHeaderTooOld
	}

	if len(b.bestchain) == 0 {
		cp := b.lastCheckpoint()
		if height != cp.Height || hdr.PrevBlock != cp.Hash {
			return fmt.Errorf("%w: empty chain expects height %d on anchor %s",
				ErrCannotConnect, cp.Height, cp.Hash)
		}
	} else {
		tip := b.bestchain[len(b.bestchain)-1]
		if height == tip.Height && hdr.BlockHash() == tip.Hash() {
			return nil
		}
		if height != tip.Height+1 {
			return fmt.Errorf("%w: got height %d, tip is %d",
				ErrCannotConnect, height, tip.Height)
		}
		if hdr.PrevBlock != tip.Hash() {
			return fmt.Errorf("%w: prev hash %s does not match tip %s",
				ErrCannotConnect, hdr.PrevBlock, tip.Hash())
		}
	}

	bits, err := b.expectedBits(height)
	if err != nil {
		return err
	}
	if hdr.Bits != bits {
		return fmt.Errorf("%w: height %d got %08x, want %08x",
			ErrBadDifficulty, height, hdr.Bits, bits)
	}
	if err := checkProofOfWork(hdr); err != nil {
		return err
	}

	b.appendHeader(height, hdr)
	return nil
}

// AddHeaders connects a run of headers starting at startHeight. When
// the run overlaps or forks off the current chain, the internal
// validity of the candidate is checked and the heavier of the two
// chains wins.
func (b *Blockchain) AddHeaders(startHeight int32, headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	if startHeight == b.NextHeight() {
		for i, hdr := range headers {
			if err := b.AddHeader(startHeight+int32(i), hdr); err != nil {
				return err
			}
		}
		return nil
	}
	if startHeight > b.NextHeight() {
		return fmt.Errorf("%w: gap before height %d", ErrCannotConnect, startHeight)
	}
	return b.considerFork(startHeight, headers)
}

// considerFork validates an alternative suffix anchored inside the
// current chain and adopts it iff its cumulative work exceeds the work
// of the headers it would replace.
func (b *Blockchain) considerFork(startHeight int32, headers []wire.BlockHeader) error {
	anchorIdx := startHeight - 1 - b.startHeight
	if anchorIdx < 0 || int(anchorIdx) >= len(b.bestchain) {
		return fmt.Errorf("%w: fork point %d is out of the working window",
			ErrCannotConnect, startHeight-1)
	}
	anchor := b.bestchain[anchorIdx]

	if headers[0].PrevBlock != anchor.Hash() {
		return fmt.Errorf("%w: fork does not attach to %s",
			ErrCannotConnect, anchor.Hash())
	}

	// headerFor resolves heights against the candidate first so that
	// retargets inside the fork see the fork's own headers.
	candidate := make([]Header, 0, len(headers))
	headerFor := func(height int32) (wire.BlockHeader, bool) {
		if height >= startHeight && int(height-startHeight) < len(candidate) {
			return candidate[height-startHeight].Raw, true
		}
		return b.HeaderAt(height)
	}

	work := new(big.Int).Set(anchor.Work)
	prevHash := anchor.Hash()
	for i, hdr := range headers {
		height := startHeight + int32(i)
		if hdr.PrevBlock != prevHash {
			return fmt.Errorf("%w: broken linkage at height %d", ErrCannotConnect, height)
		}
		bits, err := b.expectedBitsWith(height, headerFor)
		if err != nil {
			return err
		}
		if hdr.Bits != bits {
			return fmt.Errorf("%w: height %d got %08x, want %08x",
				ErrBadDifficulty, height, hdr.Bits, bits)
		}
		if err := checkProofOfWork(hdr); err != nil {
			return err
		}
		work = new(big.Int).Add(work, blockchain.CalcWork(hdr.Bits))
		candidate = append(candidate, Header{Height: height, Raw: hdr, Work: new(big.Int).Set(work)})
		prevHash = hdr.BlockHash()
	}

	tip := b.bestchain[len(b.bestchain)-1]
	if work.Cmp(tip.Work) <= 0 {
		// The current chain has at least as much work, keep it.
		return nil
	}

	b.bestchain = append(b.bestchain[:anchorIdx+1], candidate...)
	return nil
}

// AddHeadersChunk validates a whole retarget window anchored on a
// checkpoint. A chunk below the in-memory working window is checked in
// isolation and left to the caller to persist; a chunk at the chain
// front is spliced in.
func (b *Blockchain) AddHeadersChunk(startHeight int32, headers []wire.BlockHeader) error {
	if startHeight%RetargetWindow != 0 {
		return ErrChunkMisaligned
	}
	if len(headers) == 0 || len(headers) > RetargetWindow {
		return fmt.Errorf("%w: chunk of %d headers", ErrChunkMisaligned, len(headers))
	}
	cp, ok := b.checkpointAt(startHeight)
	if !ok {
		return ErrNoCheckpoint
	}
	if headers[0].PrevBlock != cp.Hash {
		return fmt.Errorf("%w: chunk does not attach to checkpoint anchor %s",
			ErrCannotConnect, cp.Hash)
	}

	prevHash := cp.Hash
	for i, hdr := range headers {
		if hdr.PrevBlock != prevHash {
			return fmt.Errorf("%w: broken linkage at height %d",
				ErrCannotConnect, startHeight+int32(i))
		}
		if hdr.Bits != cp.Bits {
			return fmt.Errorf("%w: height %d got %08x, want %08x",
				ErrBadDifficulty, startHeight+int32(i), hdr.Bits, cp.Bits)
		}
		if err := checkProofOfWork(hdr); err != nil {
			return err
		}
		prevHash = hdr.BlockHash()
	}

	if startHeight == b.NextHeight() {
		work := b.baseWork()
		for i, hdr := range headers {
			work = new(big.Int).Add(work, blockchain.CalcWork(hdr.Bits))
			b.bestchain = append(b.bestchain, Header{
				Height: startHeight + int32(i),
				Raw:    hdr,
				Work:   new(big.Int).Set(work),
			})
		}
		if len(b.bestchain) == len(headers) {
			b.startHeight = startHeight
		}
	}
	return nil
}

// Optimize seals every whole retarget window that fell out of the
// working window and returns the sealed chunks for persistence. The
// last keptWindows windows always stay in memory.
func (b *Blockchain) Optimize() []HeaderChunk {
	tip, ok := b.Tip()
	if !ok {
		return nil
	}

	keepFrom := tip.Height - tip.Height%RetargetWindow - (keptWindows-1)*RetargetWindow
	if keepFrom <= b.startHeight {
		return nil
	}

	var prunable []HeaderChunk
	for b.startHeight < keepFrom {
		chunkEnd := b.startHeight + RetargetWindow - b.startHeight%RetargetWindow
		if chunkEnd > keepFrom {
			break
		}
		n := chunkEnd - b.startHeight
		chunk := HeaderChunk{StartHeight: b.startHeight, Headers: make([]wire.BlockHeader, 0, n)}
		for _, h := range b.bestchain[:n] {
			chunk.Headers = append(chunk.Headers, h.Raw)
		}
		prunable = append(prunable, chunk)
		b.bestchain = b.bestchain[n:]
		b.startHeight = chunkEnd
	}
	return prunable
}

func (b *Blockchain) appendHeader(height int32, hdr wire.BlockHeader) {
	work := new(big.Int).Add(b.tipWork(), blockchain.CalcWork(hdr.Bits))
	if len(b.bestchain) == 0 {
		b.startHeight = height
	}
	b.bestchain = append(b.bestchain, Header{Height: height, Raw: hdr, Work: work})
}

func (b *Blockchain) tipWork() *big.Int {
	if tip, ok := b.Tip(); ok {
		return tip.Work
	}
	return new(big.Int)
}

func (b *Blockchain) baseWork() *big.Int {
	return b.tipWork()
}

// expectedBits returns the compact target a header at the given height
// must carry. Inside a window the target is that of the previous
// header; at a boundary it is either pinned by a checkpoint or
// recomputed from the previous window with the standard clamp.
func (b *Blockchain) expectedBits(height int32) (uint32, error) {
	return b.expectedBitsWith(height, b.HeaderAt)
}

func (b *Blockchain) expectedBitsWith(
	height int32, headerAt func(int32) (wire.BlockHeader, bool),
) (uint32, error) {
	windowStart := height - height%RetargetWindow
	if cp, ok := b.checkpointAt(windowStart); ok {
		return cp.Bits, nil
	}

	if height%RetargetWindow != 0 {
		prev, ok := headerAt(height - 1)
		if !ok {
			return 0, fmt.Errorf("%w: no header at %d", ErrMissingWindow, height-1)
		}
		return prev.Bits, nil
	}

	first, okFirst := headerAt(height - RetargetWindow)
	last, okLast := headerAt(height - 1)
	if !okFirst || !okLast {
		return 0, ErrMissingWindow
	}
	return b.retarget(first, last), nil
}

// retarget recomputes the compact target for the window following the
// one delimited by first and last, clamping the observed timespan to
// [target/4, target*4].
func (b *Blockchain) retarget(first, last wire.BlockHeader) uint32 {
	targetTimespan := int64(b.params.TargetTimespan / time.Second)
	minTimespan := targetTimespan / 4
	maxTimespan := targetTimespan * 4

	actualTimespan := last.Timestamp.Unix() - first.Timestamp.Unix()
	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	}
	if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	newTarget := blockchain.CompactToBig(last.Bits)
	newTarget.Mul(newTarget, big.NewInt(actualTimespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(b.params.PowLimit) > 0 {
		newTarget.Set(b.params.PowLimit)
	}
	return blockchain.BigToCompact(newTarget)
}

func checkProofOfWork(hdr wire.BlockHeader) error {
	target := blockchain.CompactToBig(hdr.Bits)
	hash := hdr.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: %s", ErrBadProofOfWork, hash)
	}
	return nil
}
