package chain

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Checkpoint pins the start of a retarget window: Height is the first
// height of the window (a multiple of RetargetWindow), Hash is the
// hash of the header right before it (the splice anchor) and Bits is
// the compact difficulty target in force for the whole window.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
	Bits   uint32
}

// baseCheckpoints returns the built-in anchor for a network: the
// window starting at the genesis block, anchored on the all-zero
// previous hash. Callers embedding a deeper sync start can append
// later checkpoints through WithCheckpoints.
func baseCheckpoints(params *chaincfg.Params) []Checkpoint {
	return []Checkpoint{{
		Height: 0,
		Hash:   chainhash.Hash{},
		Bits:   params.PowLimitBits,
	}}
}
