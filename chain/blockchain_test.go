package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// mineHeader grinds the nonce until the regtest target is met, which
// takes a couple of attempts at most.
func mineHeader(t *testing.T, prev chainhash.Hash, bits uint32, stamp time.Time) wire.BlockHeader {
	t.Helper()
	hdr := wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: stamp.Truncate(time.Second),
		Bits:      bits,
	}
	target := blockchain.CompactToBig(bits)
	for nonce := uint32(0); ; nonce++ {
		hdr.Nonce = nonce
		hash := hdr.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return hdr
		}
	}
}

func mineChain(t *testing.T, from chainhash.Hash, bits uint32, n int) []wire.BlockHeader {
	t.Helper()
	headers := make([]wire.BlockHeader, 0, n)
	prev := from
	stamp := time.Unix(1600000000, 0)
	for i := 0; i < n; i++ {
		hdr := mineHeader(t, prev, bits, stamp.Add(time.Duration(i)*10*time.Minute))
		headers = append(headers, hdr)
		prev = hdr.BlockHash()
	}
	return headers
}

func newRegtestChain() *Blockchain {
	return New(&chaincfg.RegressionNetParams)
}

func TestAddHeaderConnectsFromAnchor(t *testing.T) {
	bc := newRegtestChain()
	require.True(t, bc.IsEmpty())
	require.Equal(t, int32(-1), bc.Height())

	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 5)

	for i, hdr := range headers {
		require.NoError(t, bc.AddHeader(int32(i), hdr))
	}
	require.Equal(t, int32(4), bc.Height())

	tip, ok := bc.Tip()
	require.True(t, ok)
	require.Equal(t, headers[4].BlockHash(), tip.Hash())
}

func TestAddHeaderIdempotentOnTip(t *testing.T) {
	bc := newRegtestChain()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 2)

	require.NoError(t, bc.AddHeaders(0, headers))
	require.NoError(t, bc.AddHeader(1, headers[1]))
	require.Equal(t, int32(1), bc.Height())
}

func TestAddHeaderRejectsBrokenLinkage(t *testing.T) {
	bc := newRegtestChain()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 2)

	require.NoError(t, bc.AddHeader(0, headers[0]))

	stranger := mineHeader(t, chainhash.Hash{0x01}, bits, time.Unix(1600000000, 0))
	err := bc.AddHeader(1, stranger)
	require.ErrorIs(t, err, ErrCannotConnect)
}

func TestAddHeaderRejectsBadDifficulty(t *testing.T) {
	bc := newRegtestChain()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 1)

	require.NoError(t, bc.AddHeader(0, headers[0]))

	// A harder-than-expected target must be rejected at the bit level.
	wrong := mineHeader(t, headers[0].BlockHash(), bits-1, time.Unix(1600000600, 0))
	err := bc.AddHeader(1, wrong)
	require.ErrorIs(t, err, ErrBadDifficulty)
}

func TestAddHeadersRejectsGap(t *testing.T) {
	bc := newRegtestChain()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 3)

	err := bc.AddHeaders(2, headers[2:])
	require.ErrorIs(t, err, ErrCannotConnect)
}

func TestHigherWorkForkReplacesSuffix(t *testing.T) {
	bc := newRegtestChain()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 5)
	require.NoError(t, bc.AddHeaders(0, headers))

	// A competing branch from height 3 that ends up longer, hence
	// heavier at equal per-header work. Shifted timestamps keep it
	// distinct from the original suffix.
	fork := make([]wire.BlockHeader, 0, 4)
	prev := headers[2].BlockHash()
	stamp := time.Unix(1600000000, 0).Add(time.Minute)
	for i := 0; i < 4; i++ {
		hdr := mineHeader(t, prev, bits, stamp.Add(time.Duration(i)*10*time.Minute))
		fork = append(fork, hdr)
		prev = hdr.BlockHash()
	}

	require.NoError(t, bc.AddHeaders(3, fork))
	require.Equal(t, int32(6), bc.Height())

	got, ok := bc.HeaderAt(3)
	require.True(t, ok)
	require.Equal(t, fork[0].BlockHash(), got.BlockHash())
}

func TestLowerWorkForkIsIgnored(t *testing.T) {
	bc := newRegtestChain()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	headers := mineChain(t, chainhash.Hash{}, bits, 5)
	require.NoError(t, bc.AddHeaders(0, headers))

	shortFork := mineChain(t, headers[2].BlockHash(), bits, 1)
	require.NoError(t, bc.AddHeaders(3, shortFork))

	// The original, heavier chain survives.
	require.Equal(t, int32(4), bc.Height())
	got, ok := bc.HeaderAt(3)
	require.True(t, ok)
	require.Equal(t, headers[3].BlockHash(), got.BlockHash())
}

func TestHeaderBelowCheckpointRejected(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	bc := New(params, WithCheckpoints([]Checkpoint{{
		Height: RetargetWindow,
		Hash:   chainhash.Hash{0x02},
		Bits:   params.PowLimitBits,
	}}))

	hdr := mineHeader(t, chainhash.Hash{}, params.PowLimitBits, time.Unix(1600000000, 0))
	// Connecting below the working anchor is refused outright.
	err := bc.AddHeader(RetargetWindow-5, hdr)
	require.Error(t, err)
}

func TestRetargetClamp(t *testing.T) {
	params := &chaincfg.MainNetParams
	bc := New(params)

	base := time.Unix(1600000000, 0)
	first := wire.BlockHeader{Bits: 0x1d00ffff, Timestamp: base}

	tests := []struct {
		name    string
		elapsed time.Duration
	}{
		{name: "way too fast clamps at a quarter", elapsed: time.Hour},
		{name: "way too slow clamps at four times", elapsed: 3000 * time.Hour},
		{name: "on schedule keeps the target", elapsed: 2016 * 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := wire.BlockHeader{Bits: 0x1d00ffff, Timestamp: base.Add(tt.elapsed)}
			bits := bc.retarget(first, last)

			oldTarget := blockchain.CompactToBig(first.Bits)
			newTarget := blockchain.CompactToBig(bits)

			quarter := new(big.Int).Div(oldTarget, big.NewInt(4))
			quadruple := new(big.Int).Mul(oldTarget, big.NewInt(4))
			require.True(t, newTarget.Cmp(quarter) >= 0)
			require.True(t, newTarget.Cmp(quadruple) <= 0)

			if tt.elapsed == 2016*10*time.Minute {
				require.Equal(t, first.Bits, bits)
			}
		})
	}
}

func TestOptimizeKeepsRecentWindows(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	// A short chain on the genesis anchor lies wholly inside the kept
	// windows.
	anchorHash := chainhash.Hash{}
	bc := New(params)

	bits := params.PowLimitBits
	headers := mineChain(t, anchorHash, bits, 6)
	require.NoError(t, bc.AddHeaders(0, headers))

	// Nothing prunable while everything is within the kept windows.
	require.Empty(t, bc.Optimize())
	require.Equal(t, int32(5), bc.Height())
}
