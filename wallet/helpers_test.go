package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lumenwallet/go-sdk/chain"
	"github.com/lumenwallet/go-sdk/keys"
	"github.com/lumenwallet/go-sdk/types"
)

var testSeed = []byte{
	0x5e, 0xb0, 0x0b, 0xbd, 0xdc, 0xf0, 0x69, 0x08,
	0x48, 0x89, 0xa8, 0xab, 0x91, 0x55, 0x56, 0x81,
	0x65, 0xf5, 0xc4, 0x53, 0xcc, 0xb8, 0x5e, 0x70,
	0x81, 0x1a, 0xae, 0xd6, 0xf6, 0xda, 0x5f, 0xc1,
}

func newTestData(t *testing.T) *walletData {
	t.Helper()
	ring, err := keys.NewKeyRing(testSeed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NoError(t, ring.EnsureKeys(3, 3))
	return newWalletData(chain.New(&chaincfg.RegressionNetParams), ring)
}

// fundingTx pays value to the given key from a foreign outpoint.
func fundingTx(key *keys.DerivedKey, value btcutil.Amount, salt byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := wire.OutPoint{Hash: chainhash.Hash{salt}, Index: 0}
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), key.PkScript()))
	return tx
}

// registerTx records a transaction the way a server history exchange
// would have.
func registerTx(d *walletData, tx *wire.MsgTx, height int32, key *keys.DerivedKey) {
	txid := tx.TxHash().String()
	d.transactions[txid] = tx
	d.heights[txid] = height
	d.history[key.ScriptHash()] = append(
		d.history[key.ScriptHash()], types.TxHistoryItem{Txid: txid, Height: height},
	)
}

// spendTx spends a funding output of ours with a realistic-looking
// witness so the wallet recognizes the input as its own.
func spendTx(parent *wire.MsgTx, vout uint32, key *keys.DerivedKey, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := wire.OutPoint{Hash: parent.TxHash(), Index: vout}
	in := wire.NewTxIn(&prev, nil, nil)
	in.Witness = wire.TxWitness{make([]byte, 71), key.PubKey()}
	tx.AddTxIn(in)
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return tx
}

func mineHeader(t *testing.T, prev, merkleRoot chainhash.Hash, stamp time.Time) wire.BlockHeader {
	t.Helper()
	bits := chaincfg.RegressionNetParams.PowLimitBits
	hdr := wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: merkleRoot,
		Timestamp:  stamp.Truncate(time.Second),
		Bits:       bits,
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
