package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lumenwallet/go-sdk/chain"
	"github.com/lumenwallet/go-sdk/keys"
	"github.com/lumenwallet/go-sdk/types"
)

func TestUtxosAndBalances(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]
	key1 := d.ring.AccountKeys()[1]

	confirmed := fundingTx(key0, 1000, 0x01)
	unconfirmed := fundingTx(key1, 1200, 0x02)
	registerTx(d, confirmed, 100, key0)
	registerTx(d, unconfirmed, 0, key1)

	utxos := d.utxos()
	require.Len(t, utxos, 2)

	balance := d.balance()
	require.Equal(t, btcutil.Amount(1000), balance.Confirmed)
	require.Equal(t, btcutil.Amount(1200), balance.Unconfirmed)

	// The per-script-hash balances add up to the total.
	var sum types.Balance
	for _, hash := range d.ring.AllScriptHashes() {
		partial := d.calculateBalance(hash)
		sum.Confirmed += partial.Confirmed
		sum.Unconfirmed += partial.Unconfirmed
	}
	require.Equal(t, balance, sum)
}

func TestUtxoSpentByKnownTxDisappears(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]

	funding := fundingTx(key0, 1000, 0x01)
	registerTx(d, funding, 100, key0)
	require.Len(t, d.utxos(), 1)

	spend := spendTx(funding, 0, key0,
		wire.NewTxOut(900, []byte{0x51}),
	)
	registerTx(d, spend, 0, key0)

	require.Empty(t, d.utxos())
}

func TestComputeTransactionDelta(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]
	change := d.ring.ChangeKeys()[0]

	funding := fundingTx(key0, 1000, 0x01)
	registerTx(d, funding, 100, key0)

	spend := spendTx(funding, 0, key0,
		wire.NewTxOut(150, []byte{0x51}),
		wire.NewTxOut(800, change.PkScript()),
	)

	delta := d.computeTransactionDelta(spend)
	require.NotNil(t, delta)
	require.Equal(t, btcutil.Amount(1000), delta.sent)
	require.Equal(t, btcutil.Amount(800), delta.received)
	require.True(t, delta.feeKnown)
	require.Equal(t, btcutil.Amount(50), delta.fee)
	require.Equal(t, []string{change.Address()}, delta.ourAddrs)
}

func TestComputeTransactionDeltaMissingParent(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]

	orphanParent := fundingTx(key0, 1000, 0x09)
	spend := spendTx(orphanParent, 0, key0, wire.NewTxOut(900, []byte{0x51}))

	// Our own input with an unknown parent cannot be valued yet.
	require.Nil(t, d.computeTransactionDelta(spend))
}

func TestComputeTransactionDeltaForeignInputs(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]

	incoming := fundingTx(key0, 700, 0x03)
	delta := d.computeTransactionDelta(incoming)
	require.NotNil(t, delta)
	require.Equal(t, btcutil.Amount(700), delta.received)
	require.Zero(t, delta.sent)
	// Fee is only reported when every input is ours.
	require.False(t, delta.feeKnown)
}

func TestIsDoubleSpent(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]

	funding := fundingTx(key0, 1000, 0x01)
	registerTx(d, funding, 100, key0)

	confirmedSpend := spendTx(funding, 0, key0, wire.NewTxOut(950, []byte{0x51}))
	registerTx(d, confirmedSpend, 1, key0)

	// A chain tip above the spend's height gives it depth >= 2.
	for i := int32(0); i < 3; i++ {
		hdr := mineHeader(t, prevHash(d.chain), chainhash.Hash{}, time.Unix(1600000000+int64(i)*600, 0))
		require.NoError(t, d.chain.AddHeader(i, hdr))
	}

	rival := spendTx(funding, 0, key0, wire.NewTxOut(940, []byte{0x52}))
	require.True(t, d.isDoubleSpent(rival))

	// The same transaction is not its own double spend.
	require.False(t, d.isDoubleSpent(confirmedSpend))
}

func prevHash(bc *chain.Blockchain) chainhash.Hash {
	if tip, ok := bc.Tip(); ok {
		return tip.Hash()
	}
	return chainhash.Hash{}
}

func TestMergeHistoryKeepsShadowItems(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]
	hash := key0.ScriptHash()

	d.history[hash] = []types.TxHistoryItem{
		{Txid: "aa", Height: 10},
		{Txid: "bb", Height: 0},
	}

	merged := d.mergeHistory(hash, []types.TxHistoryItem{{Txid: "aa", Height: 12}})
	require.Len(t, merged, 2)
	require.Equal(t, "aa", merged[0].Txid)
	require.Equal(t, int32(12), merged[0].Height)
	// The self-sent unconfirmed tx the server no longer lists survives.
	require.Equal(t, "bb", merged[1].Txid)
}

func TestReadyPredicate(t *testing.T) {
	d := newTestData(t)
	swipeRange := 1

	// Unknown statuses block readiness.
	require.False(t, d.isReady(swipeRange))

	for _, hash := range d.ring.AllScriptHashes() {
		d.status[hash] = ""
	}
	require.True(t, d.isReady(swipeRange))

	d.pendingHistoryRequests["deadbeef"] = struct{}{}
	require.False(t, d.isReady(swipeRange))
	delete(d.pendingHistoryRequests, "deadbeef")

	d.pendingTransactionRequests["cafe"] = struct{}{}
	require.False(t, d.isReady(swipeRange))
	delete(d.pendingTransactionRequests, "cafe")

	// The literal empty-status floor: fewer than swipeRange*2 empty
	// statuses keeps the wallet not ready.
	require.False(t, d.isReady(4))
}

func TestPersistenceRoundTrip(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]
	key1 := d.ring.AccountKeys()[1]

	confirmed := fundingTx(key0, 1000, 0x01)
	unconfirmed := fundingTx(key1, 1200, 0x02)
	registerTx(d, confirmed, 100, key0)
	registerTx(d, unconfirmed, 0, key1)
	for _, hash := range d.ring.AllScriptHashes() {
		d.status[hash] = ""
	}
	d.status[key0.ScriptHash()] = "digest"
	d.proofs[confirmed.TxHash().String()] = types.MerkleProof{
		Txid: confirmed.TxHash().String(), BlockHeight: 100,
	}

	snapshot := d.toPersistentData()

	ring, err := keys.NewKeyRing(testSeed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	restored := newWalletData(chain.New(&chaincfg.RegressionNetParams), ring)
	require.NoError(t, restored.loadPersistentData(&snapshot))

	require.Equal(t, d.balance(), restored.balance())
	require.ElementsMatch(t, d.utxos(), restored.utxos())
	require.Equal(t, d.isReady(1), restored.isReady(1))
	require.Equal(t, d.status, restored.status)
	require.Equal(t, d.proofs, restored.proofs)
}

func TestCommitTransactionTouchesScriptHashes(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]
	change := d.ring.ChangeKeys()[0]

	funding := fundingTx(key0, 1000, 0x01)
	registerTx(d, funding, 100, key0)

	spend := spendTx(funding, 0, key0, wire.NewTxOut(900, change.PkScript()))
	d.commitTransaction(spend)

	txid := spend.TxHash().String()
	require.Equal(t, int32(0), d.heights[txid])
	require.Contains(t, historyTxids(d, key0.ScriptHash()), txid)
	require.Contains(t, historyTxids(d, change.ScriptHash()), txid)

	// Committing twice does not duplicate history entries.
	d.commitTransaction(spend)
	require.Len(t, historyTxids(d, change.ScriptHash()), 1)
}

func historyTxids(d *walletData, scriptHash string) []string {
	var txids []string
	for _, item := range d.history[scriptHash] {
		txids = append(txids, item.Txid)
	}
	return txids
}

func TestFirstUnusedAddress(t *testing.T) {
	d := newTestData(t)
	key0 := d.ring.AccountKeys()[0]
	key1 := d.ring.AccountKeys()[1]

	d.status[key0.ScriptHash()] = "used"
	addr, ok := d.firstUnusedAddress()
	require.True(t, ok)
	require.Equal(t, key1.Address(), addr)
}

func TestVerifyProof(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))
	txid := tx.TxHash()

	// A single-transaction block commits to the txid directly.
	hdr := wire.BlockHeader{MerkleRoot: txid}
	proof := types.MerkleProof{Txid: txid.String(), BlockHeight: 5, Pos: 0}
	require.NoError(t, verifyProof(hdr, proof))

	// A sibling changes the root: the lone-leaf proof must fail.
	hdr.MerkleRoot = chainhash.Hash{0xff}
	require.Error(t, verifyProof(hdr, proof))
}

func TestVerifyProofWithBranch(t *testing.T) {
	left := chainhash.Hash{0x01}
	right := chainhash.Hash{0x02}

	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	root := chainhash.DoubleHashH(buf[:])

	hdr := wire.BlockHeader{MerkleRoot: root}

	require.NoError(t, verifyProof(hdr, types.MerkleProof{
		Txid: left.String(), Pos: 0, Merkle: []string{right.String()},
	}))
	require.NoError(t, verifyProof(hdr, types.MerkleProof{
		Txid: right.String(), Pos: 1, Merkle: []string{left.String()},
	}))
	require.Error(t, verifyProof(hdr, types.MerkleProof{
		Txid: left.String(), Pos: 1, Merkle: []string{right.String()},
	}))
}
