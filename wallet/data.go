package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lumenwallet/go-sdk/chain"
	"github.com/lumenwallet/go-sdk/keys"
	"github.com/lumenwallet/go-sdk/types"
)

// headersRequest identifies one outstanding header range download.
type headersRequest struct {
	start int32
	count int
}

// walletData is the full wallet state reconciled against the server.
// It is only ever touched from the state machine goroutine.
type walletData struct {
	chain *chain.Blockchain
	ring  *keys.KeyRing

	status       map[string]string
	transactions map[string]*wire.MsgTx
	heights      map[string]int32
	history      map[string][]types.TxHistoryItem
	proofs       map[string]types.MerkleProof

	pendingHistoryRequests     map[string]struct{}
	pendingTransactionRequests map[string]struct{}
	pendingHeadersRequests     map[headersRequest]struct{}
	pendingTransactions        []*wire.MsgTx
	pendingProofs              map[string]types.MerkleProof

	lockedOutpoints map[types.Outpoint]struct{}

	lastReadyMessage *types.WalletReady
}

func newWalletData(bc *chain.Blockchain, ring *keys.KeyRing) *walletData {
	return &walletData{
		chain:                      bc,
		ring:                       ring,
		status:                     make(map[string]string),
		transactions:               make(map[string]*wire.MsgTx),
		heights:                    make(map[string]int32),
		history:                    make(map[string][]types.TxHistoryItem),
		proofs:                     make(map[string]types.MerkleProof),
		pendingHistoryRequests:     make(map[string]struct{}),
		pendingTransactionRequests: make(map[string]struct{}),
		pendingHeadersRequests:     make(map[headersRequest]struct{}),
		pendingProofs:              make(map[string]types.MerkleProof),
		lockedOutpoints:            make(map[types.Outpoint]struct{}),
	}
}

// txDelta is the wallet-relative effect of one transaction.
type txDelta struct {
	received btcutil.Amount
	sent     btcutil.Amount
	fee      btcutil.Amount
	feeKnown bool
	ourAddrs []string
}

// isMineInput recognizes our own P2SH-P2WPKH spend by the pubkey in
// its witness, without needing the parent transaction.
func (d *walletData) isMineInput(in *wire.TxIn) (*keys.DerivedKey, bool) {
	if len(in.Witness) != 2 {
		return nil, false
	}
	pub := in.Witness[1]
	for _, key := range d.ring.AccountKeys() {
		if bytes.Equal(key.PubKey(), pub) {
			return key, true
		}
	}
	for _, key := range d.ring.ChangeKeys() {
		if bytes.Equal(key.PubKey(), pub) {
			return key, true
		}
	}
	return nil, false
}

// computeTransactionDelta computes what a transaction gives to and
// takes from the wallet. It returns nil when one of our own inputs
// spends a parent transaction we do not have yet.
func (d *walletData) computeTransactionDelta(tx *wire.MsgTx) *txDelta {
	delta := &txDelta{}

	ourInputs := 0
	for _, in := range tx.TxIn {
		if _, mine := d.isMineInput(in); !mine {
			continue
		}
		ourInputs++
		parent, ok := d.transactions[in.PreviousOutPoint.Hash.String()]
		if !ok {
			return nil
		}
		if int(in.PreviousOutPoint.Index) >= len(parent.TxOut) {
			return nil
		}
		delta.sent += btcutil.Amount(parent.TxOut[in.PreviousOutPoint.Index].Value)
	}

	for _, out := range tx.TxOut {
		key, mine := d.ring.LookupPkScript(out.PkScript)
		if !mine {
			continue
		}
		delta.received += btcutil.Amount(out.Value)
		delta.ourAddrs = append(delta.ourAddrs, key.Address())
	}

	if ourInputs == len(tx.TxIn) && ourInputs > 0 {
		var outSum btcutil.Amount
		for _, out := range tx.TxOut {
			outSum += btcutil.Amount(out.Value)
		}
		delta.fee = delta.sent - outSum
		delta.feeKnown = true
	}
	return delta
}

// utxos derives the spendable set: every output of a known history
// transaction paying one of our script hashes whose outpoint no other
// known transaction spends.
func (d *walletData) utxos() []types.Utxo {
	spent := make(map[wire.OutPoint]struct{})
	for _, tx := range d.transactions {
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	var found []types.Utxo
	for scriptHash, items := range d.history {
		key, ok := d.ring.LookupScriptHash(scriptHash)
		if !ok {
			continue
		}
		for _, item := range items {
			tx, ok := d.transactions[item.Txid]
			if !ok {
				continue
			}
			txHash := tx.TxHash()
			for vout, out := range tx.TxOut {
				if !bytes.Equal(out.PkScript, key.PkScript()) {
					continue
				}
				op := wire.OutPoint{Hash: txHash, Index: uint32(vout)}
				if _, isSpent := spent[op]; isSpent {
					continue
				}
				found = append(found, types.Utxo{
					Outpoint:   types.Outpoint{Txid: item.Txid, VOut: uint32(vout)},
					ScriptHash: scriptHash,
					Value:      btcutil.Amount(out.Value),
					Height:     d.heights[item.Txid],
				})
			}
		}
	}
	return found
}

// calculateBalance sums the unspent outputs of a single script hash.
func (d *walletData) calculateBalance(scriptHash string) types.Balance {
	var balance types.Balance
	for _, utxo := range d.utxos() {
		if utxo.ScriptHash != scriptHash {
			continue
		}
		if utxo.IsConfirmed() {
			balance.Confirmed += utxo.Value
		} else {
			balance.Unconfirmed += utxo.Value
		}
	}
	return balance
}

func (d *walletData) balance() types.Balance {
	var balance types.Balance
	for _, utxo := range d.utxos() {
		if utxo.IsConfirmed() {
			balance.Confirmed += utxo.Value
		} else {
			balance.Unconfirmed += utxo.Value
		}
	}
	return balance
}

// isDoubleSpent reports whether some confirmed transaction with at
// least two confirmations spends one of tx's inputs under a different
// txid.
func (d *walletData) isDoubleSpent(tx *wire.MsgTx) bool {
	txid := tx.TxHash().String()
	for otherTxid, other := range d.transactions {
		if otherTxid == txid {
			continue
		}
		height := d.heights[otherTxid]
		if height <= 0 || d.chain.Height()-height+1 < 2 {
			continue
		}
		for _, otherIn := range other.TxIn {
			for _, in := range tx.TxIn {
				if otherIn.PreviousOutPoint == in.PreviousOutPoint {
					return true
				}
			}
		}
	}
	return false
}

// mergeHistory overlays the server's history with the shadow set: any
// item we knew but the server no longer lists survives the merge, so
// an unconfirmed self-sent transaction is not dropped before the
// server reflects it.
func (d *walletData) mergeHistory(scriptHash string, items []types.TxHistoryItem) []types.TxHistoryItem {
	listed := make(map[string]struct{}, len(items))
	for _, item := range items {
		listed[item.Txid] = struct{}{}
	}
	merged := append([]types.TxHistoryItem{}, items...)
	for _, old := range d.history[scriptHash] {
		if _, ok := listed[old.Txid]; !ok {
			merged = append(merged, old)
		}
	}
	return merged
}

// isReady is the wallet-ready predicate. The empty-status count
// against twice the swipe range is kept exactly as the wallet has
// always computed it.
func (d *walletData) isReady(swipeRange int) bool {
	for _, hash := range d.ring.AllScriptHashes() {
		if _, known := d.status[hash]; !known {
			return false
		}
	}
	empty := 0
	for _, status := range d.status {
		if status == "" {
			empty++
		}
	}
	return empty >= swipeRange*2 &&
		len(d.pendingHistoryRequests) == 0 &&
		len(d.pendingTransactionRequests) == 0
}

// firstUnusedAddress walks the account chain for the first key the
// server reports as never used.
func (d *walletData) firstUnusedAddress() (string, bool) {
	for _, key := range d.ring.AccountKeys() {
		if d.status[key.ScriptHash()] == "" {
			return key.Address(), true
		}
	}
	return "", false
}

// verifyProof folds the Merkle branch from the txid up to the root
// and compares against the header's commitment.
func verifyProof(header wire.BlockHeader, proof types.MerkleProof) error {
	txHash, err := chainhash.NewHashFromStr(proof.Txid)
	if err != nil {
		return fmt.Errorf("bad txid in proof: %w", err)
	}

	current := *txHash
	pos := proof.Pos
	for _, nodeHex := range proof.Merkle {
		node, err := chainhash.NewHashFromStr(nodeHex)
		if err != nil {
			return fmt.Errorf("bad merkle node: %w", err)
		}
		var buf [chainhash.HashSize * 2]byte
		if pos&1 == 1 {
			copy(buf[:chainhash.HashSize], node[:])
			copy(buf[chainhash.HashSize:], current[:])
		} else {
			copy(buf[:chainhash.HashSize], current[:])
			copy(buf[chainhash.HashSize:], node[:])
		}
		current = chainhash.DoubleHashH(buf[:])
		pos >>= 1
	}

	if current != header.MerkleRoot {
		return fmt.Errorf("merkle root mismatch for %s at height %d",
			proof.Txid, proof.BlockHeight)
	}
	return nil
}

// toPersistentData snapshots everything the wallet needs to come back
// after a restart.
func (d *walletData) toPersistentData() types.PersistentData {
	data := types.PersistentData{
		AccountKeysCount: len(d.ring.AccountKeys()),
		ChangeKeysCount:  len(d.ring.ChangeKeys()),
		Status:           make(map[string]string, len(d.status)),
		Transactions:     make(map[string]string, len(d.transactions)),
		Heights:          make(map[string]int32, len(d.heights)),
		History:          make(map[string][]types.TxHistoryItem, len(d.history)),
		Proofs:           make(map[string]types.MerkleProof, len(d.proofs)),
	}
	for hash, status := range d.status {
		data.Status[hash] = status
	}
	for txid, tx := range d.transactions {
		data.Transactions[txid] = serializeTx(tx)
	}
	for txid, height := range d.heights {
		data.Heights[txid] = height
	}
	for hash, items := range d.history {
		data.History[hash] = append([]types.TxHistoryItem{}, items...)
	}
	for txid, proof := range d.proofs {
		data.Proofs[txid] = proof
	}
	for _, tx := range d.pendingTransactions {
		data.PendingTransactions = append(data.PendingTransactions, serializeTx(tx))
	}
	return data
}

// loadPersistentData restores a snapshot, growing the key ring back to
// its persisted size.
func (d *walletData) loadPersistentData(data *types.PersistentData) error {
	if err := d.ring.EnsureKeys(data.AccountKeysCount, data.ChangeKeysCount); err != nil {
		return err
	}
	for hash, status := range data.Status {
		d.status[hash] = status
	}
	for txid, rawHex := range data.Transactions {
		tx, err := deserializeTx(rawHex)
		if err != nil {
			return fmt.Errorf("corrupt transaction %s: %w", txid, err)
		}
		d.transactions[txid] = tx
	}
	for txid, height := range data.Heights {
		d.heights[txid] = height
	}
	for hash, items := range data.History {
		d.history[hash] = append([]types.TxHistoryItem{}, items...)
	}
	for txid, proof := range data.Proofs {
		d.proofs[txid] = proof
	}
	for _, rawHex := range data.PendingTransactions {
		tx, err := deserializeTx(rawHex)
		if err != nil {
			return fmt.Errorf("corrupt pending transaction: %w", err)
		}
		d.pendingTransactions = append(d.pendingTransactions, tx)
	}
	return nil
}

func serializeTx(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	// Serialize on a buffer never fails.
	_ = tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

func deserializeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
