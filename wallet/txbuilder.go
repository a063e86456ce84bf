package wallet

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/lumenwallet/go-sdk/keys"
	"github.com/lumenwallet/go-sdk/types"
)

// dummySigLen is the worst-case DER signature length (with sighash
// byte) used to estimate the witness weight before signing.
const dummySigLen = 71

type InsufficientFundsError struct {
	Amount    btcutil.Amount
	Available btcutil.Amount
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %s, available %s", e.Amount, e.Available)
}

type AmountBelowDustError struct {
	Amount    btcutil.Amount
	DustLimit btcutil.Amount
}

func (e AmountBelowDustError) Error() string {
	return fmt.Sprintf("amount %s is below the dust limit %s", e.Amount, e.DustLimit)
}

// builtTx pairs a fully signed transaction with what went into it.
type builtTx struct {
	tx       *wire.MsgTx
	fee      btcutil.Amount
	selected []types.Utxo
}

// completeTransaction funds, optionally adds change to, and signs a
// transaction paying the given outputs. Locked coins are always
// excluded, unconfirmed ones unless allowed; selection walks the
// remaining coins in
// ascending value order with an explicit remaining deque.
func (d *walletData) completeTransaction(
	outputs []*wire.TxOut, feeRatePerKw int64, dustLimit btcutil.Amount,
	allowSpendUnconfirmed bool,
) (*builtTx, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no outputs provided")
	}
	var amount btcutil.Amount
	for _, out := range outputs {
		// Outputs the network would refuse to relay are rejected up
		// front, independent of our own change threshold.
		if txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
			return nil, AmountBelowDustError{
				Amount: btcutil.Amount(out.Value), DustLimit: dustLimit,
			}
		}
		amount += btcutil.Amount(out.Value)
	}
	if amount <= dustLimit {
		return nil, AmountBelowDustError{Amount: amount, DustLimit: dustLimit}
	}

	var available btcutil.Amount
	remaining := make([]types.Utxo, 0)
	for _, utxo := range d.utxos() {
		if _, locked := d.lockedOutpoints[utxo.Outpoint]; locked {
			continue
		}
		if !allowSpendUnconfirmed && utxo.Height <= 0 {
			continue
		}
		remaining = append(remaining, utxo)
		available += utxo.Value
	}
	sortUtxos(remaining)

	changeKey := d.changeKey()

	var selected []types.Utxo
	var total btcutil.Amount
	pop := func() {
		selected = append(selected, remaining[0])
		total += remaining[0].Value
		remaining = remaining[1:]
	}

	for {
		feeNoChange := d.estimateFee(selected, outputs, nil, feeRatePerKw)
		switch {
		case total-feeNoChange < amount && len(remaining) == 0:
			return nil, InsufficientFundsError{Amount: amount, Available: available}

		case total-feeNoChange < amount:
			pop()
			continue

		case total-feeNoChange <= amount+dustLimit:
			// Overpay the miner rather than emit a dust change output.
			return d.signTransaction(selected, outputs, total-amount)
		}

		feeWithChange := d.estimateFee(selected, outputs, changeKey, feeRatePerKw)
		switch {
		case total-feeWithChange <= amount+dustLimit && len(remaining) == 0:
			return d.signTransaction(selected, outputs, total-amount)

		case total-feeWithChange <= amount+dustLimit:
			pop()
			continue

		default:
			change := &wire.TxOut{
				Value:    int64(total - amount - feeWithChange),
				PkScript: changeKey.PkScript(),
			}
			withChange := append(outputs[:len(outputs):len(outputs)], change)
			return d.signTransaction(selected, withChange, feeWithChange)
		}
	}
}

// spendAll drains every coin, confirmed or not, locked or not, into a
// single output carrying the whole balance minus fees.
func (d *walletData) spendAll(
	pkScript []byte, feeRatePerKw int64, dustLimit btcutil.Amount,
) (*builtTx, error) {
	selected := d.utxos()
	if len(selected) == 0 {
		return nil, InsufficientFundsError{}
	}
	sortUtxos(selected)

	var total btcutil.Amount
	for _, utxo := range selected {
		total += utxo.Value
	}

	outputs := []*wire.TxOut{{Value: int64(total), PkScript: pkScript}}
	fee := d.estimateFee(selected, outputs, nil, feeRatePerKw)
	if total-fee <= dustLimit {
		return nil, AmountBelowDustError{Amount: total - fee, DustLimit: dustLimit}
	}
	outputs[0].Value = int64(total - fee)
	return d.signTransaction(selected, outputs, fee)
}

// commitTransaction optimistically applies our own broadcast to the
// wallet: the transaction is registered unconfirmed and every touched
// script hash gains a height-0 history entry. The server overwrites
// all of this authoritatively within seconds.
func (d *walletData) commitTransaction(tx *wire.MsgTx) {
	txid := tx.TxHash().String()
	d.transactions[txid] = tx
	d.heights[txid] = 0

	touch := func(scriptHash string) {
		for _, item := range d.history[scriptHash] {
			if item.Txid == txid {
				return
			}
		}
		d.history[scriptHash] = append(
			d.history[scriptHash], types.TxHistoryItem{Txid: txid, Height: 0},
		)
	}

	for _, in := range tx.TxIn {
		if key, mine := d.isMineInput(in); mine {
			touch(key.ScriptHash())
		}
	}
	for _, out := range tx.TxOut {
		if key, mine := d.ring.LookupPkScript(out.PkScript); mine {
			touch(key.ScriptHash())
		}
	}
}

// changeKey picks the first never-used change key, falling back to
// the freshest one.
func (d *walletData) changeKey() *keys.DerivedKey {
	chainKeys := d.ring.ChangeKeys()
	for _, key := range chainKeys {
		if d.status[key.ScriptHash()] == "" {
			return key
		}
	}
	return chainKeys[len(chainKeys)-1]
}

// estimateFee builds the candidate with dummy signatures and charges
// feeRatePerKw over its weight. changeKey nil means no change output.
func (d *walletData) estimateFee(
	selected []types.Utxo, outputs []*wire.TxOut, changeKey *keys.DerivedKey,
	feeRatePerKw int64,
) btcutil.Amount {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range selected {
		hash, _ := chainhash.NewHashFromStr(utxo.Txid)
		in := wire.NewTxIn(wire.NewOutPoint(hash, utxo.VOut), nil, nil)

		key, _ := d.ring.LookupScriptHash(utxo.ScriptHash)
		sigScript, _ := txscript.NewScriptBuilder().AddData(key.RedeemScript()).Script()
		in.SignatureScript = sigScript
		in.Witness = wire.TxWitness{make([]byte, dummySigLen), key.PubKey()}
		tx.AddTxIn(in)
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if changeKey != nil {
		tx.AddTxOut(wire.NewTxOut(0, changeKey.PkScript()))
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return btcutil.Amount(weight * feeRatePerKw / 1000)
}

// signTransaction assembles and BIP143-signs the final transaction:
// the script sig pushes the P2WPKH redeem script and the witness is
// (signature, pubkey) on SIGHASH_ALL.
func (d *walletData) signTransaction(
	selected []types.Utxo, outputs []*wire.TxOut, fee btcutil.Amount,
) (*builtTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for _, utxo := range selected {
		hash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return nil, err
		}
		op := wire.NewOutPoint(hash, utxo.VOut)
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))

		key, ok := d.ring.LookupScriptHash(utxo.ScriptHash)
		if !ok {
			return nil, fmt.Errorf("no key for script hash %s", utxo.ScriptHash)
		}
		prevOuts[*op] = wire.NewTxOut(int64(utxo.Value), key.PkScript())
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)

	for i, utxo := range selected {
		key, _ := d.ring.LookupScriptHash(utxo.ScriptHash)
		xprv, err := key.PrivKey()
		if err != nil {
			return nil, err
		}
		priv, err := xprv.ECPrivKey()
		if err != nil {
			return nil, err
		}

		witness, err := txscript.WitnessSignature(
			tx, hashCache, i, int64(utxo.Value), key.RedeemScript(),
			txscript.SigHashAll, priv, true,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness

		sigScript, err := txscript.NewScriptBuilder().AddData(key.RedeemScript()).Script()
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return &builtTx{tx: tx, fee: fee, selected: selected}, nil
}

// sortUtxos orders coins by ascending value, then by outpoint so that
// selection is deterministic.
func sortUtxos(utxos []types.Utxo) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Value != utxos[j].Value {
			return utxos[i].Value < utxos[j].Value
		}
		return utxos[i].Outpoint.String() < utxos[j].Outpoint.String()
	})
}
