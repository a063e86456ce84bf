package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// BIP49 purpose level, hardened.
const purpose = 49

// Account-level extended public key version bytes, BIP49 style.
var (
	ypubVersion = []byte{0x04, 0x9d, 0x7c, 0xb2}
	upubVersion = []byte{0x04, 0x4a, 0x52, 0x62}
)

// DerivedKey is one wallet key on m/49'/coin'/0'/{0|1}/index together
// with everything precomputed from it: the P2WPKH redeem script, the
// P2SH output script wrapping it, the base58 address and the Electrum
// script hash the server indexes it by.
type DerivedKey struct {
	Index  uint32
	Change bool

	key          *hdkeychain.ExtendedKey
	pubKeyBytes  []byte
	redeemScript []byte
	pkScript     []byte
	address      string
	scriptHash   string
}

func (k *DerivedKey) PubKey() []byte       { return k.pubKeyBytes }
func (k *DerivedKey) RedeemScript() []byte { return k.redeemScript }
func (k *DerivedKey) PkScript() []byte     { return k.pkScript }
func (k *DerivedKey) Address() string      { return k.address }
func (k *DerivedKey) ScriptHash() string   { return k.scriptHash }

// PrivKey exposes the signing key for the transaction builder.
func (k *DerivedKey) PrivKey() (*hdkeychain.ExtendedKey, error) {
	if !k.key.IsPrivate() {
		return nil, fmt.Errorf("key %d is not private", k.Index)
	}
	return k.key, nil
}

// KeyRing derives and caches the BIP49 account and change chains. The
// chains only ever grow; the wallet state machine extends them to keep
// the unused look-ahead at its swipe range.
type KeyRing struct {
	params       *chaincfg.Params
	accountXprv  *hdkeychain.ExtendedKey
	externalBase *hdkeychain.ExtendedKey
	changeBase   *hdkeychain.ExtendedKey

	accountKeys []*DerivedKey
	changeKeys  []*DerivedKey
	byHash      map[string]*DerivedKey
}

// NewKeyRing builds the m/49'/coin'/0' account from a BIP32 seed and
// prepares the /0 and /1 child chains.
func NewKeyRing(seed []byte, params *chaincfg.Params) (*KeyRing, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + params.HDCoinType,
		hdkeychain.HardenedKeyStart,
	}
	account := master
	for _, child := range path {
		account, err = account.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("account derivation failed: %w", err)
		}
	}

	external, err := account.Derive(0)
	if err != nil {
		return nil, err
	}
	change, err := account.Derive(1)
	if err != nil {
		return nil, err
	}

	return &KeyRing{
		params:       params,
		accountXprv:  account,
		externalBase: external,
		changeBase:   change,
		byHash:       make(map[string]*DerivedKey),
	}, nil
}

// EnsureKeys grows both chains to at least the given sizes, as when
// restoring from a persisted snapshot.
func (r *KeyRing) EnsureKeys(accountCount, changeCount int) error {
	for len(r.accountKeys) < accountCount {
		if _, err := r.Extend(false); err != nil {
			return err
		}
	}
	for len(r.changeKeys) < changeCount {
		if _, err := r.Extend(true); err != nil {
			return err
		}
	}
	return nil
}

// Extend derives the next key of one chain and registers its script
// hash.
func (r *KeyRing) Extend(change bool) (*DerivedKey, error) {
	base, chain := r.externalBase, r.accountKeys
	if change {
		base, chain = r.changeBase, r.changeKeys
	}

	idx := uint32(len(chain))
	child, err := base.Derive(idx)
	if err != nil {
		return nil, fmt.Errorf("child %d derivation failed: %w", idx, err)
	}

	key, err := newDerivedKey(child, idx, change, r.params)
	if err != nil {
		return nil, err
	}

	if change {
		r.changeKeys = append(r.changeKeys, key)
	} else {
		r.accountKeys = append(r.accountKeys, key)
	}
	r.byHash[key.scriptHash] = key
	return key, nil
}

func (r *KeyRing) AccountKeys() []*DerivedKey { return r.accountKeys }
func (r *KeyRing) ChangeKeys() []*DerivedKey  { return r.changeKeys }

// LookupScriptHash resolves a server script hash back to our key.
func (r *KeyRing) LookupScriptHash(scriptHash string) (*DerivedKey, bool) {
	key, ok := r.byHash[scriptHash]
	return key, ok
}

// LookupPkScript resolves an output script to our key, if it pays us.
func (r *KeyRing) LookupPkScript(pkScript []byte) (*DerivedKey, bool) {
	return r.LookupScriptHash(scriptHashOf(pkScript))
}

// AllScriptHashes lists every derived script hash, account chain first.
func (r *KeyRing) AllScriptHashes() []string {
	hashes := make([]string, 0, len(r.accountKeys)+len(r.changeKeys))
	for _, k := range r.accountKeys {
		hashes = append(hashes, k.scriptHash)
	}
	for _, k := range r.changeKeys {
		hashes = append(hashes, k.scriptHash)
	}
	return hashes
}

// ExportXpub serializes the account public key with the ypub (mainnet)
// or upub (testnet) version bytes.
func (r *KeyRing) ExportXpub() (string, error) {
	neutered, err := r.accountXprv.Neuter()
	if err != nil {
		return "", err
	}
	version := upubVersion
	if r.params.Net == chaincfg.MainNetParams.Net {
		version = ypubVersion
	}
	converted, err := neutered.CloneWithVersion(version)
	if err != nil {
		return "", err
	}
	return converted.String(), nil
}

func newDerivedKey(
	key *hdkeychain.ExtendedKey, index uint32, change bool, params *chaincfg.Params,
) (*DerivedKey, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	pubBytes := pub.SerializeCompressed()

	// The P2WPKH script doubles as the redeem script of the P2SH wrap.
	redeemScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubBytes)).
		Script()
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &DerivedKey{
		Index:        index,
		Change:       change,
		key:          key,
		pubKeyBytes:  pubBytes,
		redeemScript: redeemScript,
		pkScript:     pkScript,
		address:      addr.EncodeAddress(),
		scriptHash:   scriptHashOf(pkScript),
	}, nil
}

// scriptHashOf is the Electrum indexing key: sha256 of the output
// script, reversed, hex encoded.
func scriptHashOf(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}
