package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/lumenwallet/go-sdk/chain"
	"github.com/lumenwallet/go-sdk/electrum"
	"github.com/lumenwallet/go-sdk/internal/utils"
	"github.com/lumenwallet/go-sdk/keys"
	"github.com/lumenwallet/go-sdk/types"
)

type State int

const (
	StateDisconnected State = iota
	StateWaitingForTip
	StateSyncing
	StateRunning
)

func (s State) String() string {
	return map[State]string{
		StateDisconnected:  "DISCONNECTED",
		StateWaitingForTip: "WAITING_FOR_TIP",
		StateSyncing:       "SYNCING",
		StateRunning:       "RUNNING",
	}[s]
}

type Config struct {
	Params                *chaincfg.Params
	SwipeRange            int
	DustLimit             btcutil.Amount
	FeeRatePerKw          int64
	AllowSpendUnconfirmed bool
	Checkpoints           []chain.Checkpoint
}

// apiCall is a synchronous request executed inside the state machine
// goroutine, so API readers never race the message handlers.
type apiCall struct {
	run  func()
	done chan struct{}
}

// Wallet is the Electrum wallet state machine. A single goroutine
// drains the mailbox; everything the wallet owns, the header chain
// included, is only touched from there.
type Wallet struct {
	cfg  Config
	conn electrum.Conn
	db   types.WalletDb

	state        State
	data         *walletData
	feeRatePerKw int64

	mailbox chan any
	events  *utils.Broadcaster[types.WalletEvent]
	quit    chan struct{}
	done    chan struct{}
}

// New restores a wallet from its seed and whatever the database holds:
// persisted snapshot, then both key chains primed to the swipe range,
// then persisted header chunks.
func New(
	ctx context.Context, seed []byte, cfg Config, conn electrum.Conn, db types.WalletDb,
) (*Wallet, error) {
	ring, err := keys.NewKeyRing(seed, cfg.Params)
	if err != nil {
		return nil, err
	}

	bc := chain.New(cfg.Params, chain.WithCheckpoints(cfg.Checkpoints))
	data := newWalletData(bc, ring)

	persisted, err := db.ReadPersistentData(ctx)
	switch {
	case errors.Is(err, types.ErrNoPersistentData):
	case err != nil:
		return nil, err
	default:
		if err := data.loadPersistentData(persisted); err != nil {
			return nil, err
		}
	}

	if err := ring.EnsureKeys(cfg.SwipeRange, cfg.SwipeRange); err != nil {
		return nil, err
	}

	if err := loadChain(ctx, bc, db); err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:          cfg,
		conn:         conn,
		db:           db,
		state:        StateDisconnected,
		data:         data,
		feeRatePerKw: cfg.FeeRatePerKw,
		mailbox:      make(chan any, 100),
		events:       utils.NewBroadcaster[types.WalletEvent](),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// loadChain replays persisted header chunks on top of the checkpoint
// base so a restarted wallet does not redownload sealed history.
func loadChain(ctx context.Context, bc *chain.Blockchain, db types.WalletDb) error {
	for {
		start := bc.NextHeight()
		headers, err := db.GetHeaders(ctx, start, chain.RetargetWindow)
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			break
		}
		if err := bc.AddHeadersChunk(start, headers); err != nil {
			if err2 := bc.AddHeaders(start, headers); err2 != nil {
				return err2
			}
		}
	}
	bc.Optimize()
	return nil
}

func (w *Wallet) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.mailbox:
			if call, ok := msg.(apiCall); ok {
				call.run()
				close(call.done)
				continue
			}
			w.handle(msg)
		}
	}
}

// Deliver feeds one external event into the mailbox.
func (w *Wallet) Deliver(msg any) {
	select {
	case <-w.quit:
	case w.mailbox <- msg:
	}
}

func (w *Wallet) Stop() {
	close(w.quit)
	<-w.done
	w.events.Close()
}

// Events subscribes to WalletReady and TransactionReceived.
func (w *Wallet) Events() <-chan types.WalletEvent {
	return w.events.Subscribe(100)
}

func (w *Wallet) handle(msg any) {
	switch m := msg.(type) {
	case electrum.Disconnected:
		w.handleDisconnected()
		return
	case electrum.FeeEstimate:
		if m.FeeRatePerKw > 0 {
			w.feeRatePerKw = m.FeeRatePerKw
		}
		return
	case electrum.BroadcastResponse:
		if m.Err != nil {
			log.WithError(m.Err).Warn("wallet: broadcast rejected")
		} else {
			log.WithField("txid", m.Txid).Debug("wallet: broadcast accepted")
		}
		return
	}

	switch w.state {
	case StateDisconnected:
		if _, ok := msg.(electrum.ServerReady); ok {
			if err := w.conn.SubscribeHeaders(); err != nil {
				log.WithError(err).Warn("wallet: header subscription failed")
				return
			}
			w.state = StateWaitingForTip
		}

	case StateWaitingForTip:
		if m, ok := msg.(electrum.TipNotification); ok {
			w.handleFirstTip(m)
		}

	case StateSyncing:
		switch m := msg.(type) {
		case electrum.HeadersResponse:
			w.handleSyncingHeaders(m)
		case electrum.TipNotification:
			// Remembered implicitly: the sync loop keeps requesting
			// until the server returns an empty run.
		default:
			log.WithField("msg", msg).Debug("wallet: ignoring while syncing")
		}

	case StateRunning:
		switch m := msg.(type) {
		case electrum.TipNotification:
			w.handleRunningTip(m)
		case electrum.HeadersResponse:
			w.handleRunningHeaders(m)
		case electrum.ScriptHashStatus:
			w.handleScriptHashStatus(m)
		case electrum.HistoryResponse:
			w.handleHistory(m)
		case electrum.TransactionResponse:
			w.handleTransaction(m.Tx)
		case electrum.MerkleResponse:
			w.handleMerkle(m.Proof)
		}
	}
}

func (w *Wallet) handleFirstTip(m electrum.TipNotification) {
	bc := w.data.chain
	switch {
	case m.Height < bc.Height():
		log.WithFields(log.Fields{
			"server": m.Height, "local": bc.Height(),
		}).Warn("wallet: server is behind, disconnecting")
		w.conn.Disconnect()

	case bc.IsEmpty():
		w.requestHeaders(bc.NextHeight())
		w.state = StateSyncing

	case m.Height == bc.Height() && w.tipMatches(m.Header):
		utils.BlockCount.Store(m.Height)
		w.subscribeAll()
		w.state = StateRunning
		w.maybePublishReady()

	default:
		w.requestHeaders(bc.Height() + 1)
		w.state = StateSyncing
	}
}

func (w *Wallet) tipMatches(hdr wire.BlockHeader) bool {
	tip, ok := w.data.chain.Tip()
	return ok && tip.Hash() == hdr.BlockHash()
}

func (w *Wallet) handleSyncingHeaders(m electrum.HeadersResponse) {
	delete(w.data.pendingHeadersRequests, headersRequest{m.StartHeight, chain.RetargetWindow})

	if len(m.Headers) == 0 {
		utils.BlockCount.Store(w.data.chain.Height())
		w.subscribeAll()
		w.state = StateRunning
		w.maybePublishReady()
		return
	}

	if err := w.connectHeaders(m); err != nil {
		log.WithError(err).Warn("wallet: header validation failed, disconnecting")
		w.conn.Disconnect()
		return
	}
	w.requestHeaders(w.data.chain.NextHeight())
}

// connectHeaders validates a header run, splicing through a
// checkpoint when one anchors it, and persists whatever Optimize
// seals. Persistence happens before the next request goes out so a
// crash never advances past stored headers.
func (w *Wallet) connectHeaders(m electrum.HeadersResponse) error {
	bc := w.data.chain

	belowWindow := m.StartHeight < bc.NextHeight() &&
		m.StartHeight%chain.RetargetWindow == 0
	err := bc.AddHeadersChunk(m.StartHeight, m.Headers)
	switch {
	case err == nil && belowWindow:
		// Validated in isolation under a checkpoint: persist directly,
		// then serve any proof that was waiting for these headers.
		if err := w.db.AddHeaders(context.Background(), m.StartHeight, m.Headers); err != nil {
			return err
		}
		w.replayParkedProofs()
		return nil
	case errors.Is(err, chain.ErrNoCheckpoint), errors.Is(err, chain.ErrChunkMisaligned):
		if err := bc.AddHeaders(m.StartHeight, m.Headers); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for _, sealed := range bc.Optimize() {
		if err := w.db.AddHeaders(context.Background(), sealed.StartHeight, sealed.Headers); err != nil {
			return err
		}
	}
	w.replayParkedProofs()
	return nil
}

func (w *Wallet) handleRunningTip(m electrum.TipNotification) {
	bc := w.data.chain
	switch {
	case m.Height == bc.Height() && w.tipMatches(m.Header):
		return

	case m.Height == bc.NextHeight():
		if err := bc.AddHeader(m.Height, m.Header); err != nil {
			log.WithError(err).Warn("wallet: tip rejected, disconnecting")
			w.conn.Disconnect()
			return
		}
		for _, sealed := range bc.Optimize() {
			if err := w.db.AddHeaders(context.Background(), sealed.StartHeight, sealed.Headers); err != nil {
				log.WithError(err).Error("wallet: header persistence failed")
				w.conn.Disconnect()
				return
			}
		}
		utils.BlockCount.Store(bc.Height())
		w.maybePublishReady()

	default:
		// Gap ahead or a competing chain at known heights: fetch the
		// headers and let the chain pick the heavier side.
		from := bc.NextHeight()
		if m.Height < from {
			from = m.Height
		}
		w.requestHeaders(from)
	}
}

func (w *Wallet) handleRunningHeaders(m electrum.HeadersResponse) {
	delete(w.data.pendingHeadersRequests, headersRequest{m.StartHeight, chain.RetargetWindow})
	if len(m.Headers) == 0 {
		return
	}
	if err := w.connectHeaders(m); err != nil {
		log.WithError(err).Warn("wallet: header validation failed, disconnecting")
		w.conn.Disconnect()
		return
	}
	utils.BlockCount.Store(w.data.chain.Height())
	w.maybePublishReady()
}

func (w *Wallet) handleScriptHashStatus(m electrum.ScriptHashStatus) {
	d := w.data
	key, ok := d.ring.LookupScriptHash(m.ScriptHash)
	if !ok {
		log.WithField("scriptHash", m.ScriptHash).Debug("wallet: status for unknown script hash")
		return
	}

	old, known := d.status[m.ScriptHash]
	switch {
	case known && old == m.Status:
		w.rerequestMissingTxs(m.ScriptHash)

	case m.Status == "":
		d.status[m.ScriptHash] = ""
		w.maybePublishReady()

	default:
		d.status[m.ScriptHash] = m.Status
		d.pendingHistoryRequests[m.ScriptHash] = struct{}{}
		if err := w.conn.GetScriptHashHistory(m.ScriptHash); err != nil {
			log.WithError(err).Warn("wallet: history request failed")
		}
		w.extendIfLastUsed(key)
	}
}

// extendIfLastUsed keeps the unused look-ahead at the swipe range:
// when the key that just got used is the last of its chain, one more
// key of that same chain is derived and subscribed.
func (w *Wallet) extendIfLastUsed(key *keys.DerivedKey) {
	chainKeys := w.data.ring.AccountKeys()
	if key.Change {
		chainKeys = w.data.ring.ChangeKeys()
	}
	if int(key.Index) != len(chainKeys)-1 {
		return
	}
	next, err := w.data.ring.Extend(key.Change)
	if err != nil {
		log.WithError(err).Error("wallet: key derivation failed")
		return
	}
	if err := w.conn.SubscribeScriptHash(next.ScriptHash()); err != nil {
		log.WithError(err).Warn("wallet: subscription failed")
	}
}

func (w *Wallet) rerequestMissingTxs(scriptHash string) {
	d := w.data
	for _, item := range d.history[scriptHash] {
		if _, known := d.transactions[item.Txid]; known {
			continue
		}
		if _, pending := d.pendingTransactionRequests[item.Txid]; pending {
			continue
		}
		d.pendingTransactionRequests[item.Txid] = struct{}{}
		if err := w.conn.GetTransaction(item.Txid); err != nil {
			log.WithError(err).Warn("wallet: transaction request failed")
		}
	}
}

func (w *Wallet) handleHistory(m electrum.HistoryResponse) {
	d := w.data
	delete(d.pendingHistoryRequests, m.ScriptHash)

	merged := d.mergeHistory(m.ScriptHash, m.Items)
	d.history[m.ScriptHash] = merged

	for _, item := range merged {
		oldHeight, hadHeight := d.heights[item.Txid]
		d.heights[item.Txid] = item.Height

		if _, known := d.transactions[item.Txid]; !known {
			if _, pending := d.pendingTransactionRequests[item.Txid]; !pending {
				d.pendingTransactionRequests[item.Txid] = struct{}{}
				if err := w.conn.GetTransaction(item.Txid); err != nil {
					log.WithError(err).Warn("wallet: transaction request failed")
				}
			}
		}

		switch {
		case item.Height > 0:
			proof, hasProof := d.proofs[item.Txid]
			reorged := hadHeight && oldHeight != item.Height
			if !hasProof || proof.BlockHeight != item.Height || reorged {
				delete(d.proofs, item.Txid)
				if err := w.conn.GetMerkle(item.Txid, item.Height); err != nil {
					log.WithError(err).Warn("wallet: merkle request failed")
				}
			}

		case hadHeight && oldHeight > 0:
			// Dropped back to the mempool: the old proof is void.
			delete(d.proofs, item.Txid)
		}
	}

	w.persist()
	w.maybePublishReady()
}

func (w *Wallet) handleTransaction(tx *wire.MsgTx) {
	d := w.data
	txid := tx.TxHash().String()
	delete(d.pendingTransactionRequests, txid)

	w.acceptOrPend(tx)
	w.drainPendingTransactions()

	w.persist()
	w.maybePublishReady()
}

func (w *Wallet) acceptOrPend(tx *wire.MsgTx) {
	d := w.data
	txid := tx.TxHash().String()

	delta := d.computeTransactionDelta(tx)
	if delta == nil {
		for _, parked := range d.pendingTransactions {
			if parked.TxHash().String() == txid {
				return
			}
		}
		d.pendingTransactions = append(d.pendingTransactions, tx)
		for _, in := range tx.TxIn {
			parent := in.PreviousOutPoint.Hash.String()
			if _, known := d.transactions[parent]; known {
				continue
			}
			if _, pending := d.pendingTransactionRequests[parent]; pending {
				continue
			}
			d.pendingTransactionRequests[parent] = struct{}{}
			if err := w.conn.GetTransaction(parent); err != nil {
				log.WithError(err).Warn("wallet: parent request failed")
			}
		}
		return
	}

	d.transactions[txid] = tx
	w.publishTransaction(tx, delta)
}

// drainPendingTransactions retries every parked transaction until a
// full pass connects nothing new.
func (w *Wallet) drainPendingTransactions() {
	d := w.data
	for {
		progress := false
		remaining := d.pendingTransactions[:0]
		for _, tx := range d.pendingTransactions {
			delta := d.computeTransactionDelta(tx)
			if delta == nil {
				remaining = append(remaining, tx)
				continue
			}
			d.transactions[tx.TxHash().String()] = tx
			w.publishTransaction(tx, delta)
			progress = true
		}
		d.pendingTransactions = remaining
		if !progress {
			return
		}
	}
}

func (w *Wallet) publishTransaction(tx *wire.MsgTx, delta *txDelta) {
	txid := tx.TxHash().String()
	var depth int32
	if height := w.data.heights[txid]; height > 0 {
		depth = w.data.chain.Height() - height + 1
	}
	w.events.Publish(types.TransactionReceived{
		Txid:      txid,
		Depth:     depth,
		Received:  delta.received,
		Sent:      delta.sent,
		Addresses: delta.ourAddrs,
		Fee:       delta.fee,
		FeeKnown:  delta.feeKnown,
		Stamp:     time.Now(),
	})
}

func (w *Wallet) handleMerkle(proof types.MerkleProof) {
	d := w.data

	header, ok := w.headerAt(proof.BlockHeight)
	if !ok {
		// Header not yet known: park the proof, fetch the enclosing
		// chunk and replay on arrival.
		d.pendingProofs[proof.Txid] = proof
		start := proof.BlockHeight - proof.BlockHeight%chain.RetargetWindow
		w.requestHeaders(start)
		return
	}

	if err := verifyProof(header, proof); err != nil {
		log.WithError(err).Warn("wallet: invalid merkle proof, disconnecting")
		w.forgetTransaction(proof.Txid)
		w.conn.Disconnect()
		return
	}

	d.proofs[proof.Txid] = proof
	w.persist()
	w.maybePublishReady()
}

func (w *Wallet) replayParkedProofs() {
	d := w.data
	for txid, proof := range d.pendingProofs {
		if _, ok := w.headerAt(proof.BlockHeight); !ok {
			continue
		}
		delete(d.pendingProofs, txid)
		w.handleMerkle(proof)
	}
}

func (w *Wallet) headerAt(height int32) (wire.BlockHeader, bool) {
	if hdr, ok := w.data.chain.HeaderAt(height); ok {
		return hdr, true
	}
	hdr, err := w.db.GetHeader(context.Background(), height)
	if err != nil || hdr == nil {
		return wire.BlockHeader{}, false
	}
	return *hdr, true
}

func (w *Wallet) forgetTransaction(txid string) {
	d := w.data
	delete(d.transactions, txid)
	delete(d.heights, txid)
	delete(d.proofs, txid)
	for scriptHash, items := range d.history {
		kept := items[:0]
		for _, item := range items {
			if item.Txid != txid {
				kept = append(kept, item)
			}
		}
		d.history[scriptHash] = kept
	}
}

func (w *Wallet) handleDisconnected() {
	d := w.data
	utils.LastDisconnect.Store(time.Now().UnixMilli())

	// Any script hash with an in-flight history query has a status we
	// never resolved; dropping it forces a clean re-query next time.
	for scriptHash := range d.pendingHistoryRequests {
		delete(d.status, scriptHash)
	}
	d.pendingHistoryRequests = make(map[string]struct{})
	d.pendingTransactionRequests = make(map[string]struct{})
	d.pendingHeadersRequests = make(map[headersRequest]struct{})
	d.pendingProofs = make(map[string]types.MerkleProof)
	d.lastReadyMessage = nil
	w.state = StateDisconnected
}

func (w *Wallet) subscribeAll() {
	for _, scriptHash := range w.data.ring.AllScriptHashes() {
		if err := w.conn.SubscribeScriptHash(scriptHash); err != nil {
			log.WithError(err).Warn("wallet: subscription failed")
			return
		}
	}
}

func (w *Wallet) requestHeaders(start int32) {
	req := headersRequest{start, chain.RetargetWindow}
	if _, pending := w.data.pendingHeadersRequests[req]; pending {
		return
	}
	w.data.pendingHeadersRequests[req] = struct{}{}
	if err := w.conn.GetHeaders(start, chain.RetargetWindow); err != nil {
		log.WithError(err).Warn("wallet: headers request failed")
	}
}

func (w *Wallet) persist() {
	if err := w.db.Persist(context.Background(), w.data.toPersistentData()); err != nil {
		log.WithError(err).Error("wallet: persistence failed")
	}
}

// maybePublishReady persists and emits a WalletReady whenever the
// ready predicate holds and the material fields changed since the
// last one sent. Persistence always precedes the event.
func (w *Wallet) maybePublishReady() {
	if w.state != StateRunning || !w.data.isReady(w.cfg.SwipeRange) {
		return
	}

	balance := w.data.balance()
	empty := 0
	for _, status := range w.data.status {
		if status == "" {
			empty++
		}
	}
	msg := types.WalletReady{
		Confirmed:    balance.Confirmed,
		Unconfirmed:  balance.Unconfirmed,
		Height:       w.data.chain.Height(),
		Timestamp:    time.Now().UnixMilli(),
		ExcessStatus: empty,
	}

	last := w.data.lastReadyMessage
	if last != nil && last.Confirmed == msg.Confirmed &&
		last.Unconfirmed == msg.Unconfirmed && last.Height == msg.Height {
		return
	}

	w.persist()
	w.data.lastReadyMessage = &msg
	w.events.Publish(msg)
}

// --- synchronous API, serialized through the mailbox ---

func (w *Wallet) call(fn func()) {
	c := apiCall{run: fn, done: make(chan struct{})}
	select {
	case <-w.quit:
		return
	case w.mailbox <- c:
	}
	select {
	case <-w.quit:
	case <-c.done:
	}
}

func (w *Wallet) State() State {
	var state State
	w.call(func() { state = w.state })
	return state
}

func (w *Wallet) Balance() types.Balance {
	var balance types.Balance
	w.call(func() { balance = w.data.balance() })
	return balance
}

func (w *Wallet) Utxos() []types.Utxo {
	var utxos []types.Utxo
	w.call(func() { utxos = w.data.utxos() })
	return utxos
}

// NewAddress returns the first account address the server has never
// seen used.
func (w *Wallet) NewAddress() (string, error) {
	var addr string
	var ok bool
	w.call(func() { addr, ok = w.data.firstUnusedAddress() })
	if !ok {
		return "", errors.New("no unused address available")
	}
	return addr, nil
}

func (w *Wallet) ExportXpub() (string, error) {
	var xpub string
	var err error
	w.call(func() { xpub, err = w.data.ring.ExportXpub() })
	return xpub, err
}

// CompleteTransaction funds and signs a payment to the given outputs.
func (w *Wallet) CompleteTransaction(
	outputs []*wire.TxOut, feeRatePerKw int64,
) (*wire.MsgTx, btcutil.Amount, error) {
	var built *builtTx
	var err error
	w.call(func() {
		if feeRatePerKw == 0 {
			feeRatePerKw = w.feeRatePerKw
		}
		built, err = w.data.completeTransaction(
			outputs, feeRatePerKw, w.cfg.DustLimit, w.cfg.AllowSpendUnconfirmed,
		)
	})
	if err != nil {
		return nil, 0, err
	}
	return built.tx, built.fee, nil
}

// SpendAll drains the whole wallet to a single script.
func (w *Wallet) SpendAll(
	pkScript []byte, feeRatePerKw int64,
) (*wire.MsgTx, btcutil.Amount, error) {
	var built *builtTx
	var err error
	w.call(func() {
		if feeRatePerKw == 0 {
			feeRatePerKw = w.feeRatePerKw
		}
		built, err = w.data.spendAll(pkScript, feeRatePerKw, w.cfg.DustLimit)
	})
	if err != nil {
		return nil, 0, err
	}
	return built.tx, built.fee, nil
}

// BroadcastTransaction commits the transaction to the wallet
// optimistically, persists, and hands it to the server.
func (w *Wallet) BroadcastTransaction(tx *wire.MsgTx) error {
	var err error
	w.call(func() {
		w.data.commitTransaction(tx)
		w.persist()
		err = w.conn.BroadcastTransaction(serializeTx(tx))
	})
	return err
}

func (w *Wallet) IsDoubleSpent(tx *wire.MsgTx) bool {
	var spent bool
	w.call(func() { spent = w.data.isDoubleSpent(tx) })
	return spent
}

func (w *Wallet) LockOutpoint(op types.Outpoint) {
	w.call(func() { w.data.lockedOutpoints[op] = struct{}{} })
}

func (w *Wallet) UnlockOutpoint(op types.Outpoint) {
	w.call(func() { delete(w.data.lockedOutpoints, op) })
}
