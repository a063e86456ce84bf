package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/lumenwallet/go-sdk/internal/utils"
	"github.com/lumenwallet/go-sdk/types"
)

const (
	clientName      = "lumenwallet"
	protocolVersion = "1.4"

	handshakeTimeout = 10 * time.Second
)

// Conn is the narrow transport port the wallet state machine drives.
// Every method only enqueues a request; replies and notifications are
// delivered to the message sink.
type Conn interface {
	SubscribeHeaders() error
	GetHeaders(startHeight int32, count int) error
	SubscribeScriptHash(scriptHash string) error
	GetScriptHashHistory(scriptHash string) error
	GetTransaction(txid string) error
	GetMerkle(txid string, height int32) error
	BroadcastTransaction(rawTx string) error
	EstimateFee(target int) error
	Disconnect()
}

// Client is a single-connection Electrum JSON-RPC client over
// websocket. Connection pooling and failover live outside the core;
// the wallet only ever sees one live Conn at a time.
type Client struct {
	baseUrl string
	sink    chan<- any

	conn   *websocket.Conn
	connMu *sync.RWMutex

	requestID uint64
	requestMu *sync.Mutex

	pending   map[uint64]request
	pendingMu *sync.Mutex

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

type request struct {
	method     string
	scriptHash string
	txid       string
	start      int32
	count      int
	target     int
}

var _ Conn = (*Client)(nil)

// NewClient validates the endpoint and prepares a client delivering
// all incoming messages to sink.
func NewClient(baseUrl string, sink chan<- any) (*Client, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %s", err)
	}
	switch u.Scheme {
	case "ssl", "wss", "ws":
	default:
		return nil, fmt.Errorf("unsupported scheme %s, expected ssl://, wss:// or ws://", u.Scheme)
	}

	return &Client{
		baseUrl:   baseUrl,
		sink:      sink,
		connMu:    &sync.RWMutex{},
		requestMu: &sync.Mutex{},
		pending:   make(map[uint64]request),
		pendingMu: &sync.Mutex{},
	}, nil
}

// Connect dials the server, starts the read loop and runs the
// server.version handshake. A ServerReady message follows on success.
func (c *Client) Connect(ctx context.Context) error {
	c.stopCtx, c.stopCancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		return err
	}

	go c.listenLoop()

	return c.send("server.version", request{method: "server.version"},
		clientName, protocolVersion)
}

func (c *Client) dial() error {
	u, _ := url.Parse(c.baseUrl)
	if u.Scheme == "ssl" {
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(c.stopCtx, u.String(), nil)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Disconnect tears the connection down. The read loop emits the final
// Disconnected message, unless the sink is full at that point.
func (c *Client) Disconnect() {
	if c.stopCancel != nil {
		c.stopCancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) SubscribeHeaders() error {
	return c.send("blockchain.headers.subscribe",
		request{method: "blockchain.headers.subscribe"})
}

func (c *Client) GetHeaders(startHeight int32, count int) error {
	return c.send("blockchain.block.headers",
		request{method: "blockchain.block.headers", start: startHeight, count: count},
		startHeight, count)
}

func (c *Client) SubscribeScriptHash(scriptHash string) error {
	return c.send("blockchain.scripthash.subscribe",
		request{method: "blockchain.scripthash.subscribe", scriptHash: scriptHash},
		scriptHash)
}

func (c *Client) GetScriptHashHistory(scriptHash string) error {
	return c.send("blockchain.scripthash.get_history",
		request{method: "blockchain.scripthash.get_history", scriptHash: scriptHash},
		scriptHash)
}

func (c *Client) GetTransaction(txid string) error {
	return c.send("blockchain.transaction.get",
		request{method: "blockchain.transaction.get", txid: txid}, txid)
}

func (c *Client) GetMerkle(txid string, height int32) error {
	return c.send("blockchain.transaction.get_merkle",
		request{method: "blockchain.transaction.get_merkle", txid: txid, start: height},
		txid, height)
}

func (c *Client) BroadcastTransaction(rawTx string) error {
	return c.send("blockchain.transaction.broadcast",
		request{method: "blockchain.transaction.broadcast"}, rawTx)
}

func (c *Client) EstimateFee(target int) error {
	return c.send("blockchain.estimatefee",
		request{method: "blockchain.estimatefee", target: target}, target)
}

func (c *Client) send(method string, req request, params ...any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	id := c.nextRequestID()
	c.pendingMu.Lock()
	c.pending[id] = req
	c.pendingMu.Unlock()

	if params == nil {
		params = []any{}
	}
	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := conn.WriteJSON(body); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

func (c *Client) nextRequestID() uint64 {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	c.requestID++
	return c.requestID
}

type rpcEnvelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c *Client) listenLoop() {
	for {
		select {
		case <-c.stopCtx.Done():
			c.emit(Disconnected{})
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			c.emit(Disconnected{})
			return
		}

		var env rpcEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			log.WithError(err).Warn("electrum: read error")
			c.dropPending()
			c.emit(Disconnected{})

			retry, delay := utils.ShouldReconnect(err)
			if !retry || !c.redial(delay) {
				return
			}
			continue
		}

		if env.Method != "" && env.ID == nil {
			c.handleNotification(env)
			continue
		}
		if env.ID != nil {
			c.handleResponse(env)
		}
	}
}

// redial retries the connection with backoff until it lands or the
// client is stopped, then replays the version handshake so the wallet
// sees a fresh ServerReady.
func (c *Client) redial(delay time.Duration) bool {
	for {
		select {
		case <-c.stopCtx.Done():
			return false
		case <-time.After(delay):
		}

		if err := c.dial(); err != nil {
			log.WithError(err).Debug("electrum: redial failed")
			delay = utils.NextDelay(delay)
			continue
		}
		err := c.send("server.version", request{method: "server.version"},
			clientName, protocolVersion)
		if err != nil {
			delay = utils.NextDelay(delay)
			continue
		}
		return true
	}
}

// dropPending voids every outstanding request; the wallet re-issues
// what it still needs after the disconnect.
func (c *Client) dropPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = make(map[uint64]request)
}

func (c *Client) handleNotification(env rpcEnvelope) {
	switch env.Method {
	case "blockchain.headers.subscribe":
		var params []tipPayload
		if err := json.Unmarshal(env.Params, &params); err != nil || len(params) == 0 {
			log.WithError(err).Warn("electrum: bad tip notification")
			return
		}
		c.emitTip(params[0])

	case "blockchain.scripthash.subscribe":
		var params []*string
		if err := json.Unmarshal(env.Params, &params); err != nil || len(params) < 2 {
			log.WithError(err).Warn("electrum: bad status notification")
			return
		}
		scriptHash, status := "", ""
		if params[0] != nil {
			scriptHash = *params[0]
		}
		if params[1] != nil {
			status = *params[1]
		}
		c.emit(ScriptHashStatus{ScriptHash: scriptHash, Status: status})
	}
}

func (c *Client) handleResponse(env rpcEnvelope) {
	c.pendingMu.Lock()
	req, ok := c.pending[*env.ID]
	delete(c.pending, *env.ID)
	c.pendingMu.Unlock()
	if !ok {
		log.WithField("id", *env.ID).Debug("electrum: response for unknown request")
		return
	}

	if env.Error != nil {
		if req.method == "blockchain.transaction.broadcast" {
			c.emit(BroadcastResponse{Err: fmt.Errorf("electrum error: %s", env.Error)})
			return
		}
		log.WithFields(log.Fields{
			"method": req.method,
			"error":  string(env.Error),
		}).Warn("electrum: request failed")
		return
	}

	switch req.method {
	case "server.version":
		c.emit(ServerReady{})

	case "blockchain.headers.subscribe":
		var tip tipPayload
		if err := json.Unmarshal(env.Result, &tip); err != nil {
			log.WithError(err).Warn("electrum: bad tip response")
			return
		}
		c.emitTip(tip)

	case "blockchain.block.headers":
		var payload struct {
			Count int    `json:"count"`
			Hex   string `json:"hex"`
			Max   int    `json:"max"`
		}
		if err := json.Unmarshal(env.Result, &payload); err != nil {
			log.WithError(err).Warn("electrum: bad headers response")
			return
		}
		headers, err := parseHeaders(payload.Hex)
		if err != nil {
			log.WithError(err).Warn("electrum: undecodable headers")
			return
		}
		c.emit(HeadersResponse{StartHeight: req.start, Headers: headers, Max: payload.Max})

	case "blockchain.scripthash.subscribe":
		var status *string
		if err := json.Unmarshal(env.Result, &status); err != nil {
			log.WithError(err).Warn("electrum: bad status response")
			return
		}
		resolved := ""
		if status != nil {
			resolved = *status
		}
		c.emit(ScriptHashStatus{ScriptHash: req.scriptHash, Status: resolved})

	case "blockchain.scripthash.get_history":
		var payload []struct {
			Height int64  `json:"height"`
			TxHash string `json:"tx_hash"`
		}
		if err := json.Unmarshal(env.Result, &payload); err != nil {
			log.WithError(err).Warn("electrum: bad history response")
			return
		}
		items := make([]types.TxHistoryItem, 0, len(payload))
		for _, item := range payload {
			height, err := safecast.ToInt32(item.Height)
			if err != nil {
				log.WithError(err).Warn("electrum: history height out of range")
				return
			}
			items = append(items, types.TxHistoryItem{Txid: item.TxHash, Height: height})
		}
		c.emit(HistoryResponse{ScriptHash: req.scriptHash, Items: items})

	case "blockchain.transaction.get":
		var rawHex string
		if err := json.Unmarshal(env.Result, &rawHex); err != nil {
			log.WithError(err).Warn("electrum: bad transaction response")
			return
		}
		raw, err := hex.DecodeString(rawHex)
		if err != nil {
			log.WithError(err).Warn("electrum: undecodable transaction")
			return
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			log.WithError(err).Warn("electrum: undecodable transaction")
			return
		}
		c.emit(TransactionResponse{Tx: tx})

	case "blockchain.transaction.get_merkle":
		var payload struct {
			BlockHeight int64    `json:"block_height"`
			Merkle      []string `json:"merkle"`
			Pos         uint32   `json:"pos"`
		}
		if err := json.Unmarshal(env.Result, &payload); err != nil {
			log.WithError(err).Warn("electrum: bad merkle response")
			return
		}
		height, err := safecast.ToInt32(payload.BlockHeight)
		if err != nil {
			log.WithError(err).Warn("electrum: merkle height out of range")
			return
		}
		c.emit(MerkleResponse{Proof: types.MerkleProof{
			Txid:        req.txid,
			BlockHeight: height,
			Pos:         payload.Pos,
			Merkle:      payload.Merkle,
		}})

	case "blockchain.transaction.broadcast":
		var txid string
		if err := json.Unmarshal(env.Result, &txid); err != nil {
			c.emit(BroadcastResponse{Err: fmt.Errorf("bad broadcast response: %w", err)})
			return
		}
		c.emit(BroadcastResponse{Txid: txid})

	case "blockchain.estimatefee":
		var btcPerKB float64
		if err := json.Unmarshal(env.Result, &btcPerKB); err != nil {
			log.WithError(err).Warn("electrum: bad fee response")
			return
		}
		c.emit(FeeEstimate{Target: req.target, FeeRatePerKw: feeRatePerKw(btcPerKB)})
	}
}

type tipPayload struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

func (c *Client) emitTip(tip tipPayload) {
	height, err := safecast.ToInt32(tip.Height)
	if err != nil {
		log.WithError(err).Warn("electrum: tip height out of range")
		return
	}
	headers, err := parseHeaders(tip.Hex)
	if err != nil || len(headers) != 1 {
		log.WithError(err).Warn("electrum: undecodable tip header")
		return
	}
	c.emit(TipNotification{Height: height, Header: headers[0]})
}

func (c *Client) emit(msg any) {
	// Disconnected usually follows a cancelled stopCtx, so it is offered
	// to the sink first instead of racing the Done case below.
	if _, final := msg.(Disconnected); final {
		select {
		case c.sink <- msg:
			return
		default:
		}
	}
	select {
	case <-c.stopCtx.Done():
	case c.sink <- msg:
	}
}

// parseHeaders splits a hex blob of concatenated 80-byte headers.
func parseHeaders(blob string) ([]wire.BlockHeader, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return nil, err
	}
	if len(raw)%wire.MaxBlockHeaderPayload != 0 {
		return nil, fmt.Errorf("header blob of %d bytes is not a multiple of %d",
			len(raw), wire.MaxBlockHeaderPayload)
	}

	headers := make([]wire.BlockHeader, 0, len(raw)/wire.MaxBlockHeaderPayload)
	reader := bytes.NewReader(raw)
	for reader.Len() > 0 {
		var hdr wire.BlockHeader
		if err := hdr.Deserialize(reader); err != nil {
			return nil, err
		}
		headers = append(headers, hdr)
	}
	return headers, nil
}

// feeRatePerKw converts the server's BTC/kB estimate to sat/kw. One
// virtual byte is four weight units.
func feeRatePerKw(btcPerKB float64) int64 {
	satPerKvB := btcPerKB * 1e8
	return int64(satPerKvB / 4)
}
