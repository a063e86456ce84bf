package lumensdk

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/lumenwallet/go-sdk/electrum"
	"github.com/lumenwallet/go-sdk/payment"
	"github.com/lumenwallet/go-sdk/wallet"

	"github.com/lumenwallet/go-sdk/types"
)

var Version string

// WalletClient is the non-custodial wallet core: the Electrum SPV
// wallet on one side, the incoming Lightning payment machinery on the
// other. The Lightning channel layer and the outgoing sender plug in
// through the payment ports.
type WalletClient interface {
	GetVersion() string
	GetConfigData(ctx context.Context) (*types.Config, error)
	Init(ctx context.Context, args InitArgs) error

	Balance(ctx context.Context) (types.Balance, error)
	Receive(ctx context.Context) (string, error)
	ExportXpub(ctx context.Context) (string, error)
	ListUtxos(ctx context.Context) ([]types.Utxo, error)
	Send(ctx context.Context, address string, amount btcutil.Amount) (string, error)
	SendAll(ctx context.Context, address string) (string, error)
	GetWalletEventChannel(ctx context.Context) (<-chan types.WalletEvent, error)

	AddInvoice(ctx context.Context, bolt11 string, preimage [32]byte) error
	OnPaymentSnapshot(snap payment.InFlightPayments)
	OnSenderEvent(ev any)

	Stop()
}

type walletClient struct {
	store  types.Store
	bus    payment.ChannelBus
	sender payment.OutgoingSender

	cfg        *types.Config
	sink       chan any
	client     *electrum.Client
	wallet     *wallet.Wallet
	dispatcher *payment.Dispatcher

	pumpQuit chan struct{}
}

// NewWalletClient wires the core around its external collaborators:
// the storage bags, the channel layer and the outgoing sender.
func NewWalletClient(
	store types.Store, bus payment.ChannelBus, sender payment.OutgoingSender,
) (WalletClient, error) {
	if store == nil {
		return nil, fmt.Errorf("missing store")
	}
	return &walletClient{store: store, bus: bus, sender: sender}, nil
}

func (c *walletClient) GetVersion() string {
	return Version
}

func (c *walletClient) GetConfigData(ctx context.Context) (*types.Config, error) {
	if c.cfg == nil {
		return nil, fmt.Errorf("client not initialized")
	}
	return c.cfg, nil
}

// InitArgs is everything a fresh or restored wallet needs to run.
type InitArgs struct {
	Seed      []byte
	Network   string
	ServerURL string

	SwipeRange            int
	DustLimit             btcutil.Amount
	FeeRatePerKw          int64
	AllowSpendUnconfirmed bool

	CltvRejectThreshold uint32
	TrampolineCltvDelta uint32
	TrampolineBase      uint64
	TrampolinePpm       uint64
	TrampolineExponent  float64
	TrampolineLogExp    float64
	TrampolineMin       uint64
}

func (a InitArgs) validate() error {
	if len(a.Seed) == 0 {
		return fmt.Errorf("missing seed")
	}
	if a.ServerURL == "" {
		return fmt.Errorf("missing server url")
	}
	if _, err := networkParams(a.Network); err != nil {
		return err
	}
	return nil
}

func (a InitArgs) toConfig() types.Config {
	cfg := types.Config{
		Network:               a.Network,
		ServerURL:             a.ServerURL,
		SwipeRange:            a.SwipeRange,
		DustLimit:             a.DustLimit,
		FeeRatePerKw:          a.FeeRatePerKw,
		AllowSpendUnconfirmed: a.AllowSpendUnconfirmed,
		CltvRejectThreshold:   a.CltvRejectThreshold,
		TrampolineCltvDelta:   a.TrampolineCltvDelta,
		TrampolineBaseMsat:    lnwireMsat(a.TrampolineBase),
		TrampolinePpm:         a.TrampolinePpm,
		TrampolineExponent:    a.TrampolineExponent,
		TrampolineLogExp:      a.TrampolineLogExp,
		TrampolineMinForward:  lnwireMsat(a.TrampolineMin),
	}
	applyConfigDefaults(&cfg)
	return cfg
}

func (c *walletClient) Init(ctx context.Context, args InitArgs) error {
	if err := args.validate(); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}

	cfg := args.toConfig()
	if err := c.store.ConfigStore().AddData(ctx, cfg); err != nil {
		return err
	}
	c.cfg = &cfg

	params, _ := networkParams(cfg.Network)

	c.sink = make(chan any, 100)
	client, err := electrum.NewClient(cfg.ServerURL, c.sink)
	if err != nil {
		return err
	}
	c.client = client

	w, err := wallet.New(ctx, args.Seed, wallet.Config{
		Params:                params,
		SwipeRange:            cfg.SwipeRange,
		DustLimit:             cfg.DustLimit,
		FeeRatePerKw:          cfg.FeeRatePerKw,
		AllowSpendUnconfirmed: cfg.AllowSpendUnconfirmed,
	}, client, c.store.WalletDb())
	if err != nil {
		return err
	}
	c.wallet = w

	c.dispatcher = payment.NewDispatcher(payment.DispatcherConfig{
		Receiver: payment.ReceiverConfig{
			CltvRejectThreshold: cfg.CltvRejectThreshold,
			PartTimeout:         defaultPartTimeout,
		},
		Relayer: payment.RelayerConfig{
			Schedule: payment.FeeSchedule{
				BaseMsat:    cfg.TrampolineBaseMsat,
				Ppm:         cfg.TrampolinePpm,
				Exponent:    cfg.TrampolineExponent,
				LogExponent: cfg.TrampolineLogExp,
			},
			CltvDelta:   cfg.TrampolineCltvDelta,
			MinForward:  cfg.TrampolineMinForward,
			PartTimeout: defaultPartTimeout,
		},
	}, c.store.PaymentBag(), c.bus, c.sender)

	// The pump is the only reader of the transport sink; everything it
	// sees becomes a wallet mailbox message.
	c.pumpQuit = make(chan struct{})
	go c.pump()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.ServerURL, err)
	}
	return nil
}

func (c *walletClient) pump() {
	for {
		select {
		case <-c.pumpQuit:
			return
		case msg, ok := <-c.sink:
			if !ok {
				return
			}
			c.wallet.Deliver(msg)
		}
	}
}

func (c *walletClient) Balance(ctx context.Context) (types.Balance, error) {
	if c.wallet == nil {
		return types.Balance{}, fmt.Errorf("client not initialized")
	}
	return c.wallet.Balance(), nil
}

func (c *walletClient) Receive(ctx context.Context) (string, error) {
	if c.wallet == nil {
		return "", fmt.Errorf("client not initialized")
	}
	return c.wallet.NewAddress()
}

func (c *walletClient) ExportXpub(ctx context.Context) (string, error) {
	if c.wallet == nil {
		return "", fmt.Errorf("client not initialized")
	}
	return c.wallet.ExportXpub()
}

func (c *walletClient) ListUtxos(ctx context.Context) ([]types.Utxo, error) {
	if c.wallet == nil {
		return nil, fmt.Errorf("client not initialized")
	}
	return c.wallet.Utxos(), nil
}

func (c *walletClient) Send(
	ctx context.Context, address string, amount btcutil.Amount,
) (string, error) {
	if c.wallet == nil {
		return "", fmt.Errorf("client not initialized")
	}
	pkScript, err := c.addressScript(address)
	if err != nil {
		return "", err
	}

	tx, fee, err := c.wallet.CompleteTransaction(
		[]*wire.TxOut{{Value: int64(amount), PkScript: pkScript}}, 0,
	)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"txid": tx.TxHash().String(),
		"fee":  fee,
	}).Debug("sdk: sending transaction")

	if err := c.wallet.BroadcastTransaction(tx); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (c *walletClient) SendAll(ctx context.Context, address string) (string, error) {
	if c.wallet == nil {
		return "", fmt.Errorf("client not initialized")
	}
	pkScript, err := c.addressScript(address)
	if err != nil {
		return "", err
	}

	tx, _, err := c.wallet.SpendAll(pkScript, 0)
	if err != nil {
		return "", err
	}
	if err := c.wallet.BroadcastTransaction(tx); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (c *walletClient) GetWalletEventChannel(
	ctx context.Context,
) (<-chan types.WalletEvent, error) {
	if c.wallet == nil {
		return nil, fmt.Errorf("client not initialized")
	}
	return c.wallet.Events(), nil
}

// AddInvoice registers a locally issued payment request together with
// its preimage so incoming parts can settle against it.
func (c *walletClient) AddInvoice(
	ctx context.Context, bolt11 string, preimage [32]byte,
) error {
	invoice, err := payment.InvoiceFromBolt11(bolt11)
	if err != nil {
		return err
	}
	bag := c.store.PaymentBag()
	if err := bag.AddInvoice(ctx, invoice); err != nil {
		return err
	}
	return bag.SetPreimage(ctx, invoice.PaymentHash, preimage)
}

func (c *walletClient) OnPaymentSnapshot(snap payment.InFlightPayments) {
	if c.dispatcher != nil {
		c.dispatcher.OnSnapshot(snap)
	}
}

func (c *walletClient) OnSenderEvent(ev any) {
	if c.dispatcher != nil {
		c.dispatcher.OnSenderEvent(ev)
	}
}

func (c *walletClient) Stop() {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.pumpQuit != nil {
		close(c.pumpQuit)
	}
	if c.dispatcher != nil {
		c.dispatcher.Stop()
	}
	if c.wallet != nil {
		c.wallet.Stop()
	}
	c.store.Close()
}

func (c *walletClient) addressScript(address string) ([]byte, error) {
	params, err := networkParams(c.cfg.Network)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for network %s", address, c.cfg.Network)
	}
	return txscript.PayToAddrScript(addr)
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin", "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %s", network)
	}
}
