package payment

import (
	"sync"

	"github.com/lumenwallet/go-sdk/types"
)

type DispatcherConfig struct {
	Receiver ReceiverConfig
	Relayer  RelayerConfig
}

// Dispatcher owns the payment state machines: one per live stream
// fingerprint, created on the first matching HTLC (or on leftover
// outgoing parts after a restart) and dropped once they shut down.
type Dispatcher struct {
	cfg    DispatcherConfig
	bag    types.PaymentBag
	memo   *PreimageMemo
	bus    ChannelBus
	sender OutgoingSender

	mu        sync.Mutex
	receivers map[FullPaymentTag]*IncomingReceiver
	relayers  map[FullPaymentTag]*TrampolineRelayer
}

func NewDispatcher(
	cfg DispatcherConfig, bag types.PaymentBag, bus ChannelBus, sender OutgoingSender,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		bag:       bag,
		memo:      NewPreimageMemo(bag),
		bus:       bus,
		sender:    sender,
		receivers: make(map[FullPaymentTag]*IncomingReceiver),
		relayers:  make(map[FullPaymentTag]*TrampolineRelayer),
	}
}

// OnSnapshot spawns whatever state machines the snapshot calls for
// and then fans it out to every live one, so machines whose stream
// vanished get to finalize and shut down.
func (d *Dispatcher) OnSnapshot(snap InFlightPayments) {
	d.mu.Lock()
	for tag := range snap.In {
		d.spawnLocked(tag)
	}
	// Leftover outgoing parts with no incoming side still need their
	// relayer for restart reconciliation.
	for tag := range snap.Out {
		if tag.Tag == TagTrampoline {
			d.spawnLocked(tag)
		}
	}

	targets := make([]interface{ Deliver(any) }, 0, len(d.receivers)+len(d.relayers))
	for _, r := range d.receivers {
		targets = append(targets, r)
	}
	for _, r := range d.relayers {
		targets = append(targets, r)
	}
	d.mu.Unlock()

	for _, t := range targets {
		t.Deliver(snap)
	}
}

// OnSenderEvent routes outgoing sender callbacks to their relayer.
func (d *Dispatcher) OnSenderEvent(ev any) {
	var tag FullPaymentTag
	switch m := ev.(type) {
	case OutgoingPreimageRevealed:
		tag = m.Tag
	case OutgoingFailed:
		tag = m.Tag
	default:
		return
	}

	d.mu.Lock()
	relayer, ok := d.relayers[tag]
	d.mu.Unlock()
	if ok {
		relayer.Deliver(ev)
	}
}

func (d *Dispatcher) spawnLocked(tag FullPaymentTag) {
	switch tag.Tag {
	case TagLocal:
		if _, ok := d.receivers[tag]; !ok {
			d.receivers[tag] = NewIncomingReceiver(
				tag, d.cfg.Receiver, d.bag, d.memo, d.bus, d.dropReceiver,
			)
		}
	case TagTrampoline:
		if _, ok := d.relayers[tag]; !ok {
			d.relayers[tag] = NewTrampolineRelayer(
				tag, d.cfg.Relayer, d.bag, d.memo, d.bus, d.sender, d.dropRelayer,
			)
		}
	}
}

func (d *Dispatcher) dropReceiver(tag FullPaymentTag) {
	d.mu.Lock()
	delete(d.receivers, tag)
	d.mu.Unlock()
}

func (d *Dispatcher) dropRelayer(tag FullPaymentTag) {
	d.mu.Lock()
	delete(d.relayers, tag)
	d.mu.Unlock()
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	receivers := make([]*IncomingReceiver, 0, len(d.receivers))
	for _, r := range d.receivers {
		receivers = append(receivers, r)
	}
	relayers := make([]*TrampolineRelayer, 0, len(d.relayers))
	for _, r := range d.relayers {
		relayers = append(relayers, r)
	}
	d.mu.Unlock()

	for _, r := range receivers {
		r.Stop()
	}
	for _, r := range relayers {
		r.Stop()
	}
}
