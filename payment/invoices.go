package payment

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/lumenwallet/go-sdk/types"
)

// InvoiceFromBolt11 parses a payment request into our local invoice
// record. Parsing proper is the decoder library's business; we only
// lift out what the receiver needs.
func InvoiceFromBolt11(bolt11 string) (types.Invoice, error) {
	decoded, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return types.Invoice{}, fmt.Errorf("undecodable payment request: %w", err)
	}

	hash, err := lntypes.MakeHashFromStr(decoded.PaymentHash)
	if err != nil {
		return types.Invoice{}, fmt.Errorf("bad payment hash in request: %w", err)
	}

	return types.Invoice{
		Bolt11:      bolt11,
		PaymentHash: hash,
		AmountMsat:  lnwire.MilliSatoshi(decoded.MSatoshi),
		Description: decoded.Description,
		Status:      types.InvoicePending,
		CreatedAt:   time.Unix(int64(decoded.CreatedAt), 0),
	}, nil
}
