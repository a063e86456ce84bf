package payment

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/tlv"
)

// Tag discriminates what an HTLC stream is for: a payment terminating
// here or one we relay further over trampoline.
type Tag int

const (
	TagLocal Tag = iota
	TagTrampoline
)

func (t Tag) String() string {
	return map[Tag]string{
		TagLocal:      "LOCAL",
		TagTrampoline: "TRAMPOLINE",
	}[t]
}

// FullPaymentTag is the fingerprint of one HTLC stream. The payment
// secret keeps concurrent payments sharing a payment hash apart; all
// parts of one logical payment carry the same tag.
type FullPaymentTag struct {
	PaymentHash   lntypes.Hash
	PaymentSecret [32]byte
	Tag           Tag
}

func (t FullPaymentTag) String() string {
	return fmt.Sprintf("%s/%s", t.PaymentHash, t.Tag)
}

// paymentTagRecordType is the custom-range TLV type carrying the
// encrypted payment secret in our HTLC extension stream.
const paymentTagRecordType tlv.Type = 4127926135

// EncodePaymentTagStream serializes the encrypted secret as the
// single-record extension stream attached to an HTLC.
func EncodePaymentTagStream(encryptedSecret []byte) ([]byte, error) {
	record := tlv.MakePrimitiveRecord(paymentTagRecordType, &encryptedSecret)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePaymentTagStream parses the extension stream and returns the
// encrypted secret, or nil when the stream is empty or the record is
// absent: an HTLC without a tag is a legal, untagged one.
func DecodePaymentTagStream(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var encryptedSecret []byte
	record := tlv.MakePrimitiveRecord(paymentTagRecordType, &encryptedSecret)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, err
	}
	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(blob))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if _, ok := parsed[paymentTagRecordType]; !ok {
		return nil, nil
	}
	return encryptedSecret, nil
}
