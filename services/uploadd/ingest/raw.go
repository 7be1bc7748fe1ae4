package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"bundlegw/ans104"
	"bundlegw/x402"
)

// maxRawBytes bounds the raw-blob endpoint, which buffers the payload to wrap
// and sign it. Larger uploads must arrive as signed envelopes.
const maxRawBytes = 100 << 20

// DefaultRawPaymentMode is the settle mode for service-wrapped uploads: the
// payment is consumed exactly, nothing is credited back.
const DefaultRawPaymentMode = "exact-only"

// Metadata tags stamped on every service-signed raw wrapper, tying the
// envelope to the payment that funded it.
const (
	tagPaymentTxHash  = "Payment-Tx-Hash"
	tagPaymentID      = "Payment-Id"
	tagPaymentNetwork = "Payment-Network"
	tagPaymentPayer   = "Payment-Payer"
)

// RawSigner wraps unsigned payloads in service-signed envelopes.
type RawSigner struct {
	signer  ans104.ItemSigner
	appName string
}

// NewRawSigner wires the bundler key used to sign raw uploads.
func NewRawSigner(signer ans104.ItemSigner, appName string) *RawSigner {
	return &RawSigner{signer: signer, appName: appName}
}

// SubmitRaw settles the uploader's payment, wraps the unsigned payload in a
// service-signed envelope stamped with the settlement metadata, and runs the
// result through the normal acceptance path. Raw uploads always require an
// X-PAYMENT header: the service key signs the wrapper, so the free allowance
// would otherwise accrue to the service itself.
func (e *Engine) SubmitRaw(ctx context.Context, raw *RawSigner, r io.Reader, contentLength int64, contentType string, opts SubmitOptions) (*Receipt, error) {
	if contentLength <= 0 {
		return nil, ErrContentLengthRequired
	}
	if contentLength > maxRawBytes {
		return nil, ErrTooLarge
	}
	if opts.PaymentHeader == "" {
		return nil, &PaymentRequiredError{}
	}
	decoded, err := x402.DecodePaymentHeader(opts.PaymentHeader)
	if err != nil {
		return nil, err
	}

	payload, err := io.ReadAll(io.LimitReader(r, contentLength+1))
	if err != nil {
		return nil, fmt.Errorf("read raw payload: %w", err)
	}
	if int64(len(payload)) != contentLength {
		return nil, fmt.Errorf("%w: body does not match declared length", ans104.ErrMalformed)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	mode := opts.Mode
	if mode == "" {
		mode = e.rawMode
	}
	payer := decoded.Payload.Authorization.From
	outcome, err := e.pay.ForwardPayment(ctx, "ethereum", payer, opts.PaymentHeader, contentLength, "", mode)
	if err != nil {
		return nil, err
	}

	tags := []ans104.Tag{
		{Name: ans104.TagContentType, Value: contentType},
		{Name: ans104.TagAppName, Value: raw.appName},
		{Name: tagPaymentTxHash, Value: outcome.Transaction},
		{Name: tagPaymentID, Value: outcome.PaymentID},
		{Name: tagPaymentNetwork, Value: decoded.Network},
		{Name: tagPaymentPayer, Value: outcome.Payer},
	}
	item, err := raw.signer.SignItem(nil, nil, tags, payload)
	if err != nil {
		return nil, fmt.Errorf("sign raw envelope: %w", err)
	}

	// The wrapper runs through the normal path with the charge already
	// settled; admit must not bill it a second time.
	sub := SubmitOptions{prepaid: &prepaidCharge{winc: outcome.Winc, response: outcome.ResponseHeader}}
	return e.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), sub)
}
