package x402

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProofKind identifies which settlement path a payload takes.
type ProofKind int

const (
	ProofUnknown ProofKind = iota
	// ProofDirect carries the signature of a transaction the client already submitted.
	ProofDirect
	// ProofDelegated carries an unsigned transaction for the fee payer to co-sign and submit.
	ProofDelegated
)

func (k ProofKind) String() string {
	switch k {
	case ProofDirect:
		return "direct"
	case ProofDelegated:
		return "delegated"
	default:
		return "unknown"
	}
}

// Proof is the payload variant of a PaymentPayload. Exactly one of the two
// variants is set; the choice is made once when the payload is decoded.
type Proof struct {
	kind  ProofKind
	value string
}

// DirectProof returns a proof referencing an already submitted transaction.
func DirectProof(signature string) Proof {
	return Proof{kind: ProofDirect, value: signature}
}

// DelegatedProof returns a proof carrying a serialized, partially signed transaction.
func DelegatedProof(unsignedTransaction string) Proof {
	return Proof{kind: ProofDelegated, value: unsignedTransaction}
}

// Kind returns the proof variant.
func (p Proof) Kind() ProofKind { return p.kind }

// Signature returns the transaction signature of a direct proof.
func (p Proof) Signature() string {
	if p.kind != ProofDirect {
		return ""
	}
	return p.value
}

// UnsignedTransaction returns the base64 transaction of a delegated proof.
func (p Proof) UnsignedTransaction() string {
	if p.kind != ProofDelegated {
		return ""
	}
	return p.value
}

type proofWire struct {
	Signature           *string `json:"signature,omitempty"`
	UnsignedTransaction *string `json:"unsigned_transaction,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (p Proof) MarshalJSON() ([]byte, error) {
	v := p.value
	switch p.kind {
	case ProofDirect:
		return json.Marshal(proofWire{Signature: &v})
	case ProofDelegated:
		return json.Marshal(proofWire{UnsignedTransaction: &v})
	default:
		return nil, NewPaymentError(ErrMalformedPayload, "payload variant is not set", nil)
	}
}

// UnmarshalJSON implements json.Unmarshaler. A payload carrying both variants,
// or neither, is rejected here rather than left for later checks to interpret.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var w proofWire
	if err := json.Unmarshal(data, &w); err != nil {
		return NewPaymentError(ErrMalformedPayload, fmt.Sprintf("payload: %v", err), nil)
	}

	hasSig := w.Signature != nil && *w.Signature != ""
	hasTx := w.UnsignedTransaction != nil && *w.UnsignedTransaction != ""

	switch {
	case hasSig && hasTx:
		return NewPaymentError(ErrMalformedPayload, "payload carries both signature and unsigned_transaction", nil)
	case hasSig:
		*p = DirectProof(*w.Signature)
	case hasTx:
		*p = DelegatedProof(*w.UnsignedTransaction)
	default:
		return NewPaymentError(ErrMalformedPayload, "payload carries neither signature nor unsigned_transaction", nil)
	}
	return nil
}

// DecodePaymentPayload parses a JSON payment payload, reporting any structural
// problem as a MalformedPayload error.
func DecodePaymentPayload(data []byte) (PaymentPayload, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		var pe *PaymentError
		if errors.As(err, &pe) {
			return PaymentPayload{}, pe
		}
		return PaymentPayload{}, NewPaymentError(ErrMalformedPayload, err.Error(), nil)
	}
	return payload, nil
}

// DecodePaymentRequirements parses a JSON payment requirement.
func DecodePaymentRequirements(data []byte) (PaymentRequirements, error) {
	var req PaymentRequirements
	if err := json.Unmarshal(data, &req); err != nil {
		return PaymentRequirements{}, NewPaymentError(ErrMalformedPayload, err.Error(), nil)
	}
	return req, nil
}
