package http

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// paymentPayloadSchema describes the wire shape of a payment payload. It only
// constrains types and presence; values such as the version, network and
// amount are judged by the verifier in its fixed order. The oneOf on payload
// rejects proofs carrying both variants or neither.
const paymentPayloadSchema = `{
  "type": "object",
  "required": ["payload"],
  "properties": {
    "x402Version": {"type": "integer"},
    "scheme":      {"type": "string"},
    "network":     {"type": "string"},
    "from":        {"type": "string"},
    "to":          {"type": "string"},
    "amount":      {"type": "string"},
    "asset":       {"type": "string"},
    "timestamp":   {"type": "integer", "minimum": 0},
    "metadata":    {"type": "object", "additionalProperties": {"type": "string"}},
    "payload": {
      "type": "object",
      "oneOf": [
        {"required": ["signature"], "not": {"required": ["unsigned_transaction"]},
         "properties": {"signature": {"type": "string", "minLength": 1}}},
        {"required": ["unsigned_transaction"], "not": {"required": ["signature"]},
         "properties": {"unsigned_transaction": {"type": "string", "minLength": 1}}}
      ]
    }
  }
}`

var payloadSchema = mustSchema(paymentPayloadSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid payment payload schema: %v", err))
	}
	return schema
}

// ValidatePaymentPayloadJSON checks raw JSON against the payload schema and
// decodes it. Every failure is a MalformedPayload PaymentError listing the
// schema violations.
func ValidatePaymentPayloadJSON(raw []byte) (x402.PaymentPayload, error) {
	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload,
			fmt.Sprintf("payment payload is not valid JSON: %v", err), nil)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload,
			"payment payload failed validation: "+strings.Join(errs, "; "),
			map[string]interface{}{"errors": errs})
	}
	return x402.DecodePaymentPayload(raw)
}

// ValidateAndDecodePaymentHeader validates and decodes an X-PAYMENT header value.
func ValidateAndDecodePaymentHeader(paymentHeader string) (x402.PaymentPayload, error) {
	if paymentHeader == "" {
		return x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload, "payment header is empty", nil)
	}
	if !base64Regex.MatchString(paymentHeader) {
		return x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload,
			"invalid payment header format: not valid base64", nil)
	}
	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload,
			fmt.Sprintf("invalid payment header format: base64 decoding failed - %v", err), nil)
	}
	return ValidatePaymentPayloadJSON(decoded)
}
