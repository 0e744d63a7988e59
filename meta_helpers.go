package x402

import (
	"encoding/json"
)

// PaymentInfo is the canonical form of the x402.payment.* metadata keys.
// Transports decode into it at the boundary and encode from it on the way
// out; nothing past the boundary looks at raw metadata.
type PaymentInfo struct {
	Status   PaymentStatus                `json:"status,omitempty"`
	Required *PaymentRequirementsResponse `json:"required,omitempty"`
	Payload  *PaymentPayload              `json:"payload,omitempty"`
	Receipts []Receipt                    `json:"receipts,omitempty"`
	Error    ErrorCode                    `json:"error,omitempty"`
}

// IsZero reports whether no payment key was present.
func (p PaymentInfo) IsZero() bool {
	return p.Status == "" && p.Required == nil && p.Payload == nil && len(p.Receipts) == 0 && p.Error == ""
}

// Submitted reports whether p carries a payment submission.
func (p PaymentInfo) Submitted() bool {
	return p.Status == StatusSubmitted
}

// Rejected reports whether the client declined the challenge.
func (p PaymentInfo) Rejected() bool {
	return p.Status == StatusRejected
}

// customFieldsKey wraps metadata on some A2A wires.
const customFieldsKey = "custom_fields"

// PaymentInfoFromMetadata decodes the payment keys of a message's metadata.
// Values may arrive as typed structs (in-process) or as generic JSON maps
// (off the wire); both decode the same way. Top-level keys win over keys
// wrapped in a custom_fields object.
func PaymentInfoFromMetadata(meta map[string]any) PaymentInfo {
	if meta == nil {
		return PaymentInfo{}
	}
	info := decodePaymentKeys(meta)
	if info.IsZero() {
		if inner, ok := meta[customFieldsKey].(map[string]any); ok {
			info = decodePaymentKeys(inner)
		}
	}
	return info
}

func decodePaymentKeys(meta map[string]any) PaymentInfo {
	var info PaymentInfo
	switch s := meta[MetaKeyStatus].(type) {
	case string:
		info.Status = PaymentStatus(s)
	case PaymentStatus:
		info.Status = s
	}
	switch e := meta[MetaKeyError].(type) {
	case string:
		info.Error = ErrorCode(e)
	case ErrorCode:
		info.Error = e
	}

	if v, ok := meta[MetaKeyRequired]; ok && v != nil {
		var req PaymentRequirementsResponse
		if convert(v, &req) {
			info.Required = &req
		}
	}
	if v, ok := meta[MetaKeyPayload]; ok && v != nil {
		var payload PaymentPayload
		if convert(v, &payload) {
			info.Payload = &payload
		}
	}
	if v, ok := meta[MetaKeyReceipts]; ok && v != nil {
		var receipts []Receipt
		if convert(v, &receipts) {
			info.Receipts = receipts
		}
	}
	return info
}

// ApplyTo writes the set fields of p into meta and returns it. Keys that are
// not payment keys are left alone.
func (p PaymentInfo) ApplyTo(meta map[string]any) map[string]any {
	if meta == nil {
		meta = make(map[string]any)
	}
	if p.Status != "" {
		meta[MetaKeyStatus] = string(p.Status)
	}
	if p.Required != nil {
		meta[MetaKeyRequired] = p.Required
	}
	if p.Payload != nil {
		meta[MetaKeyPayload] = p.Payload
	}
	if p.Receipts != nil {
		receipts := make([]Receipt, len(p.Receipts))
		copy(receipts, p.Receipts)
		meta[MetaKeyReceipts] = receipts
	}
	if p.Error != "" {
		meta[MetaKeyError] = string(p.Error)
	}
	return meta
}

// StripPaymentKeys returns a copy of meta without the payment keys, at the
// top level and inside custom_fields. A custom_fields object left empty is
// dropped.
func StripPaymentKeys(meta map[string]any) map[string]any {
	out := stripKeys(meta)
	if inner, ok := out[customFieldsKey].(map[string]any); ok {
		if rest := stripKeys(inner); len(rest) > 0 {
			out[customFieldsKey] = rest
		} else {
			delete(out, customFieldsKey)
		}
	}
	return out
}

func stripKeys(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch k {
		case MetaKeyStatus, MetaKeyRequired, MetaKeyPayload, MetaKeyReceipts, MetaKeyError:
			continue
		}
		out[k] = v
	}
	return out
}

func convert(in any, out any) bool {
	data, err := json.Marshal(in)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
