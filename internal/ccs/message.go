package ccs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire attribute names.
const (
	keyTo               = "to"
	keyFrom             = "from"
	keyCategory         = "category"
	keyMessageID        = "message_id"
	keyMessageType      = "message_type"
	keyData             = "data"
	keyCollapseKey      = "collapse_key"
	keyTimeToLive       = "time_to_live"
	keyDelayWhileIdle   = "delay_while_idle"
	keyError            = "error"
	keyErrorDescription = "error_description"
)

// ActionKey is the payload key the router dispatches on.
const ActionKey = "action"

// Message is an upstream data message.
type Message struct {
	From      string
	Category  string
	MessageID string
	Payload   map[string]string
}

// Action returns the routing tag, if any.
func (m Message) Action() (string, bool) {
	action, ok := m.Payload[ActionKey]
	return action, ok
}

// Downstream is an outbound data message. Nil or empty optional fields are
// left out of the encoded envelope.
type Downstream struct {
	To             string
	MessageID      string
	Payload        map[string]string
	CollapseKey    string
	TimeToLive     *int64
	DelayWhileIdle *bool
}

// Attributes returns the wire attribute map.
func (d Downstream) Attributes() map[string]any {
	attrs := map[string]any{
		keyTo:        d.To,
		keyMessageID: d.MessageID,
	}
	if d.Payload != nil {
		attrs[keyData] = d.Payload
	}
	if d.CollapseKey != "" {
		attrs[keyCollapseKey] = d.CollapseKey
	}
	if d.TimeToLive != nil {
		attrs[keyTimeToLive] = *d.TimeToLive
	}
	if d.DelayWhileIdle != nil {
		attrs[keyDelayWhileIdle] = *d.DelayWhileIdle
	}
	return attrs
}

// ReceiptType distinguishes positive from negative acknowledgments.
type ReceiptType string

const (
	ReceiptAck  ReceiptType = "ack"
	ReceiptNack ReceiptType = "nack"
)

// Receipt is an ack or nack from the broker for an earlier downstream send.
type Receipt struct {
	Type             ReceiptType
	MessageID        string
	From             string
	Error            string
	ErrorDescription string
}

// DecodeMessage builds an upstream Message from decoded attributes.
// Non-string payload values are kept in their printed form.
func DecodeMessage(attrs map[string]any) (Message, error) {
	from, err := requiredString(attrs, keyFrom)
	if err != nil {
		return Message{}, err
	}
	id, err := requiredString(attrs, keyMessageID)
	if err != nil {
		return Message{}, err
	}
	payload, err := stringMap(attrs[keyData])
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:      from,
		Category:  optionalString(attrs, keyCategory),
		MessageID: id,
		Payload:   payload,
	}, nil
}

// DecodeReceipt builds a Receipt from decoded attributes.
func DecodeReceipt(attrs map[string]any) (Receipt, error) {
	id, err := requiredString(attrs, keyMessageID)
	if err != nil {
		return Receipt{}, err
	}
	typ := ReceiptType(optionalString(attrs, keyMessageType))
	if typ != ReceiptAck && typ != ReceiptNack {
		return Receipt{}, &DecodeError{Reason: fmt.Sprintf("message_type %q is not a receipt", typ)}
	}
	return Receipt{
		Type:             typ,
		MessageID:        id,
		From:             optionalString(attrs, keyFrom),
		Error:            optionalString(attrs, keyError),
		ErrorDescription: optionalString(attrs, keyErrorDescription),
	}, nil
}

// DecodeDownstream rebuilds a Downstream from decoded attributes, as the
// broker would see it.
func DecodeDownstream(attrs map[string]any) (Downstream, error) {
	to, err := requiredString(attrs, keyTo)
	if err != nil {
		return Downstream{}, err
	}
	id, err := requiredString(attrs, keyMessageID)
	if err != nil {
		return Downstream{}, err
	}
	payload, err := stringMap(attrs[keyData])
	if err != nil {
		return Downstream{}, err
	}
	d := Downstream{
		To:          to,
		MessageID:   id,
		Payload:     payload,
		CollapseKey: optionalString(attrs, keyCollapseKey),
	}
	if raw, ok := attrs[keyTimeToLive]; ok {
		ttl, err := int64Value(raw)
		if err != nil {
			return Downstream{}, &DecodeError{Reason: "time_to_live", Err: err}
		}
		d.TimeToLive = &ttl
	}
	if raw, ok := attrs[keyDelayWhileIdle]; ok {
		b, ok := raw.(bool)
		if !ok {
			return Downstream{}, &DecodeError{Reason: fmt.Sprintf("delay_while_idle has type %T", raw)}
		}
		d.DelayWhileIdle = &b
	}
	return d, nil
}

func requiredString(attrs map[string]any, key string) (string, error) {
	raw, ok := attrs[key]
	if !ok || raw == nil {
		return "", &DecodeError{Reason: "missing " + key}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &DecodeError{Reason: fmt.Sprintf("%s has type %T", key, raw)}
	}
	if strings.TrimSpace(s) == "" {
		return "", &DecodeError{Reason: "empty " + key}
	}
	return s, nil
}

func optionalString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func stringMap(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			switch s := val.(type) {
			case string:
				out[k] = s
			case nil:
				out[k] = ""
			default:
				out[k] = fmt.Sprint(s)
			}
		}
		return out, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("data has type %T", raw)}
	}
}

func int64Value(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Int64()
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", raw)
	}
}
