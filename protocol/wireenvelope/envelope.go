// Package wireenvelope serializes transport.Message to and from the byte
// payload the pub/sub and queue protocol adapters publish. None of the
// example stacks carry a wire codec suited to this ad hoc envelope (no
// protobuf schema exists for it, and adopting one here would mean
// inventing a .proto file rather than grounding on anything in the
// corpus), so this is one of the few places that leans on the standard
// library's encoding/json instead of a pack dependency; see DESIGN.md.
package wireenvelope

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/dtransport/transport"
)

type wireProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireMessage struct {
	ID                 string         `json:"id"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	To                 string         `json:"to,omitempty"`
	LockToken          string         `json:"lock_token,omitempty"`
	ConnectionDeviceID string         `json:"connection_device_id,omitempty"`
	ConnectionModuleID string         `json:"connection_module_id,omitempty"`
	InputName          string         `json:"input_name,omitempty"`
	OutputName         string         `json:"output_name,omitempty"`
	ExpiryAtUnixMs     int64          `json:"expiry_at_unix_ms,omitempty"`
	Properties         []wireProperty `json:"properties,omitempty"`
	Body               []byte         `json:"body"`
}

// Encode serializes msg for wire transmission.
func Encode(msg *transport.Message) []byte {
	w := wireMessage{
		ID:                 msg.ID(),
		CorrelationID:       msg.CorrelationID(),
		UserID:              msg.UserID(),
		To:                  msg.To(),
		LockToken:           msg.LockToken(),
		ConnectionDeviceID:  msg.ConnectionDeviceID(),
		ConnectionModuleID:  msg.ConnectionModuleID(),
		InputName:           msg.InputName(),
		OutputName:          msg.OutputName(),
		ExpiryAtUnixMs:      msg.ExpiryAtUnixMs(),
		Body:                msg.Body(),
	}
	for _, p := range msg.Properties() {
		w.Properties = append(w.Properties, wireProperty{Name: p.Name, Value: p.Value})
	}
	// Encoding a well-formed transport.Message can never fail; json.Marshal
	// only errors on unsupported types (channels, funcs) which wireMessage
	// does not contain.
	b, _ := json.Marshal(w)
	return b
}

// Decode parses payload back into a transport.Message.
func Decode(payload []byte) (*transport.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, errors.Annotate(err, "wireenvelope: decode")
	}
	msg, err := transport.NewMessage(w.Body)
	if err != nil {
		return nil, err
	}
	if w.ID != "" {
		if err := msg.SetID(w.ID); err != nil {
			return nil, err
		}
	}
	if w.CorrelationID != "" {
		if err := msg.SetCorrelationID(w.CorrelationID); err != nil {
			return nil, err
		}
	}
	if w.LockToken != "" {
		if err := msg.SetLockToken(w.LockToken); err != nil {
			return nil, err
		}
	}
	msg.SetUserID(w.UserID)
	msg.SetTo(w.To)
	msg.SetConnectionDeviceID(w.ConnectionDeviceID)
	msg.SetConnectionModuleID(w.ConnectionModuleID)
	msg.SetInputName(w.InputName)
	msg.SetOutputName(w.OutputName)
	if w.ExpiryAtUnixMs != 0 {
		msg.SetExpiryAbsolute(time.UnixMilli(w.ExpiryAtUnixMs))
	}
	for _, p := range w.Properties {
		if err := msg.SetProperty(p.Name, p.Value); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
