package transport

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// maxURNFieldLen is the spec-mandated bound on message-id, correlation-id
// and lock-token: "up to 128 char long" URN-safe ASCII.
const maxURNFieldLen = 128

// urnSafe matches RFC 2141-ish URN characters plus the extra punctuation
// the wire protocols tolerate in these fields.
var urnSafe = regexp.MustCompile(`^[A-Za-z0-9\-:/\\.+%_#*?!(),=@;$']{1,128}$`)

// ValidateURNField reports whether s is acceptable as a message-id,
// correlation-id or lock-token value.
func ValidateURNField(s string) error {
	if !urnSafe.MatchString(s) {
		return errors.NotValidf("URN field %q (must be 1-%d ASCII URN-safe chars)", s, maxURNFieldLen)
	}
	return nil
}

// Property is one user-defined name/value pair. Messages keep properties
// in insertion order, unlike a plain map.
type Property struct {
	Name  string
	Value string
}

// Message is the value object carried end to end by the transport: an
// immutable body plus system and user properties. The zero value is not
// valid; build with NewMessage.
type Message struct {
	body []byte

	id                  string
	correlationID       string
	userID              string
	to                  string
	lockToken           string
	connectionDeviceID  string
	connectionModuleID  string
	inputName           string
	outputName          string
	expiryAtUnixMs       int64 // 0 = never expires

	properties []Property
}

// NewMessage builds a Message around body. body must be non-nil (an empty
// slice is fine; nil is rejected, matching the source SDK's constructor
// contract). MessageID, CorrelationID and LockToken are stamped with fresh
// UUIDs; callers needing specific values call the matching setter
// afterwards.
func NewMessage(body []byte) (*Message, error) {
	if body == nil {
		return nil, errors.NotValidf("message body cannot be nil")
	}
	return &Message{
		body:          body,
		id:            uuid.NewString(),
		correlationID: uuid.NewString(),
		lockToken:     uuid.NewString(),
	}, nil
}

// Body returns a copy of the message body; callers cannot mutate the
// Message's internal byte slice through the returned value.
func (m *Message) Body() []byte {
	if m.body == nil {
		return nil
	}
	out := make([]byte, len(m.body))
	copy(out, m.body)
	return out
}

func (m *Message) ID() string            { return m.id }
func (m *Message) CorrelationID() string { return m.correlationID }
func (m *Message) UserID() string        { return m.userID }
func (m *Message) To() string            { return m.to }
func (m *Message) LockToken() string     { return m.lockToken }

func (m *Message) ConnectionDeviceID() string { return m.connectionDeviceID }
func (m *Message) ConnectionModuleID() string { return m.connectionModuleID }
func (m *Message) InputName() string          { return m.inputName }
func (m *Message) OutputName() string         { return m.outputName }

func (m *Message) SetID(id string) error {
	if err := ValidateURNField(id); err != nil {
		return errors.Annotate(err, "message id")
	}
	m.id = id
	return nil
}

func (m *Message) SetCorrelationID(id string) error {
	if err := ValidateURNField(id); err != nil {
		return errors.Annotate(err, "correlation id")
	}
	m.correlationID = id
	return nil
}

func (m *Message) SetLockToken(token string) error {
	if err := ValidateURNField(token); err != nil {
		return errors.Annotate(err, "lock token")
	}
	m.lockToken = token
	return nil
}

func (m *Message) SetUserID(id string)               { m.userID = id }
func (m *Message) SetTo(to string)                    { m.to = to }
func (m *Message) SetConnectionDeviceID(id string)    { m.connectionDeviceID = id }
func (m *Message) SetConnectionModuleID(id string)    { m.connectionModuleID = id }
func (m *Message) SetInputName(name string)           { m.inputName = name }
func (m *Message) SetOutputName(name string)          { m.outputName = name }

// SetExpiryRelative sets the expiry timeout relative to now. A zero
// timeout means "never expires".
func (m *Message) SetExpiryRelative(timeout time.Duration) {
	if timeout == 0 {
		m.expiryAtUnixMs = 0
		return
	}
	m.expiryAtUnixMs = time.Now().Add(timeout).UnixMilli()
}

// SetExpiryAbsolute sets the expiry to an absolute wall-clock instant.
// The zero time means "never expires".
func (m *Message) SetExpiryAbsolute(at time.Time) {
	if at.IsZero() {
		m.expiryAtUnixMs = 0
		return
	}
	m.expiryAtUnixMs = at.UnixMilli()
}

func (m *Message) ExpiryAtUnixMs() int64 { return m.expiryAtUnixMs }

// IsExpired reports whether the message's expiry, if any, is strictly in
// the past.
func (m *Message) IsExpired() bool {
	if m.expiryAtUnixMs == 0 {
		return false
	}
	return time.Now().UnixMilli() > m.expiryAtUnixMs
}

// Property returns the value of a user-defined property, or ("", false)
// when it is not set.
func (m *Message) Property(name string) (string, bool) {
	for _, p := range m.properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// SetProperty sets or overwrites a user-defined property, preserving its
// original position when overwriting an existing name.
func (m *Message) SetProperty(name, value string) error {
	if name == "" {
		return errors.NotValidf("property name empty")
	}
	for i := range m.properties {
		if m.properties[i].Name == name {
			m.properties[i].Value = value
			return nil
		}
	}
	m.properties = append(m.properties, Property{Name: name, Value: value})
	return nil
}

// Properties returns a copy of the user-defined properties in insertion
// order.
func (m *Message) Properties() []Property {
	out := make([]Property, len(m.properties))
	copy(out, m.properties)
	return out
}

// Clone returns a deep copy of the message: the copy shares no body bytes
// and no property slice with the original.
func (m *Message) Clone() *Message {
	clone := *m
	clone.body = m.Body()
	clone.properties = m.Properties()
	return &clone
}
