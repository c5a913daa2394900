package wire

import "fmt"

type (
	// Type is the message type carried in the header.
	Type uint8

	// Code is the request method or response code in class.detail form.
	Code uint8

	// MessageID is the 16-bit identifier used for deduplication and ACK/RST matching.
	MessageID uint16

	// Endpoint identifies remote peer, usually in host:port form.
	Endpoint string

	// ContentFormat is the numeric content format identifier.
	ContentFormat uint16
)

// Message types.
const (
	Confirmable Type = iota
	NonConfirmable
	Acknowledgement
	Reset
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Codes.
const (
	Empty  Code = 0x00
	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04

	Created              Code = 0x41
	Deleted              Code = 0x42
	Valid                Code = 0x43
	Changed              Code = 0x44
	Content              Code = 0x45
	BadRequest           Code = 0x80
	NotFound             Code = 0x84
	MethodNotAllowed     Code = 0x85
	NotAcceptable        Code = 0x86
	UnsupportedMediaType Code = 0x8f
	InternalServerError  Code = 0xa0
	ServiceUnavailable   Code = 0xa3
)

// NewCode builds code from its class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Class returns the class part of the code.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the detail part of the code.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsRequest reports whether code is a request method.
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse reports whether code is a response code.
func (c Code) IsResponse() bool {
	return c.Class() >= 2
}

// IsError reports whether code is a client or server error.
func (c Code) IsError() bool {
	return c.Class() == 4 || c.Class() == 5
}

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Content formats.
const (
	TextPlain       ContentFormat = 0
	LinkFormat      ContentFormat = 40
	OctetStream     ContentFormat = 42
	JSON            ContentFormat = 50
	CBOR            ContentFormat = 60
	NoContentFormat ContentFormat = 0xffff
)

// Observe option values used by requests.
const (
	ObserveRegister   uint32 = 0
	ObserveDeregister uint32 = 1

	// MaxObserve is the largest observe value, sequence numbers wrap after it.
	MaxObserve uint32 = 1<<24 - 1
)

// Options is the subset of options interpreted by the engine.
type Options struct {
	URIPath       string
	ContentFormat ContentFormat
	Accept        ContentFormat
	MaxAge        uint32

	observe    uint32
	hasObserve bool
}

// Observe returns observe option value.
func (o Options) Observe() (uint32, bool) {
	return o.observe, o.hasObserve
}

// SetObserve sets observe option.
func (o *Options) SetObserve(v uint32) {
	o.observe = v & MaxObserve
	o.hasObserve = true
}

// ClearObserve removes observe option.
func (o *Options) ClearObserve() {
	o.observe = 0
	o.hasObserve = false
}

// Message is the decoded datagram.
type Message struct {
	Type      Type
	Code      Code
	MessageID MessageID
	Token     Token
	Options   Options
	Payload   []byte
}

// NewEmptyACK creates empty acknowledgement for message ID.
func NewEmptyACK(mid MessageID) *Message {
	return &Message{
		Type:      Acknowledgement,
		Code:      Empty,
		MessageID: mid,
		Options:   Options{ContentFormat: NoContentFormat, Accept: NoContentFormat},
	}
}

// NewReset creates reset for message ID.
func NewReset(mid MessageID) *Message {
	return &Message{
		Type:      Reset,
		Code:      Empty,
		MessageID: mid,
		Options:   Options{ContentFormat: NoContentFormat, Accept: NoContentFormat},
	}
}

// NewRequest creates confirmable request.
func NewRequest(code Code, path string) *Message {
	return &Message{
		Type:    Confirmable,
		Code:    code,
		Options: Options{URIPath: path, ContentFormat: NoContentFormat, Accept: NoContentFormat},
	}
}

// NewResponse creates response without content.
func NewResponse(code Code) *Message {
	return &Message{
		Code:    code,
		Options: Options{ContentFormat: NoContentFormat, Accept: NoContentFormat},
	}
}

// IsConfirmable reports whether message requires acknowledgement.
func (m *Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsEmpty reports whether message carries no request or response.
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// IsNotification reports whether message is a response carrying observe option.
func (m *Message) IsNotification() bool {
	_, ok := m.Options.Observe()
	return ok && m.Code.IsResponse()
}

// Clone returns deep copy of message.
func (m *Message) Clone() *Message {
	m2 := *m
	if m.Payload != nil {
		m2.Payload = append([]byte(nil), m.Payload...)
	}
	return &m2
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%s", m.Type, m.Code, m.MessageID, m.Token)
}
