package wire

import (
	"math"

	"github.com/pkg/errors"
)

// ErrDecode is returned when datagram cannot be decoded into message.
var ErrDecode = errors.New("malformed datagram")

// Codec converts messages to datagrams and back.
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(datagram []byte) (*Message, error)
}

// NewCodec returns codec marshalling messages as proton frames.
func NewCodec() Codec {
	m := NewMarshaller()
	frameID, err := m.ID(&Frame{})
	if err != nil {
		panic(err)
	}
	return &protonCodec{
		m:       m,
		frameID: frameID,
	}
}

type protonCodec struct {
	m       Marshaller
	frameID uint64
}

func (c *protonCodec) Encode(msg *Message) ([]byte, error) {
	if len(msg.Token) > MaxTokenLength {
		return nil, errors.Wrapf(ErrInvalidToken, "length %d exceeds %d", len(msg.Token), MaxTokenLength)
	}

	frame := &Frame{
		Type:          uint64(msg.Type),
		Code:          uint64(msg.Code),
		MessageID:     uint64(msg.MessageID),
		Token:         string(msg.Token),
		URIPath:       msg.Options.URIPath,
		ContentFormat: uint64(msg.Options.ContentFormat),
		Accept:        uint64(msg.Options.Accept),
		MaxAge:        uint64(msg.Options.MaxAge),
		Payload:       string(msg.Payload),
	}
	if observe, ok := msg.Options.Observe(); ok {
		frame.Observe = uint64(observe) + 1
	}

	size, err := c.m.Size(frame)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	_, n, err := c.m.Marshal(frame, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *protonCodec) Decode(datagram []byte) (*Message, error) {
	if len(datagram) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty datagram")
	}

	msg, n, err := c.m.Unmarshal(c.frameID, datagram)
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if n != uint64(len(datagram)) {
		return nil, errors.Wrapf(ErrDecode, "%d trailing bytes", uint64(len(datagram))-n)
	}

	frame := msg.(*Frame)
	switch {
	case frame.Type > uint64(Reset):
		return nil, errors.Wrapf(ErrDecode, "invalid type %d", frame.Type)
	case frame.Code > math.MaxUint8:
		return nil, errors.Wrapf(ErrDecode, "invalid code %d", frame.Code)
	case frame.MessageID > math.MaxUint16:
		return nil, errors.Wrapf(ErrDecode, "invalid message ID %d", frame.MessageID)
	case len(frame.Token) > MaxTokenLength:
		return nil, errors.Wrapf(ErrDecode, "token length %d", len(frame.Token))
	case frame.Observe > uint64(MaxObserve)+1:
		return nil, errors.Wrapf(ErrDecode, "invalid observe %d", frame.Observe)
	case frame.ContentFormat > math.MaxUint16, frame.Accept > math.MaxUint16:
		return nil, errors.Wrap(ErrDecode, "invalid content format")
	case frame.MaxAge > math.MaxUint32:
		return nil, errors.Wrapf(ErrDecode, "invalid max age %d", frame.MaxAge)
	}

	m := &Message{
		Type:      Type(frame.Type),
		Code:      Code(frame.Code),
		MessageID: MessageID(frame.MessageID),
		Token:     Token(frame.Token),
		Options: Options{
			URIPath:       frame.URIPath,
			ContentFormat: ContentFormat(frame.ContentFormat),
			Accept:        ContentFormat(frame.Accept),
			MaxAge:        uint32(frame.MaxAge),
		},
	}
	if frame.Observe > 0 {
		m.Options.SetObserve(uint32(frame.Observe - 1))
	}
	if frame.Payload != "" {
		m.Payload = []byte(frame.Payload)
	}
	return m, nil
}
