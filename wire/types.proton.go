package wire

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id0 uint64 = iota + 1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Frame{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Frame:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Frame:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Frame:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id0:
		msg := &Frame{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Frame:
		return id0, makePatch0(msg2, msgSrc.(*Frame), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Frame:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Frame) uint64 {
	var n uint64 = 10
	{
		// Type

		helpers.UInt64Size(m.Type, &n)
	}
	{
		// Code

		helpers.UInt64Size(m.Code, &n)
	}
	{
		// MessageID

		helpers.UInt64Size(m.MessageID, &n)
	}
	{
		// Token

		{
			l := uint64(len(m.Token))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Observe

		helpers.UInt64Size(m.Observe, &n)
	}
	{
		// URIPath

		{
			l := uint64(len(m.URIPath))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// ContentFormat

		helpers.UInt64Size(m.ContentFormat, &n)
	}
	{
		// Accept

		helpers.UInt64Size(m.Accept, &n)
	}
	{
		// MaxAge

		helpers.UInt64Size(m.MaxAge, &n)
	}
	{
		// Payload

		{
			l := uint64(len(m.Payload))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *Frame, b []byte) uint64 {
	var o uint64
	{
		// Type

		helpers.UInt64Marshal(m.Type, b, &o)
	}
	{
		// Code

		helpers.UInt64Marshal(m.Code, b, &o)
	}
	{
		// MessageID

		helpers.UInt64Marshal(m.MessageID, b, &o)
	}
	{
		// Token

		{
			l := uint64(len(m.Token))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Token)
			o += l
		}
	}
	{
		// Observe

		helpers.UInt64Marshal(m.Observe, b, &o)
	}
	{
		// URIPath

		{
			l := uint64(len(m.URIPath))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.URIPath)
			o += l
		}
	}
	{
		// ContentFormat

		helpers.UInt64Marshal(m.ContentFormat, b, &o)
	}
	{
		// Accept

		helpers.UInt64Marshal(m.Accept, b, &o)
	}
	{
		// MaxAge

		helpers.UInt64Marshal(m.MaxAge, b, &o)
	}
	{
		// Payload

		{
			l := uint64(len(m.Payload))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Payload)
			o += l
		}
	}

	return o
}

func unmarshal0(m *Frame, b []byte) uint64 {
	var o uint64
	{
		// Type

		helpers.UInt64Unmarshal(&m.Type, b, &o)
	}
	{
		// Code

		helpers.UInt64Unmarshal(&m.Code, b, &o)
	}
	{
		// MessageID

		helpers.UInt64Unmarshal(&m.MessageID, b, &o)
	}
	{
		// Token

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Token = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Observe

		helpers.UInt64Unmarshal(&m.Observe, b, &o)
	}
	{
		// URIPath

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.URIPath = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// ContentFormat

		helpers.UInt64Unmarshal(&m.ContentFormat, b, &o)
	}
	{
		// Accept

		helpers.UInt64Unmarshal(&m.Accept, b, &o)
	}
	{
		// MaxAge

		helpers.UInt64Unmarshal(&m.MaxAge, b, &o)
	}
	{
		// Payload

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Payload = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch0(m, mSrc *Frame, b []byte) uint64 {
	var o uint64 = 2
	{
		// Type

		if reflect.DeepEqual(m.Type, mSrc.Type) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Type, b, &o)
		}
	}
	{
		// Code

		if reflect.DeepEqual(m.Code, mSrc.Code) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Code, b, &o)
		}
	}
	{
		// MessageID

		if reflect.DeepEqual(m.MessageID, mSrc.MessageID) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.MessageID, b, &o)
		}
	}
	{
		// Token

		if reflect.DeepEqual(m.Token, mSrc.Token) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			{
				l := uint64(len(m.Token))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Token)
				o += l
			}
		}
	}
	{
		// Observe

		if reflect.DeepEqual(m.Observe, mSrc.Observe) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			helpers.UInt64Marshal(m.Observe, b, &o)
		}
	}
	{
		// URIPath

		if reflect.DeepEqual(m.URIPath, mSrc.URIPath) {
			b[0] &= 0xDF
		} else {
			b[0] |= 0x20
			{
				l := uint64(len(m.URIPath))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.URIPath)
				o += l
			}
		}
	}
	{
		// ContentFormat

		if reflect.DeepEqual(m.ContentFormat, mSrc.ContentFormat) {
			b[0] &= 0xBF
		} else {
			b[0] |= 0x40
			helpers.UInt64Marshal(m.ContentFormat, b, &o)
		}
	}
	{
		// Accept

		if reflect.DeepEqual(m.Accept, mSrc.Accept) {
			b[0] &= 0x7F
		} else {
			b[0] |= 0x80
			helpers.UInt64Marshal(m.Accept, b, &o)
		}
	}
	{
		// MaxAge

		if reflect.DeepEqual(m.MaxAge, mSrc.MaxAge) {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
			helpers.UInt64Marshal(m.MaxAge, b, &o)
		}
	}
	{
		// Payload

		if reflect.DeepEqual(m.Payload, mSrc.Payload) {
			b[1] &= 0xFD
		} else {
			b[1] |= 0x02
			{
				l := uint64(len(m.Payload))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Payload)
				o += l
			}
		}
	}

	return o
}

func applyPatch0(m *Frame, b []byte) uint64 {
	var o uint64 = 2
	{
		// Type

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Type, b, &o)
		}
	}
	{
		// Code

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Code, b, &o)
		}
	}
	{
		// MessageID

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.MessageID, b, &o)
		}
	}
	{
		// Token

		if b[0]&0x08 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Token = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Observe

		if b[0]&0x10 != 0 {
			helpers.UInt64Unmarshal(&m.Observe, b, &o)
		}
	}
	{
		// URIPath

		if b[0]&0x20 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.URIPath = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// ContentFormat

		if b[0]&0x40 != 0 {
			helpers.UInt64Unmarshal(&m.ContentFormat, b, &o)
		}
	}
	{
		// Accept

		if b[0]&0x80 != 0 {
			helpers.UInt64Unmarshal(&m.Accept, b, &o)
		}
	}
	{
		// MaxAge

		if b[1]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.MaxAge, b, &o)
		}
	}
	{
		// Payload

		if b[1]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Payload = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}
