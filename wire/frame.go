package wire

// Frame is the flat representation of Message marshalled by proton.
type Frame struct {
	Type      uint64
	Code      uint64
	MessageID uint64
	Token     string

	// Observe holds observe option value plus one, zero means option is absent.
	Observe       uint64
	URIPath       string
	ContentFormat uint64
	Accept        uint64
	MaxAge        uint64
	Payload       string
}
