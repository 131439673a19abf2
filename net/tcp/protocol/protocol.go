package protocol

const (
	typicalBufferLen int = 1024 // 1 KB
	headerLen        int = 7
)

const (
	protocolPattern byte = 0x43
	protocolVersion byte = 0x01
)

// RegisterMarker is the payload of the first frame sent on a registration
// connection.
const RegisterMarker = "clientsAdd"

type Kind byte

const (
	KindInvalid  Kind = 0x00
	KindRegister Kind = 0x01
	KindChat     Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid Kind"
	case KindRegister:
		return "Register"
	case KindChat:
		return "Chat"
	default:
		return "Unknown Kind"
	}
}

type Frame struct {
	Kind    Kind
	Payload []byte
}

// IsRegistration reports whether f is the registration marker frame.
func (f *Frame) IsRegistration() bool {
	return f != nil &&
		f.Kind == KindRegister &&
		string(f.Payload) == RegisterMarker
}
