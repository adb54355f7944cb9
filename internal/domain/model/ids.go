package model

// Identifiers crossing the wire are opaque, URL-safe tokens. The gateway
// never derives meaning from them beyond equality and routing.
type (
	UserID   string
	DeviceID string
	ConvID   string
)

const (
	// [ID_CAP] conv/user/device identifiers are capped at 64 bytes on admission.
	MaxIDLen = 64
	// [MSG_ID_CAP] client-chosen idempotency keys are capped at 256 bytes.
	MaxMsgIDLen = 256
)

// ValidID reports whether s is a non-empty URL-safe token within MaxIDLen.
func ValidID(s string) bool {
	if s == "" || len(s) > MaxIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// ValidMsgID reports whether the idempotency key is acceptable for admission.
func ValidMsgID(s string) bool {
	return s != "" && len(s) <= MaxMsgIDLen
}

func (u UserID) String() string   { return string(u) }
func (d DeviceID) String() string { return string(d) }
func (c ConvID) String() string   { return string(c) }
