// Package message defines the wire header, the message-id scheme, the type
// registry, and the built-in system payloads.
package message

// A message id partitions a uint32 as [prefix:4|subprefix:4|ordinal:24].
// The prefix separates framework-owned system messages from user messages;
// the subprefix classifies the message role.

// Prefix is the high nibble of a message id.
type Prefix uint8

const (
	PrefixSystem Prefix = 0x0
	PrefixUser   Prefix = 0x1
)

// Class is the subprefix nibble of a message id.
type Class uint8

const (
	ClassData    Class = 0x0
	ClassCommand Class = 0x1
	ClassEvent   Class = 0x2
	ClassReply   Class = 0x3
)

const (
	ordinalBits = 24
	ordinalMask = 1<<ordinalBits - 1

	// MaxOrdinal bounds the per-registry type ordinal.
	MaxOrdinal = ordinalMask
)

// ComposeID builds a message id from its three parts.
func ComposeID(p Prefix, c Class, ordinal uint32) uint32 {
	return uint32(p&0x0F)<<28 | uint32(c&0x0F)<<24 | ordinal&ordinalMask
}

// PrefixOf extracts the prefix nibble.
func PrefixOf(id uint32) Prefix { return Prefix(id >> 28) }

// ClassOf extracts the subprefix nibble.
func ClassOf(id uint32) Class { return Class(id >> 24 & 0x0F) }

// OrdinalOf extracts the 24-bit type ordinal.
func OrdinalOf(id uint32) uint32 { return id & ordinalMask }

// TypeIDLow yields the low 16 bits of an id, the part that participates in
// mailbox addressing.
func TypeIDLow(id uint32) uint16 { return uint16(id) }

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassCommand:
		return "command"
	case ClassEvent:
		return "event"
	case ClassReply:
		return "reply"
	default:
		return "unknown"
	}
}
