// Package address implements the 32-bit mailbox addressing scheme.
//
// An address packs four fields:
//
//	[type_id_low:16][system_id:4][instance_id:4][kind:8]
//
// The top 24 bits form the base address of one mailbox set; the low byte
// selects a mailbox within the set and is composable by addition
// (base + KindWork) or by OR-ing a data index (base | DataKind(k)).
// Field widths are explicit constants here and are enforced at encode and
// configuration time rather than silently truncated.
package address

import "fmt"

// Kind is the low-byte mailbox selector within a mailbox set.
type Kind uint8

const (
	KindCmd      Kind = 0  // incoming user commands
	KindWork     Kind = 16 // subscription protocol traffic
	KindPublish  Kind = 32 // outgoing publications
	KindDataBase Kind = 48 // first DATA mailbox; actual is KindDataBase+index
)

const (
	// MaxSystemID and MaxInstanceID bound the 4-bit identity fields.
	MaxSystemID   = 0x0F
	MaxInstanceID = 0x0F
	// MaxInputIndex bounds the DATA-kind low nibble.
	MaxInputIndex = 0x0F

	baseMask = 0xFFFFFF00
	kindMask = 0x000000FF
)

// OutOfRangeError reports an address field exceeding its declared width.
type OutOfRangeError struct {
	Field string
	Value uint32
	Max   uint32
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("address: %s %d exceeds maximum %d", e.Field, e.Value, e.Max)
}

// DataKind returns the kind selecting the DATA mailbox at the given input
// index. The index must not exceed MaxInputIndex.
func DataKind(inputIndex uint8) (Kind, error) {
	if inputIndex > MaxInputIndex {
		return 0, &OutOfRangeError{Field: "input_index", Value: uint32(inputIndex), Max: MaxInputIndex}
	}
	return KindDataBase + Kind(inputIndex), nil
}

// Encode packs the four fields into one mailbox address.
func Encode(typeIDLow uint16, systemID, instanceID uint8, kind Kind) (uint32, error) {
	if systemID > MaxSystemID {
		return 0, &OutOfRangeError{Field: "system_id", Value: uint32(systemID), Max: MaxSystemID}
	}
	if instanceID > MaxInstanceID {
		return 0, &OutOfRangeError{Field: "instance_id", Value: uint32(instanceID), Max: MaxInstanceID}
	}
	return uint32(typeIDLow)<<16 |
		uint32(systemID)<<12 |
		uint32(instanceID)<<8 |
		uint32(kind), nil
}

// Base packs a base address (zero kind byte) for one mailbox set.
func Base(typeIDLow uint16, systemID, instanceID uint8) (uint32, error) {
	return Encode(typeIDLow, systemID, instanceID, KindCmd)
}

// Decode unpacks an address into its four fields.
func Decode(addr uint32) (typeIDLow uint16, systemID, instanceID uint8, kind Kind) {
	return uint16(addr >> 16),
		uint8(addr >> 12 & 0x0F),
		uint8(addr >> 8 & 0x0F),
		Kind(addr & kindMask)
}

// BaseOf strips the kind byte, yielding the mailbox-set base address.
func BaseOf(addr uint32) uint32 { return addr & baseMask }

// KindOf extracts the kind byte.
func KindOf(addr uint32) Kind { return Kind(addr & kindMask) }

// DataIndexOf extracts the input index from a DATA-kind address. The second
// return is false when the address is not a DATA mailbox.
func DataIndexOf(addr uint32) (uint8, bool) {
	k := KindOf(addr)
	if k < KindDataBase || k > KindDataBase+MaxInputIndex {
		return 0, false
	}
	return uint8(k - KindDataBase), true
}

func (k Kind) String() string {
	switch {
	case k == KindCmd:
		return "CMD"
	case k == KindWork:
		return "WORK"
	case k == KindPublish:
		return "PUBLISH"
	case k >= KindDataBase && k <= KindDataBase+MaxInputIndex:
		return fmt.Sprintf("DATA+%d", uint8(k-KindDataBase))
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}
