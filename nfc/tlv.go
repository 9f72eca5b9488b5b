package nfc

// TLV types used in the Type 2 tag data area.
const (
	TLVNull       = 0x00 // Null TLV, single byte, no length
	TLVLockCtrl   = 0x01 // Lock Control TLV
	TLVMemCtrl    = 0x02 // Memory Control TLV
	TLVNDEF       = 0x03 // NDEF Message TLV
	TLVPropriety  = 0xFD // Proprietary TLV
	TLVTerminator = 0xFE // Terminator TLV, single byte, ends the data area
)

// ExtractNDEF walks the TLV structure of a Type 2 tag data area and returns
// the contents of the first NDEF Message TLV, or nil if the area holds no
// NDEF message before its terminator.
//
// Null TLVs are skipped. Unknown TLV types are skipped using their declared
// length so that tags carrying lock-control or proprietary blocks still
// decode. The walk ends at the first Terminator TLV; anything after it is
// ignored. A structure that is truncated, declares a length running past the
// capacity, or is missing its terminator before the capacity is exhausted is
// malformed.
func ExtractNDEF(mem []byte, capacity int) ([]byte, error) {
	const op = "ExtractNDEF"

	if capacity > len(mem) {
		capacity = len(mem)
	}
	if capacity < 0 {
		capacity = 0
	}

	var ndef []byte
	offset := 0

	for offset < capacity {
		tlvType := mem[offset]

		switch tlvType {
		case TLVNull:
			offset++
			continue

		case TLVTerminator:
			return ndef, nil
		}

		length, valueStart, err := tlvLength(mem[:capacity], offset)
		if err != nil {
			return nil, err
		}
		if valueStart+length > capacity {
			return nil, NewMalformedDataError(op, "TLV 0x%02X length %d runs past capacity %d", tlvType, length, capacity)
		}

		if tlvType == TLVNDEF && ndef == nil {
			ndef = mem[valueStart : valueStart+length]
		}

		offset = valueStart + length
	}

	return nil, NewMalformedDataError(op, "terminator TLV missing before capacity %d exhausted", capacity)
}

// tlvLength reads the length field of the TLV starting at offset and returns
// the declared value length together with the offset of the first value byte.
// Lengths below 0xFF use a single byte; 0xFF introduces a 2-byte big-endian
// length (three-byte format from the Type 2 Tag specification).
func tlvLength(mem []byte, offset int) (length, valueStart int, err error) {
	const op = "ExtractNDEF"

	if offset+1 >= len(mem) {
		return 0, 0, NewMalformedDataError(op, "TLV 0x%02X truncated at offset %d (length byte missing)", mem[offset], offset)
	}

	if mem[offset+1] == 0xFF {
		if offset+3 >= len(mem) {
			return 0, 0, NewMalformedDataError(op, "TLV 0x%02X truncated at offset %d (long length missing)", mem[offset], offset)
		}
		length = int(mem[offset+2])<<8 | int(mem[offset+3])
		return length, offset + 4, nil
	}

	return int(mem[offset+1]), offset + 2, nil
}
