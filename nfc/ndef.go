package nfc

import (
	"encoding/binary"
	"strings"
)

// Record is a single decoded NDEF record. Type is the record type field as a
// string (e.g., "T" for text, "U" for URI, "android.com:pkg" for an Android
// Application Record); Payload is the raw record payload.
type Record struct {
	Type    string
	Payload []byte
}

// IsText reports whether this is an NFC Forum well-known Text record.
func (r Record) IsText() bool {
	return r.Type == "T"
}

// IsURI reports whether this is an NFC Forum well-known URI record.
func (r Record) IsURI() bool {
	return r.Type == "U"
}

// Text returns the decoded text of a Text record and true, or "" and false
// for any other record type or an undecodable payload.
func (r Record) Text() (string, bool) {
	if !r.IsText() || len(r.Payload) < 1 {
		return "", false
	}
	status := r.Payload[0]
	langLength := int(status & 0x3F)
	textStart := 1 + langLength
	if textStart > len(r.Payload) {
		return "", false
	}
	return string(r.Payload[textStart:]), true
}

// URI returns the expanded URI of a URI record and true, or "" and false for
// any other record type. The first payload byte selects a well-known prefix.
func (r Record) URI() (string, bool) {
	if !r.IsURI() || len(r.Payload) < 1 {
		return "", false
	}
	prefix, ok := uriPrefixes[r.Payload[0]]
	if !ok {
		prefix = ""
	}
	return prefix + string(r.Payload[1:]), true
}

// uriPrefixes maps NDEF URI identifier codes to their expansion
// (NFC Forum URI Record Type Definition).
var uriPrefixes = map[byte]string{
	0x00: "",
	0x01: "http://www.",
	0x02: "https://www.",
	0x03: "http://",
	0x04: "https://",
	0x05: "tel:",
	0x06: "mailto:",
	0x07: "ftp://anonymous:anonymous@",
	0x08: "ftp://ftp.",
	0x09: "ftps://",
	0x0A: "sftp://",
	0x0B: "smb://",
	0x0C: "nfs://",
	0x0D: "ftp://",
	0x0E: "dav://",
	0x0F: "news:",
	0x10: "telnet://",
	0x11: "imap:",
	0x12: "rtsp://",
	0x13: "urn:",
	0x14: "pop:",
	0x15: "sip:",
	0x16: "sips:",
	0x17: "tftp:",
	0x18: "btspp://",
	0x19: "btl2cap://",
	0x1A: "btgoep://",
	0x1B: "tcpobex://",
	0x1C: "irdaobex://",
	0x1D: "file://",
	0x1E: "urn:epc:id:",
	0x1F: "urn:epc:tag:",
	0x20: "urn:epc:pat:",
	0x21: "urn:epc:raw:",
	0x22: "urn:epc:",
	0x23: "urn:nfc:",
}

// ParseRecords parses raw NDEF message bytes into the ordered record
// sequence. An empty message yields no records. A truncated header, type,
// length, ID or payload field is malformed.
func ParseRecords(msg []byte) ([]Record, error) {
	const op = "ParseRecords"

	if len(msg) == 0 {
		return nil, nil
	}

	var records []Record
	offset := 0

	for offset < len(msg) {
		header := msg[offset]
		me := (header & 0x40) != 0 // Message End
		sr := (header & 0x10) != 0 // Short Record
		il := (header & 0x08) != 0 // ID Length Present

		currentPos := offset + 1

		if currentPos+1 > len(msg) {
			return nil, NewMalformedDataError(op, "truncated type length at offset %d", currentPos-1)
		}
		typeLength := int(msg[currentPos])
		currentPos++

		var payloadLength int
		if sr {
			if currentPos+1 > len(msg) {
				return nil, NewMalformedDataError(op, "truncated short payload length at offset %d", currentPos-1)
			}
			payloadLength = int(msg[currentPos])
			currentPos++
		} else {
			if currentPos+4 > len(msg) {
				return nil, NewMalformedDataError(op, "truncated payload length at offset %d", currentPos-1)
			}
			payloadLength = int(binary.BigEndian.Uint32(msg[currentPos : currentPos+4]))
			currentPos += 4
		}

		var idLength int
		if il {
			if currentPos+1 > len(msg) {
				return nil, NewMalformedDataError(op, "truncated ID length at offset %d", currentPos-1)
			}
			idLength = int(msg[currentPos])
			currentPos++
		}

		if currentPos+typeLength > len(msg) {
			return nil, NewMalformedDataError(op, "truncated type field at offset %d", currentPos-1)
		}
		recordType := string(msg[currentPos : currentPos+typeLength])
		currentPos += typeLength

		// The ID field is not surfaced, but it still has to be walked over.
		if il {
			if currentPos+idLength > len(msg) {
				return nil, NewMalformedDataError(op, "truncated ID field at offset %d", currentPos-1)
			}
			currentPos += idLength
		}

		if currentPos+payloadLength > len(msg) {
			return nil, NewMalformedDataError(op, "truncated payload at offset %d", currentPos-1)
		}
		payload := make([]byte, payloadLength)
		copy(payload, msg[currentPos:currentPos+payloadLength])
		currentPos += payloadLength

		records = append(records, Record{Type: recordType, Payload: payload})
		offset = currentPos

		if me {
			break
		}
	}

	return records, nil
}

// Tag is an immutable snapshot of a detected tag: its canonical uppercase hex
// identifier, the declared data-area capacity, and the decoded NDEF records.
// It is constructed once per insertion and dropped on removal.
type Tag struct {
	UID      string
	Capacity int
	Records  []Record
}

// DecodeTag decodes the raw data-area bytes of a tag into a Tag. A nil or
// empty memory image (tags without an NDEF capability container) yields a Tag
// with no records; an undecodable TLV/NDEF structure is malformed.
func DecodeTag(uid string, mem []byte, capacity int) (*Tag, error) {
	tag := &Tag{
		UID:      strings.ToUpper(uid),
		Capacity: capacity,
	}
	if len(mem) == 0 {
		return tag, nil
	}

	msg, err := ExtractNDEF(mem, capacity)
	if err != nil {
		return nil, err
	}

	records, err := ParseRecords(msg)
	if err != nil {
		return nil, err
	}
	tag.Records = records
	return tag, nil
}
