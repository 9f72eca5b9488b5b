package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/dotside-studios/tagbridge/buildinfo"
	"github.com/dotside-studios/tagbridge/nfc"
)

// Availability payloads, matching the Home Assistant convention.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// StatePayload is the retained presence document. TagID is null while no
// tag is present so templates can test it directly.
type StatePayload struct {
	TagID     *string         `json:"tag_id"`
	Present   bool            `json:"present"`
	Timestamp string          `json:"timestamp"`
	Records   []RecordPayload `json:"records,omitempty"`
}

// RecordPayload is one decoded NDEF record. Exactly one of Text, URI or
// Data is set depending on the record type.
type RecordPayload struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
	Data string `json:"data,omitempty"`
}

// buildStatePayload renders the presence state for a possibly-nil tag.
func buildStatePayload(tag *nfc.Tag, now time.Time) ([]byte, error) {
	payload := StatePayload{
		Present:   tag != nil,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if tag != nil {
		uid := tag.UID
		payload.TagID = &uid
		payload.Records = buildRecordPayloads(tag.Records)
	}
	return json.Marshal(payload)
}

func buildRecordPayloads(records []nfc.Record) []RecordPayload {
	if len(records) == 0 {
		return nil
	}

	out := make([]RecordPayload, 0, len(records))
	for _, rec := range records {
		rp := RecordPayload{Type: rec.Type}
		switch {
		case rec.IsText():
			rp.Text, _ = rec.Text()
		case rec.IsURI():
			rp.URI, _ = rec.URI()
		default:
			rp.Data = hex.EncodeToString(rec.Payload)
		}
		out = append(out, rp)
	}
	return out
}

// buildDiscoveryPayload renders the retained Home Assistant discovery
// config for the tag sensor.
func buildDiscoveryPayload(clientID string, topics Topics) ([]byte, error) {
	config := map[string]interface{}{
		"name":                  "NFC Reader Current Tag",
		"unique_id":             clientID + "_current_tag",
		"state_topic":           topics.State(),
		"value_template":        "{{ value_json.tag_id }}",
		"json_attributes_topic": topics.State(),
		"availability_topic":    topics.Availability(),
		"payload_available":     payloadOnline,
		"payload_not_available": payloadOffline,
		"icon":                  "mdi:nfc-variant",
		"device": map[string]interface{}{
			"identifiers":  []string{clientID},
			"name":         buildinfo.DisplayName,
			"model":        buildinfo.Name,
			"manufacturer": "Dotside Studios",
			"sw_version":   buildinfo.Version,
		},
	}
	return json.Marshal(config)
}
