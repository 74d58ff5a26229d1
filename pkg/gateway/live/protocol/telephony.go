package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Telephony media streams carry 8 kHz mono mulaw audio, base64-encoded in
// JSON frames keyed by "event" rather than "type".
const (
	TelephonyEncoding     = "audio/x-mulaw"
	TelephonySampleRateHz = 8000
)

// ---- telephony inbound frames ----

type TelephonyConnected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// TelephonyStart identifies the stream. The tenant arrives in the bridge's
// custom parameters, not in a signed token.
type TelephonyStart struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Start     TelephonyStartBody `json:"start"`
}

type TelephonyStartBody struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      TelephonyFormat   `json:"mediaFormat"`
}

type TelephonyFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TelephonyMedia struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     TelephonyMediaBody `json:"media"`
}

type TelephonyMediaBody struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TelephonyStop struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type TelephonyMarkEcho struct {
	Event     string            `json:"event"`
	StreamSid string            `json:"streamSid"`
	Mark      TelephonyMarkBody `json:"mark"`
}

// DecodeTelephonyMessage decodes one media-stream frame by its event tag.
func DecodeTelephonyMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case "connected":
		var msg TelephonyConnected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		return msg, nil
	case "start":
		var msg TelephonyStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if strings.TrimSpace(msg.Start.StreamSid) == "" {
			msg.Start.StreamSid = msg.StreamSid
		}
		if strings.TrimSpace(msg.Start.StreamSid) == "" {
			return nil, badRequest("start.streamSid is required", "streamSid")
		}
		return msg, nil
	case "media":
		var msg TelephonyMedia
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if strings.TrimSpace(msg.Media.Payload) == "" {
			return nil, badRequest("media.payload is required", "payload")
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Media.Payload); err != nil {
			return nil, badRequest("media.payload must be base64", "payload")
		}
		return msg, nil
	case "stop":
		var msg TelephonyStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	case "mark":
		var msg TelephonyMarkEcho
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported event", "event")
	}
}

// ---- telephony outbound frames ----

// TelephonyOutMedia carries reply audio back on the stream. The streamSid
// always echoes the inbound stream's identifier.
type TelephonyOutMedia struct {
	Event     string                `json:"event"`
	StreamSid string                `json:"streamSid"`
	Media     TelephonyOutMediaBody `json:"media"`
}

type TelephonyOutMediaBody struct {
	Payload string `json:"payload"`
}

type TelephonyOutMark struct {
	Event     string            `json:"event"`
	StreamSid string            `json:"streamSid"`
	Mark      TelephonyMarkBody `json:"mark"`
}

type TelephonyMarkBody struct {
	Name string `json:"name"`
}

// TelephonyOutClear tells the bridge to flush buffered audio (barge-in).
type TelephonyOutClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func NewTelephonyMedia(streamSid string, payload []byte) TelephonyOutMedia {
	return TelephonyOutMedia{
		Event:     "media",
		StreamSid: streamSid,
		Media:     TelephonyOutMediaBody{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
}

func NewTelephonyMark(streamSid, name string) TelephonyOutMark {
	return TelephonyOutMark{Event: "mark", StreamSid: streamSid, Mark: TelephonyMarkBody{Name: name}}
}

func NewTelephonyClear(streamSid string) TelephonyOutClear {
	return TelephonyOutClear{Event: "clear", StreamSid: streamSid}
}
