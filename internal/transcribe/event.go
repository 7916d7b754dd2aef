package transcribe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType tags a decoded inbound message.
type EventType string

const (
	EventTranscript EventType = "transcript"
	EventError      EventType = "error"
)

// ErrUnknownShape is returned for inbound messages matching no accepted shape.
var ErrUnknownShape = errors.New("unknown transcript message shape")

// Event is the canonical form of every inbound transcription message.
type Event struct {
	Type    EventType
	Text    string
	IsFinal bool
	Err     error
}

// wireMessage is the union of all accepted inbound shapes:
//
//	{"transcript": "...", "isFinal": true}
//	{"results": [{"alternatives": [{"transcript": "..."}]}], "isFinal": false}
//	{"error": "..."}
type wireMessage struct {
	Transcript *string       `json:"transcript"`
	IsFinal    bool          `json:"isFinal"`
	Results    []wireResult  `json:"results"`
	Error      *wireErrorVal `json:"error"`
}

type wireResult struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
	} `json:"alternatives"`
	IsFinal bool `json:"isFinal"`
}

// wireErrorVal accepts the error as a string or as an object with a message.
type wireErrorVal struct {
	msg string
}

func (w *wireErrorVal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		w.msg = s
		return nil
	}
	var obj struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	w.msg = obj.Message
	if w.msg == "" && obj.Code != nil {
		w.msg = fmt.Sprint(obj.Code)
	}
	return nil
}

// DecodeEvent decodes one inbound JSON message at the transport boundary.
func DecodeEvent(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("decode transcript message: %w", err)
	}

	switch {
	case msg.Error != nil:
		text := msg.Error.msg
		if text == "" {
			text = "transcription backend error"
		}
		return Event{Type: EventError, Err: errors.New(text)}, nil
	case msg.Transcript != nil:
		return Event{Type: EventTranscript, Text: strings.TrimSpace(*msg.Transcript), IsFinal: msg.IsFinal}, nil
	case len(msg.Results) > 0:
		return fromResults(msg), nil
	}
	return Event{}, ErrUnknownShape
}

func fromResults(msg wireMessage) Event {
	parts := make([]string, 0, len(msg.Results))
	final := msg.IsFinal
	for _, r := range msg.Results {
		if r.IsFinal {
			final = true
		}
		if len(r.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return Event{Type: EventTranscript, Text: strings.Join(parts, " "), IsFinal: final}
}
