// Package live defines the realtime transport used by voice sessions.
//
// A [Transport] opens a [Conn]: a persistent bidirectional stream to a remote
// model. The caller pushes microphone audio with [Conn.SendInput] and consumes
// a single channel of tagged [Event] values. Exactly one terminal event
// (EventClosed or EventError) is delivered, after which the channel closes.
// No terminal event is delivered for a Conn closed locally with [Conn.Close].
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"fmt"
)

// InputMIMEType is the MIME type of microphone chunks: 16 kHz s16le mono.
const InputMIMEType = "audio/pcm;rate=16000"

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Config is the initialisation payload of a session.
type Config struct {
	// Model identifies the remote model. Empty selects the transport default.
	Model string

	// Modalities lists the desired response modalities.
	Modalities []Modality

	// Voice is the prebuilt voice the model speaks with, e.g. "Puck".
	Voice string

	// Instructions is the system instruction for the conversation.
	Instructions string
}

// Chunk is one block of realtime input.
type Chunk struct {
	// Data is the base64-encoded payload.
	Data string

	// MIMEType describes the decoded payload, e.g. [InputMIMEType].
	MIMEType string
}

// Message is one inbound server message. Voice sessions only inspect the
// audio payload and the interruption flag.
type Message struct {
	// AudioBase64 is a base64-encoded PCM chunk, empty when the message
	// carries no audio.
	AudioBase64 string

	// AudioMIMEType is the MIME type of the audio payload.
	AudioMIMEType string

	// Interrupted reports that the user started speaking over the model.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// InputTranscript and OutputTranscript carry optional transcriptions.
	InputTranscript  string
	OutputTranscript string
}

// EventType tags an [Event].
type EventType int

const (
	// EventOpened is delivered once the remote side accepted the session.
	EventOpened EventType = iota + 1
	// EventMessage carries a server [Message].
	EventMessage
	// EventClosed reports that the remote side closed the session normally.
	EventClosed
	// EventError reports a transport-level failure. Err is set.
	EventError
)

// String returns the lower-case event name.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one item of the inbound event stream.
type Event struct {
	Type    EventType
	Message *Message // set for EventMessage
	Err     error    // set for EventError
}

// Conn is an open realtime session.
type Conn interface {
	// Events returns the inbound event stream. It is closed after the
	// terminal event or after Close.
	Events() <-chan Event

	// SendInput delivers one chunk of realtime input. There is no
	// acknowledgment. Returns an error if the session is closed or the write
	// fails.
	SendInput(chunk Chunk) error

	// Close terminates the session. It is safe to call more than once.
	Close() error
}

// Transport opens realtime sessions.
type Transport interface {
	// Open dials the remote service and sends cfg. It returns once the
	// initialisation request has been sent; acceptance is signalled by
	// EventOpened. Returns [provider.ErrConfigurationMissing] without any
	// network activity when no credential is configured.
	Open(ctx context.Context, cfg Config) (Conn, error)
}
