package browser

import "encoding/json"

// Message types exchanged as JSON text frames. Binary frames carry s16le PCM:
// microphone audio from the browser, playback audio to it.
const (
	// Browser → server.
	TypeStart       = "start"
	TypeStop        = "stop"
	TypeInputOpened = "input_opened"
	TypeInputError  = "input_error"

	// Server → browser.
	TypeOpenInput   = "open_input"
	TypeCloseInput  = "close_input"
	TypeOpenOutput  = "open_output"
	TypeCloseOutput = "close_output"
)

// Command is a user action forwarded from the browser, such as pressing the
// start or stop button.
type Command struct {
	Type string
}

// envelope is the common shape of every text frame. Fields irrelevant to a
// given type are omitted.
type envelope struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Error      string `json:"error,omitempty"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
