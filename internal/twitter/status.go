package twitter

import (
	"encoding/json"
	"fmt"
)

// User is the subset of a post author the pipeline needs.
type User struct {
	IDStr      string `json:"id_str"`
	ScreenName string `json:"screen_name"`
}

// Status is one post delivered by the stream. Raw holds the message exactly
// as received so it can be persisted verbatim.
type Status struct {
	IDStr string `json:"id_str"`
	Text  string `json:"text"`
	User  User   `json:"user"`

	Raw json.RawMessage `json:"-"`
}

// message is the envelope used to tell posts from control messages.
type message struct {
	IDStr      string          `json:"id_str"`
	User       *User           `json:"user"`
	Limit      json.RawMessage `json:"limit"`
	Delete     json.RawMessage `json:"delete"`
	Disconnect *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"disconnect"`
	Warning json.RawMessage `json:"warning"`
}

// decodeStatus parses a stream line. ok is false for control messages
// (limit, delete, warning, disconnect notices), which carry no author.
func decodeStatus(line []byte) (st Status, msg message, ok bool, err error) {
	if err := json.Unmarshal(line, &msg); err != nil {
		return Status{}, message{}, false, fmt.Errorf("decoding stream message: %w", err)
	}
	if msg.User == nil || msg.IDStr == "" {
		return Status{}, msg, false, nil
	}
	if err := json.Unmarshal(line, &st); err != nil {
		return Status{}, msg, false, fmt.Errorf("decoding status: %w", err)
	}
	st.Raw = append(json.RawMessage(nil), line...)
	return st, msg, true, nil
}
