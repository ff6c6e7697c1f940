package models

// Reply is the assistant's answer to one message. An empty Text is a
// successful but empty reply, distinct from a failed request.
type Reply struct {
	Text string `json:"reply"`
}
