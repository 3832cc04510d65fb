// Package relay defines the wire events exchanged between the chat endpoint
// and its stream consumers, plus a client-side consumer that drives the
// send/stream/pause lifecycle.
package relay

// Event type discriminators carried in the "type" field of each stream event.
const (
	// EventUserMessageID is emitted exactly once, before any content, and
	// carries the store-assigned identifier of the just-persisted user turn.
	EventUserMessageID = "user_message_id"
	// EventContentBlockDelta carries one incremental text fragment.
	EventContentBlockDelta = "content_block_delta"
)

// DoneSentinel terminates a complete stream. A stream that closes without it
// must be treated as potentially incomplete.
const DoneSentinel = "[DONE]"

// Delta is the payload of a content_block_delta event.
type Delta struct {
	Text string `json:"text"`
}

// Event is the envelope for every data line in the outbound stream.
type Event struct {
	Type          string `json:"type"`
	UserMessageID string `json:"userMessageId,omitempty"`
	Delta         *Delta `json:"delta,omitempty"`
}

// UserMessageIDEvent builds the mandatory first event of a stream.
func UserMessageIDEvent(id string) Event {
	return Event{Type: EventUserMessageID, UserMessageID: id}
}

// DeltaEvent builds a content fragment event.
func DeltaEvent(text string) Event {
	return Event{Type: EventContentBlockDelta, Delta: &Delta{Text: text}}
}
