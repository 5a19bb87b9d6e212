package messaging

import "encoding/json"

// Envelope is the over-the-wire application message, signed as a
// whole minus the Signature field. Hops is an unsigned wrapper field: it
// does not participate in canonical encoding and exists only so a SERVER
// node can track and cap opportunistic re-publication
// without invalidating the signature receivers verify.
type Envelope struct {
	MessageID      string `json:"messageId"`
	FromAgentID    string `json:"fromAgentId"`
	ToAgentID      string `json:"toAgentId,omitempty"`
	Content        []byte `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          int64  `json:"nonce"`
	ConversationID string `json:"conversationId,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
	Signature      []byte `json:"signature,omitempty"`
}

// wireWrapper is the outer object published on agent-messages/node-status:
// "{ message: envelope }" with an additive, unsigned hop counter.
type wireWrapper struct {
	Message Envelope `json:"message"`
	Hops    int      `json:"hops,omitempty"`
}

// canonical returns the canonical JSON encoding of env with Signature
// cleared, the exact bytes Sign/Verify operate over.
func canonical(env Envelope) ([]byte, error) {
	env.Signature = nil
	return json.Marshal(env)
}

// encodeWire wraps env in the outer "{ message: ... }" object and marshals
// it for publication.
func encodeWire(env Envelope, hops int) ([]byte, error) {
	return json.Marshal(wireWrapper{Message: env, Hops: hops})
}

// decodeWire parses a raw pubsub payload back into its envelope and hop count.
func decodeWire(data []byte) (Envelope, int, error) {
	var w wireWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, 0, err
	}
	return w.Message, w.Hops, nil
}
