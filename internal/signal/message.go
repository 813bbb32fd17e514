package signal

import "encoding/json"

// Type tags a signaling message. Unknown types are rejected at the relay
// boundary rather than passed through untyped.
type Type string

const (
	// TypeReady is pushed by the server immediately after a peer's event
	// channel opens. It carries no protocol meaning.
	TypeReady Type = "ready"
	// TypePing is the periodic liveness pulse. It carries no protocol
	// meaning and must be ignored by the negotiation engine.
	TypePing Type = "ping"

	TypePeerJoined Type = "peer-joined"
	TypePeerLeft   Type = "peer-left"
	TypeOffer      Type = "offer"
	TypeAnswer     Type = "answer"
	TypeCandidate  Type = "candidate"
)

// Known reports whether t is a message type this protocol understands.
func (t Type) Known() bool {
	switch t {
	case TypeReady, TypePing, TypePeerJoined, TypePeerLeft, TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// ServerPeer is the sender id used for messages originated by the server
// itself rather than relayed from a peer.
const ServerPeer = "server"

// Message is the envelope for all signaling traffic. An empty To means
// room-scoped broadcast except the sender.
type Message struct {
	Type    Type            `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Description is the payload of offer and answer messages: a session
// description in the shape browsers produce ({type, sdp}).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the payload of candidate messages: a discovered network
// path, in the shape of an ICE candidate init dictionary.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NewOffer builds an offer message addressed to a single peer.
func NewOffer(from, to, sdp string) Message {
	return describe(TypeOffer, from, to, Description{Type: "offer", SDP: sdp})
}

// NewAnswer builds an answer message addressed to a single peer.
func NewAnswer(from, to, sdp string) Message {
	return describe(TypeAnswer, from, to, Description{Type: "answer", SDP: sdp})
}

// NewCandidate builds a candidate message addressed to a single peer.
func NewCandidate(from, to string, c Candidate) Message {
	payload, _ := json.Marshal(c)
	return Message{Type: TypeCandidate, From: from, To: to, Payload: payload}
}

// Ready is the channel-open announcement.
func Ready() Message {
	return Message{Type: TypeReady, From: ServerPeer}
}

// PeerJoined announces that a peer was admitted to the room.
func PeerJoined(peer string) Message {
	return Message{Type: TypePeerJoined, From: peer}
}

// PeerLeft announces that a peer's channel terminated.
func PeerLeft(peer string) Message {
	return Message{Type: TypePeerLeft, From: peer}
}

func describe(t Type, from, to string, d Description) Message {
	payload, _ := json.Marshal(d)
	return Message{Type: t, From: from, To: to, Payload: payload}
}

// DecodeDescription parses an offer/answer payload.
func DecodeDescription(m Message) (Description, error) {
	var d Description
	err := json.Unmarshal(m.Payload, &d)
	return d, err
}

// DecodeCandidate parses a candidate payload.
func DecodeCandidate(m Message) (Candidate, error) {
	var c Candidate
	err := json.Unmarshal(m.Payload, &c)
	return c, err
}
