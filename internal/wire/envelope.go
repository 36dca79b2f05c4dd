// Package wire defines the chat envelope and its newline-delimited JSON
// encoding. Every frame on the wire is one JSON object holding exactly one
// variant, keyed by its tag, followed by a single '\n':
//
//	{"join":{"author":"alice"}}
//	{"chat":{"author":"alice","body":"hi","timestamp":"10:00 AM",...}}
//
// Attachment and avatar bytes travel inline as base64 strings.
package wire

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which variant an Envelope carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindChat
	KindNotice
	KindJoin
	KindLeave
	KindPresence
)

// Variant tags used as the top-level JSON key.
const (
	tagChat     = "chat"
	tagNotice   = "notice"
	tagJoin     = "join"
	tagLeave    = "leave"
	tagPresence = "presence"
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return tagChat
	case KindNotice:
		return tagNotice
	case KindJoin:
		return tagJoin
	case KindLeave:
		return tagLeave
	case KindPresence:
		return tagPresence
	default:
		return "invalid"
	}
}

// StatusOnline is the presence status the relay assigns on Join.
const StatusOnline = "online"

// Chat is a user-authored message. ID and AvatarID are generated by the
// sending client so UIs can key image caches; the relay ignores them.
type Chat struct {
	Author     string `json:"author"`
	Body       string `json:"body"`
	Attachment []byte `json:"attachment,omitempty"`
	Avatar     []byte `json:"avatar,omitempty"`
	Timestamp  string `json:"timestamp"`
	ID         string `json:"id"`
	AvatarID   string `json:"avatar_id"`
}

// SystemNotice is informational text authored by the relay.
type SystemNotice struct {
	Text string `json:"text"`
}

// Join declares that Author is now present in the room.
type Join struct {
	Author string `json:"author"`
}

// Leave declares that Author is departing.
type Leave struct {
	Author        string `json:"author"`
	OriginAddress string `json:"origin_address"`
}

// Presence is the relay's full name -> status table. A receiver replaces
// whatever snapshot it held before.
type Presence struct {
	Snapshot map[string]string `json:"snapshot"`
}

// Envelope is the closed tagged union exchanged over the wire. Exactly one
// field is non-nil in a valid envelope; use Kind to switch on it.
type Envelope struct {
	Chat     *Chat         `json:"chat,omitempty"`
	Notice   *SystemNotice `json:"notice,omitempty"`
	Join     *Join         `json:"join,omitempty"`
	Leave    *Leave        `json:"leave,omitempty"`
	Presence *Presence     `json:"presence,omitempty"`
}

// Kind reports the variant held by e, or KindInvalid when zero or more
// than one variant is set.
func (e Envelope) Kind() Kind {
	kind := KindInvalid
	set := 0
	if e.Chat != nil {
		kind, set = KindChat, set+1
	}
	if e.Notice != nil {
		kind, set = KindNotice, set+1
	}
	if e.Join != nil {
		kind, set = KindJoin, set+1
	}
	if e.Leave != nil {
		kind, set = KindLeave, set+1
	}
	if e.Presence != nil {
		kind, set = KindPresence, set+1
	}
	if set != 1 {
		return KindInvalid
	}
	return kind
}

// IsControl reports whether e is a Join or Leave.
func (e Envelope) IsControl() bool {
	kind := e.Kind()
	return kind == KindJoin || kind == KindLeave
}

// IsRelayAuthored reports whether e is a variant only the relay may send.
func (e Envelope) IsRelayAuthored() bool {
	kind := e.Kind()
	return kind == KindNotice || kind == KindPresence
}

// NewChat builds a chat envelope stamped with fresh ids and the local
// wall-clock time.
func NewChat(author, body string, attachment, avatar []byte) Envelope {
	return Envelope{Chat: &Chat{
		Author:     author,
		Body:       body,
		Attachment: attachment,
		Avatar:     avatar,
		Timestamp:  time.Now().Format("03:04 PM"),
		ID:         uuid.NewString(),
		AvatarID:   uuid.NewString(),
	}}
}

func NewNotice(text string) Envelope {
	return Envelope{Notice: &SystemNotice{Text: text}}
}

func NewJoin(author string) Envelope {
	return Envelope{Join: &Join{Author: author}}
}

func NewLeave(author, originAddress string) Envelope {
	return Envelope{Leave: &Leave{Author: author, OriginAddress: originAddress}}
}

// NewPresence wraps a copy of snapshot.
func NewPresence(snapshot map[string]string) Envelope {
	copied := make(map[string]string, len(snapshot))
	maps.Copy(copied, snapshot)
	return Envelope{Presence: &Presence{Snapshot: copied}}
}
