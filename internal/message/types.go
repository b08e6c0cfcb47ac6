package message

import (
	"tweetstream/internal/util"
)

// Kind names a Message variant.
type Kind string

const (
	KindTweet         Kind = "tweet"
	KindDirectMessage Kind = "direct_message"
	KindEvent         Kind = "event"
	KindFriends       Kind = "friends"
	KindDelete        Kind = "delete"
	KindStallWarning  Kind = "warning"
	KindLimit         Kind = "limit"
	KindDisconnect    Kind = "disconnect"
	KindForUser       Kind = "for_user"
	KindList          Kind = "list"
	KindUser          Kind = "user"
	KindControl       Kind = "control"
)

// Message is the closed set of values the dispatcher produces.
type Message interface {
	Kind() Kind
	isMessage()
}

// User is the minimal user record carried by tweets and events.
type User struct {
	ID         int64
	ScreenName string
	Name       string
	Raw        Envelope
}

type Tweet struct {
	ID        int64
	Text      string
	CreatedAt string
	User      *User
	Raw       Envelope
}

type DirectMessage struct {
	ID          int64
	Text        string
	SenderID    int64
	RecipientID int64
	Raw         Envelope
}

type List struct {
	ID   int64
	Slug string
	Name string
	Raw  Envelope
}

// Event is a user-stream activity such as favorite or follow.
type Event struct {
	Name         string
	Source       *User
	Target       *User
	TargetObject Message // nil when the event has none
	CreatedAt    string
	Raw          Envelope
}

// FriendList arrives once, first thing on a user or site stream.
type FriendList struct {
	IDs []int64
}

type DeletedTweet struct {
	ID     int64
	UserID int64
}

type StallWarning struct {
	Code        string
	Message     string
	PercentFull int
}

// Limit reports how many matching tweets were withheld from a filtered
// stream since the connection opened.
type Limit struct {
	Track int64
}

// Disconnect is the server announcing it is about to close the stream.
type Disconnect struct {
	Code       int
	StreamName string
	Reason     string
}

// ForUser wraps a site-stream message addressed to one followed user.
type ForUser struct {
	UserID  int64
	Message Message
}

// Control is any envelope no other variant claims: keep-alives, control
// metadata, and shapes added to the protocol later.
type Control struct {
	Raw Envelope
}

// ControlURI returns the site-stream control path announced in-band.
func (c *Control) ControlURI() string {
	ctl, ok := c.Raw.Map("control")
	if !ok {
		return ""
	}
	return util.StringFrom(ctl["control_uri"])
}

func (*User) Kind() Kind          { return KindUser }
func (*Tweet) Kind() Kind         { return KindTweet }
func (*DirectMessage) Kind() Kind { return KindDirectMessage }
func (*List) Kind() Kind          { return KindList }
func (*Event) Kind() Kind         { return KindEvent }
func (*FriendList) Kind() Kind    { return KindFriends }
func (*DeletedTweet) Kind() Kind  { return KindDelete }
func (*StallWarning) Kind() Kind  { return KindStallWarning }
func (*Limit) Kind() Kind         { return KindLimit }
func (*Disconnect) Kind() Kind    { return KindDisconnect }
func (*ForUser) Kind() Kind       { return KindForUser }
func (*Control) Kind() Kind       { return KindControl }

func (*User) isMessage()          {}
func (*Tweet) isMessage()         {}
func (*DirectMessage) isMessage() {}
func (*List) isMessage()          {}
func (*Event) isMessage()         {}
func (*FriendList) isMessage()    {}
func (*DeletedTweet) isMessage()  {}
func (*StallWarning) isMessage()  {}
func (*Limit) isMessage()         {}
func (*Disconnect) isMessage()    {}
func (*ForUser) isMessage()       {}
func (*Control) isMessage()       {}
