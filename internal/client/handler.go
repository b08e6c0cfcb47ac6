package client

import "tweetstream/internal/message"

// Handler receives every message of a stream, one at a time, on the
// goroutine that opened the stream.
type Handler interface {
	HandleMessage(msg message.Message)
}

type HandlerFunc func(msg message.Message)

func (f HandlerFunc) HandleMessage(msg message.Message) { f(msg) }

// ControlChannelHandler is implemented by handlers that want the control
// channel a site stream announces.
type ControlChannelHandler interface {
	HandleControlChannel(cc *ControlChannel)
}

// Handlers routes each message to the typed callback for its kind. Kinds
// without a callback go to Default, if set.
type Handlers struct {
	Tweet          func(*message.Tweet)
	DirectMessage  func(*message.DirectMessage)
	Event          func(*message.Event)
	Friends        func(*message.FriendList)
	Delete         func(*message.DeletedTweet)
	StallWarning   func(*message.StallWarning)
	Limit          func(*message.Limit)
	Disconnect     func(*message.Disconnect)
	ForUser        func(*message.ForUser)
	Control        func(*message.Control)
	ControlChannel func(*ControlChannel)
	Default        func(message.Message)
}

func (h *Handlers) HandleMessage(msg message.Message) {
	switch m := msg.(type) {
	case *message.Tweet:
		if h.Tweet != nil {
			h.Tweet(m)
			return
		}
	case *message.DirectMessage:
		if h.DirectMessage != nil {
			h.DirectMessage(m)
			return
		}
	case *message.Event:
		if h.Event != nil {
			h.Event(m)
			return
		}
	case *message.FriendList:
		if h.Friends != nil {
			h.Friends(m)
			return
		}
	case *message.DeletedTweet:
		if h.Delete != nil {
			h.Delete(m)
			return
		}
	case *message.StallWarning:
		if h.StallWarning != nil {
			h.StallWarning(m)
			return
		}
	case *message.Limit:
		if h.Limit != nil {
			h.Limit(m)
			return
		}
	case *message.Disconnect:
		if h.Disconnect != nil {
			h.Disconnect(m)
			return
		}
	case *message.ForUser:
		if h.ForUser != nil {
			h.ForUser(m)
			return
		}
	case *message.Control:
		if h.Control != nil {
			h.Control(m)
			return
		}
	}
	if h.Default != nil {
		h.Default(msg)
	}
}

func (h *Handlers) HandleControlChannel(cc *ControlChannel) {
	if h.ControlChannel != nil {
		h.ControlChannel(cc)
	}
}
