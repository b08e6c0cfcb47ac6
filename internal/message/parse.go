package message

import (
	"tweetstream/internal/util"
)

// rule is one structural predicate. Rules are evaluated in order and the
// first match builds the message; several shapes are supersets of others
// (an event or a deletion may carry an id), so the order is part of the
// contract.
type rule struct {
	kind  Kind
	match func(Envelope) bool
	build func(Envelope) Message
}

var rules []rule

func init() {
	rules = []rule{
		{KindDelete, isDeletedTweet, buildDeletedTweet},
		{KindStallWarning, has("warning"), buildStallWarning},
		{KindFriends, isFriendList, buildFriendList},
		{KindDirectMessage, has("direct_message"), buildDirectMessage},
		{KindEvent, has("event"), buildEvent},
		{KindForUser, isForUser, buildForUser},
		{KindLimit, has("limit"), buildLimit},
		{KindDisconnect, has("disconnect"), buildDisconnect},
		{KindTweet, has("id"), buildTweet},
	}
}

// Parse classifies env. It never fails: an envelope no rule matches is a
// *Control.
func Parse(env Envelope) Message {
	for _, r := range rules {
		if r.match(env) {
			return r.build(env)
		}
	}
	return &Control{Raw: env}
}

// ParseRecord decodes and classifies one raw record.
func ParseRecord(raw []byte) (Message, error) {
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Parse(env), nil
}

func has(key string) func(Envelope) bool {
	return func(env Envelope) bool { return env.Has(key) }
}

func isDeletedTweet(env Envelope) bool {
	del, ok := env.Map("delete")
	if !ok {
		return false
	}
	status, ok := del.Map("status")
	if !ok {
		return false
	}
	_, ok = idOf(status)
	return ok
}

func buildDeletedTweet(env Envelope) Message {
	del, _ := env.Map("delete")
	status, _ := del.Map("status")
	id, _ := idOf(status)
	userID, ok := util.Int64From(status["user_id_str"])
	if !ok {
		userID, _ = util.Int64From(status["user_id"])
	}
	return &DeletedTweet{ID: id, UserID: userID}
}

func buildStallWarning(env Envelope) Message {
	w, _ := env.Map("warning")
	return &StallWarning{
		Code:        util.StringFrom(w["code"]),
		Message:     util.StringFrom(w["message"]),
		PercentFull: util.IntFrom(w["percent_full"]),
	}
}

func isFriendList(env Envelope) bool {
	if _, ok := env["friends"].([]any); ok {
		return true
	}
	_, ok := env["friends_str"].([]any)
	return ok
}

func buildFriendList(env Envelope) Message {
	ids, ok := util.Int64s(env["friends"])
	if !ok {
		ids, _ = util.Int64s(env["friends_str"])
	}
	return &FriendList{IDs: ids}
}

func buildDirectMessage(env Envelope) Message {
	dm, _ := env.Map("direct_message")
	id, _ := idOf(dm)
	sender, _ := util.Int64From(dm["sender_id"])
	recipient, _ := util.Int64From(dm["recipient_id"])
	return &DirectMessage{
		ID:          id,
		Text:        util.StringFrom(dm["text"]),
		SenderID:    sender,
		RecipientID: recipient,
		Raw:         dm,
	}
}

func buildEvent(env Envelope) Message {
	ev := &Event{
		Name:      util.StringFrom(env["event"]),
		Source:    userFrom(env["source"]),
		Target:    userFrom(env["target"]),
		CreatedAt: util.StringFrom(env["created_at"]),
		Raw:       env,
	}
	if obj, ok := asEnvelope(env["target_object"]); ok {
		ev.TargetObject = parseTarget(obj)
	}
	return ev
}

// parseTarget classifies an event's target_object. Lists are recognised
// first since they also carry an id.
func parseTarget(obj Envelope) Message {
	if obj.Has("slug") && (obj.Has("member_count") || obj.Has("mode")) {
		id, _ := idOf(obj)
		return &List{
			ID:   id,
			Slug: util.StringFrom(obj["slug"]),
			Name: util.StringFrom(obj["name"]),
			Raw:  obj,
		}
	}
	return Parse(obj)
}

func isForUser(env Envelope) bool {
	return env.Has("for_user") && env.Has("message")
}

func buildForUser(env Envelope) Message {
	uid, _ := util.Int64From(env["for_user"])
	out := &ForUser{UserID: uid}
	if inner, ok := asEnvelope(env["message"]); ok {
		out.Message = Parse(inner)
	} else {
		out.Message = &Control{Raw: Envelope{"message": env["message"]}}
	}
	return out
}

func buildLimit(env Envelope) Message {
	l, _ := env.Map("limit")
	track, _ := util.Int64From(l["track"])
	return &Limit{Track: track}
}

func buildDisconnect(env Envelope) Message {
	d, _ := env.Map("disconnect")
	return &Disconnect{
		Code:       util.IntFrom(d["code"]),
		StreamName: util.StringFrom(d["stream_name"]),
		Reason:     util.StringFrom(d["reason"]),
	}
}

func buildTweet(env Envelope) Message {
	id, _ := idOf(env)
	text := util.StringFrom(env["text"])
	if text == "" {
		text = util.StringFrom(env["full_text"])
	}
	return &Tweet{
		ID:        id,
		Text:      text,
		CreatedAt: util.StringFrom(env["created_at"]),
		User:      userFrom(env["user"]),
		Raw:       env,
	}
}

func userFrom(v any) *User {
	u, ok := asEnvelope(v)
	if !ok {
		return nil
	}
	id, _ := idOf(u)
	return &User{
		ID:         id,
		ScreenName: util.StringFrom(u["screen_name"]),
		Name:       util.StringFrom(u["name"]),
		Raw:        u,
	}
}

// idOf prefers id_str, which is exact even when a producer emitted the
// numeric id as a float.
func idOf(env Envelope) (int64, bool) {
	if id, ok := util.Int64From(env["id_str"]); ok {
		return id, true
	}
	return util.Int64From(env["id"])
}
