package client

const (
	SamplePath     = "/statuses/sample.json"
	FirehosePath   = "/statuses/firehose.json"
	FilterPath     = "/statuses/filter.json"
	UserPath       = "/user.json"
	SitePath       = "/site.json"
	AddUserPath    = "/add_user.json"
	RemoveUserPath = "/remove_user.json"
	InfoPath       = "/info.json"
	FriendsIDPath  = "/friends/ids.json"
)

var BaseHeaders = map[string]string{
	"User-Agent":     "tweetstream/1.0",
	"Accept":         "application/json",
	"accept-charset": "UTF-8",
}

const (
	// MaxUsersPerControlRequest is the most ids one add/remove call carries.
	MaxUsersPerControlRequest = 100
	controlConcurrency        = 4
	maxControlBody            = 64 * 1024
)
