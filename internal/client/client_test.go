package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetstream/internal/auth"
	"tweetstream/internal/config"
	"tweetstream/internal/message"
	"tweetstream/internal/replay"
	"tweetstream/internal/stream"
)

var fastBackoff = config.Backoff{
	Network:   config.Schedule{Initial: time.Millisecond, Step: time.Millisecond, Max: 5 * time.Millisecond},
	RateLimit: config.Schedule{Initial: 2 * time.Millisecond, Step: 2 * time.Millisecond, Max: 10 * time.Millisecond},
	Server:    config.Schedule{Initial: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond},
}

func records(lines ...string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}

func newTestClient(t *testing.T, srv *httptest.Server, signer auth.Signer, opts ...Option) *Client {
	t.Helper()
	base := srv.URL + "/1.1"
	all := append([]Option{
		WithEndpoints(config.Endpoints{Stream: base, UserStream: base, SiteStream: base}),
		WithBackoff(fastBackoff),
		WithDoer(srv.Client()),
	}, opts...)
	return NewClient(signer, all...)
}

func TestSampleDispatchesTypedMessages(t *testing.T) {
	srv := httptest.NewServer(replay.NewServer(records(
		`{"id":1,"text":"hello","user":{"id":10,"screen_name":"a"}}`,
		``,
		`{not json`,
		`{"delete":{"status":{"id":1,"user_id":10}}}`,
		`{"warning":{"code":"FALLING_BEHIND","message":"slow","percent_full":60}}`,
		`{"event":"follow","source":{"id":1},"target":{"id":2}}`,
		`{"limit":{"track":42}}`,
	), replay.Options{ChunkSize: 7, Hold: true}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics, err := stream.NewMetrics(reg)
	require.NoError(t, err)
	c := newTestClient(t, srv, nil, WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var kinds []message.Kind
	var tweet *message.Tweet
	var warning *message.StallWarning
	h := &Handlers{
		Tweet:        func(tw *message.Tweet) { tweet = tw; kinds = append(kinds, tw.Kind()) },
		StallWarning: func(w *message.StallWarning) { warning = w; kinds = append(kinds, w.Kind()) },
		Default: func(m message.Message) {
			kinds = append(kinds, m.Kind())
			if m.Kind() == message.KindLimit {
				cancel()
			}
		},
	}
	err = c.Sample(ctx, h)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []message.Kind{
		message.KindTweet, message.KindDelete, message.KindStallWarning, message.KindEvent, message.KindLimit,
	}, kinds)
	require.NotNil(t, tweet)
	assert.Equal(t, int64(1), tweet.ID)
	assert.Equal(t, "hello", tweet.Text)
	require.NotNil(t, warning)
	assert.Equal(t, "FALLING_BEHIND", warning.Code)
	assert.Equal(t, 60, warning.PercentFull)

	expected := `
# HELP tweetstream_stream_records_total Records extracted from the feed by outcome
# TYPE tweetstream_stream_records_total counter
tweetstream_stream_records_total{feed="sample",outcome="decode_error"} 1
tweetstream_stream_records_total{feed="sample",outcome="delivered"} 5
tweetstream_stream_records_total{feed="sample",outcome="keepalive"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tweetstream_stream_records_total"))
}

func TestFilterPostsFormAndReceivesMatches(t *testing.T) {
	rs := replay.NewServer(records(
		`{"id":1,"text":"Go is fun","user":{"id":10}}`,
		`{"id":2,"text":"unrelated","user":{"id":20}}`,
		`{"id":3,"text":"unrelated","user":{"id":30}}`,
	), replay.Options{Hold: true})
	srv := httptest.NewServer(rs)
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ids []int64
	err := c.Filter(ctx, FilterParams{Track: []string{"go", " "}, Follow: []int64{30}}, &Handlers{
		Tweet: func(tw *message.Tweet) {
			ids = append(ids, tw.ID)
			if len(ids) == 2 {
				cancel()
			}
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 3}, ids)

	reqs := rs.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/1.1/statuses/filter.json", reqs[0].Path)
	assert.Equal(t, "go", reqs[0].Params["track"])
	assert.Equal(t, "30", reqs[0].Params["follow"])
	assert.Equal(t, "true", reqs[0].Params["stall_warnings"])
	assert.NotContains(t, reqs[0].Params, "delimited")
}

func TestFilterValidatesParams(t *testing.T) {
	c := NewClient(nil)
	err := c.Filter(context.Background(), FilterParams{}, HandlerFunc(func(message.Message) {}))
	assert.ErrorIs(t, err, ErrEmptyFilter)

	err = c.Locations(context.Background(), HandlerFunc(func(message.Message) {}), -122.75, 36.8, -121.75)
	assert.ErrorIs(t, err, ErrBadLocations)

	err = c.Site(context.Background(), SiteParams{}, HandlerFunc(func(message.Message) {}))
	assert.ErrorIs(t, err, ErrEmptyFollow)
}

func TestFilterParamsEncoding(t *testing.T) {
	v, err := FilterParams{
		Track:       []string{"a b", "c"},
		Follow:      []int64{1, 2},
		Locations:   []float64{-122.75, 36.8, -121.75, 37.8},
		Language:    []string{"en"},
		FilterLevel: "low",
	}.values()
	require.NoError(t, err)
	assert.Equal(t, "a b,c", v.Get("track"))
	assert.Equal(t, "1,2", v.Get("follow"))
	assert.Equal(t, "-122.75,36.8,-121.75,37.8", v.Get("locations"))
	assert.Equal(t, "en", v.Get("language"))
	assert.Equal(t, "low", v.Get("filter_level"))
}

func TestUnauthorizedStopsWithoutRetry(t *testing.T) {
	rs := replay.NewServer(records(`{"id":1}`), replay.Options{Token: "right"})
	srv := httptest.NewServer(rs)
	defer srv.Close()
	c := newTestClient(t, srv, auth.Bearer("wrong"))

	err := c.Sample(context.Background(), HandlerFunc(func(message.Message) {
		t.Fatal("no message expected")
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrUnauthorized)
	assert.True(t, stream.IsFatal(err))
	reqs := rs.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.StatusUnauthorized, reqs[0].Status)
}

func TestReconnectsAfterServerError(t *testing.T) {
	rs := replay.NewServer(records(`{"id":7,"text":"x"}`), replay.Options{Statuses: []int{503, 503}, Hold: true})
	srv := httptest.NewServer(rs)
	defer srv.Close()

	var mu sync.Mutex
	var backoffs []stream.StateChange
	c := newTestClient(t, srv, auth.Bearer("any"), WithStateHook(func(feed string, ch stream.StateChange) {
		assert.Equal(t, "firehose", feed)
		if ch.To == stream.StateBackoff {
			mu.Lock()
			backoffs = append(backoffs, ch)
			mu.Unlock()
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got int64
	err := c.Firehose(ctx, 0, HandlerFunc(func(m message.Message) {
		got = m.(*message.Tweet).ID
		cancel()
	}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(7), got)
	assert.Equal(t, 3, rs.FeedConnections())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, backoffs, 2)
	assert.Equal(t, time.Millisecond, backoffs[0].Delay)
	assert.Equal(t, 2*time.Millisecond, backoffs[1].Delay)
	assert.ErrorIs(t, backoffs[0].Cause, stream.ErrServerFailure)
}

func TestUserStreamQuery(t *testing.T) {
	rs := replay.NewServer(records(`{"friends":[1,2,3]}`), replay.Options{Hold: true})
	srv := httptest.NewServer(rs)
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var friends []int64
	err := c.User(ctx, UserParams{With: "followings", Replies: "all"}, &Handlers{
		Friends: func(f *message.FriendList) { friends = f.IDs; cancel() },
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 2, 3}, friends)

	req := rs.Requests()[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/1.1/user.json", req.Path)
	assert.Equal(t, "followings", req.Params["with"])
	assert.Equal(t, "all", req.Params["replies"])
}

func TestSiteStreamAnnouncesControlChannel(t *testing.T) {
	rs := replay.NewServer(records(`{"for_user":5,"message":{"id":9,"text":"hi"}}`), replay.Options{Hold: true})
	srv := httptest.NewServer(rs)
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := make([]int64, 250)
	for i := range ids {
		ids[i] = int64(1000 + i)
	}
	var cc *ControlChannel
	var forUser *message.ForUser
	var session string
	err := c.Site(ctx, SiteParams{Follow: []int64{5}}, &Handlers{
		ControlChannel: func(ch *ControlChannel) { cc = ch },
		ForUser: func(fu *message.ForUser) {
			defer cancel()
			forUser = fu
			require.NotNil(t, cc)
			require.True(t, strings.HasPrefix(cc.URL(), srv.URL+"/1.1/site/c/"))
			session = strings.TrimPrefix(cc.URL(), srv.URL+"/1.1/site/c/")

			// The control session lives only as long as the site stream.
			bg := context.Background()
			require.NoError(t, cc.AddUsers(bg, ids...))
			assert.Len(t, rs.Users(session), 251)

			require.NoError(t, cc.RemoveUsers(bg, ids[:200]...))
			assert.Len(t, rs.Users(session), 51)

			info, err := cc.Info(bg)
			require.NoError(t, err)
			assert.Len(t, info.UserIDs, 51)
			assert.Equal(t, int64(5), info.UserIDs[0])

			page, err := cc.FriendsIDs(bg, 5, -1)
			require.NoError(t, err)
			assert.Equal(t, int64(5), page.UserID)
			assert.Empty(t, page.IDs)
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, forUser)
	assert.Equal(t, int64(5), forUser.UserID)

	var adds int
	for _, r := range rs.Requests() {
		if strings.HasSuffix(r.Path, "/add_user.json") {
			adds++
			assert.Equal(t, http.StatusOK, r.Status)
		}
	}
	assert.Equal(t, 3, adds)
	assert.Eventually(t, func() bool { return rs.Users(session) == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestControlChannelErrors(t *testing.T) {
	srv := httptest.NewServer(replay.NewServer(nil, replay.Options{}))
	defer srv.Close()
	c := newTestClient(t, srv, nil, WithControlRate(1000))

	cc, err := c.ControlChannel("/1.1/site/c/missing")
	require.NoError(t, err)
	assert.ErrorIs(t, cc.AddUsers(context.Background()), ErrNoUsers)

	err = cc.AddUsers(context.Background(), 1, 2)
	var ce *ControlError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "add_user", ce.Op)
	assert.Equal(t, http.StatusNotFound, ce.Status)
	assert.ErrorIs(t, err, stream.ErrUnexpectedCode)

	_, err = c.ControlChannel("")
	assert.Error(t, err)
}

func TestControlRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	cfg := config.Default()
	cfg.Endpoints = config.Endpoints{SiteStream: srv.URL + "/1.1"}
	cfg.ControlTimeout = 20 * time.Millisecond
	c := NewClient(nil, WithConfig(cfg), WithDoer(srv.Client()))
	cc, err := c.ControlChannel("/1.1/site/c/abc")
	require.NoError(t, err)

	start := time.Now()
	err = cc.AddUsers(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestControlBodyKeepsCommasLiteral(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		bodies <- buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(nil, WithEndpoints(config.Endpoints{SiteStream: srv.URL}), WithDoer(srv.Client()))
	cc, err := c.ControlChannel(srv.URL + "/1.1/site/c/abc")
	require.NoError(t, err)
	require.NoError(t, cc.AddUsers(context.Background(), 1, 2, 3))
	assert.Equal(t, "user_id=1,2,3", <-bodies)
}
