package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tweetstream/internal/auth"
	"tweetstream/internal/message"
	"tweetstream/internal/stream"
	"tweetstream/internal/transport"
	"tweetstream/internal/util"
)

var ErrNoUsers = errors.New("control: no user ids given")

// ControlError reports a control request the server did not accept. It
// unwraps to the classified stream error for the status.
type ControlError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ControlError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("control %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("control %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *ControlError) Unwrap() error { return e.Err }

// ControlChannel modifies a running site stream. Every call is a separate
// request with its own timeout and never touches the stream's connection.
type ControlChannel struct {
	url     string
	doer    transport.Doer
	signer  auth.Signer
	limiter *rate.Limiter
	timeout time.Duration
	metrics *stream.Metrics
	log     *slog.Logger
}

// URL is the absolute control endpoint.
func (cc *ControlChannel) URL() string { return cc.url }

// AddUsers adds users to the site stream, MaxUsersPerControlRequest per
// request. It returns after every request has completed; failures are
// joined in input order.
func (cc *ControlChannel) AddUsers(ctx context.Context, ids ...int64) error {
	return cc.changeUsers(ctx, "add_user", AddUserPath, ids)
}

func (cc *ControlChannel) RemoveUsers(ctx context.Context, ids ...int64) error {
	return cc.changeUsers(ctx, "remove_user", RemoveUserPath, ids)
}

func (cc *ControlChannel) changeUsers(ctx context.Context, op, path string, ids []int64) error {
	if len(ids) == 0 {
		return ErrNoUsers
	}
	chunks := batches(ids, MaxUsersPerControlRequest)
	errs := runConcurrently(chunks, controlConcurrency, func(i int, chunk []int64) error {
		form := url.Values{"user_id": {util.JoinIDs(chunk)}}
		_, err := cc.do(ctx, op, http.MethodPost, path, form)
		if err != nil && len(chunks) > 1 {
			return fmt.Errorf("batch %d of %d: %w", i+1, len(chunks), err)
		}
		return err
	})
	return errors.Join(errs...)
}

// ControlInfo is the state of a site stream as the server reports it.
type ControlInfo struct {
	UserIDs []int64
	Raw     message.Envelope
}

func (cc *ControlChannel) Info(ctx context.Context) (*ControlInfo, error) {
	env, err := cc.do(ctx, "info", http.MethodGet, InfoPath, nil)
	if err != nil {
		return nil, err
	}
	info := &ControlInfo{Raw: env}
	body, _ := env.Map("info")
	users, _ := body["users"].([]any)
	for _, u := range users {
		obj, ok := u.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := util.Int64From(obj["id_str"]); ok {
			info.UserIDs = append(info.UserIDs, id)
		} else if id, ok := util.Int64From(obj["id"]); ok {
			info.UserIDs = append(info.UserIDs, id)
		}
	}
	return info, nil
}

// FriendsPage is one page of a followed user's friend ids.
type FriendsPage struct {
	UserID         int64
	IDs            []int64
	NextCursor     int64
	PreviousCursor int64
}

// FriendsIDs lists the friends of a user the site stream follows. Pass -1
// or 0 as cursor for the first page.
func (cc *ControlChannel) FriendsIDs(ctx context.Context, userID, cursor int64) (*FriendsPage, error) {
	form := url.Values{"user_id": {strconv.FormatInt(userID, 10)}}
	if cursor != 0 {
		form.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	env, err := cc.do(ctx, "friends_ids", http.MethodPost, FriendsIDPath, form)
	if err != nil {
		return nil, err
	}
	page := &FriendsPage{UserID: userID}
	follow, _ := env.Map("follow")
	if user, ok := follow.Map("user"); ok {
		if id, ok := util.Int64From(user["id"]); ok {
			page.UserID = id
		}
	}
	page.IDs, _ = util.Int64s(follow["friends"])
	page.NextCursor, _ = util.Int64From(follow["next_cursor"])
	page.PreviousCursor, _ = util.Int64From(follow["previous_cursor"])
	return page, nil
}

// do sends one control request and decodes a JSON body when there is one.
func (cc *ControlChannel) do(ctx context.Context, op, method, path string, form url.Values) (env message.Envelope, err error) {
	defer func() { cc.metrics.ObserveControl(op, err) }()

	if cc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.timeout)
		defer cancel()
	}
	if cc.limiter != nil {
		if err := cc.limiter.Wait(ctx); err != nil {
			return nil, &ControlError{Op: op, Err: err}
		}
	}

	var body io.Reader
	if form != nil {
		// user_id lists stay literal: commas are not escaped.
		body = strings.NewReader(encodeForm(form))
	}
	req, err := http.NewRequestWithContext(ctx, method, cc.url+path, body)
	if err != nil {
		return nil, &ControlError{Op: op, Err: err}
	}
	for k, v := range BaseHeaders {
		req.Header.Set(k, v)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if err := auth.Apply(cc.signer, req); err != nil {
		return nil, &ControlError{Op: op, Err: err}
	}

	resp, err := cc.doer.Do(req)
	if err != nil {
		return nil, &ControlError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxControlBody))
	if err != nil {
		return nil, &ControlError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		cc.log.Warn("control request rejected", "op", op, "status", resp.StatusCode)
		return nil, &ControlError{
			Op:     op,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
			Err:    statusError(resp.StatusCode),
		}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return message.Envelope{}, nil
	}
	env, err = message.Decode(raw)
	if err != nil {
		return nil, &ControlError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return env, nil
}

func encodeForm(form url.Values) string {
	parts := make([]string, 0, len(form))
	for _, k := range slices.Sorted(maps.Keys(form)) {
		v := form.Get(k)
		if k == "user_id" {
			parts = append(parts, k+"="+v)
			continue
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "&")
}

func statusError(code int) error {
	if err := stream.ClassifyStatus(code); err != nil {
		return err
	}
	return &stream.Error{Kind: stream.KindFatal, Status: code, Op: "control", Err: stream.ErrUnexpectedCode}
}
