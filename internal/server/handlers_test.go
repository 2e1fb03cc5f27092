package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mytesting "teamchat-core/internal/testing"
	"teamchat-core/internal/userstate"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
)

const (
	owner  = int64(1)
	member = int64(2)
)

type fixture struct {
	stack *mytesting.Stack
	srv   *Server
	room  int64
}

func bootstrap(t *testing.T, opts ...Option) *fixture {
	s := mytesting.NewStack()
	srv := NewServer(s.Logger, Deps{
		Users:    s.Users,
		Counters: s.Provider,
		Settings: s.Settings,
		Fixer:    s.Fixer,
		Notifier: s.Notifier,
	}, opts...)

	room, err := s.Room(context.Background(), owner, member)
	require.NoError(t, err)
	s.Deliver(context.Background())

	return &fixture{stack: s, srv: srv, room: room}
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func payload() *bytes.Buffer {
	return bytes.NewBufferString(`{"text":"` + mytesting.RandString(12) + `"}`)
}

func TestEnforcePostJson(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", payload())
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	enforcePostJson(http.HandlerFunc(statusOkHandler)).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePostJson_NotPOST(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("GET", "/", payload())
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	enforcePostJson(http.HandlerFunc(statusOkHandler)).ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePostJson_ContentType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		contentType string
		set         bool
		code        int
		body        string
	}{
		{name: "malformed", contentType: "1:2\n+/-", set: true, code: http.StatusBadRequest, body: "Malformed Content-Type header\n"},
		{name: "unsupported", contentType: "text/plain", set: true, code: http.StatusUnsupportedMediaType, body: "Content-Type header must be application/json\n"},
		{name: "blank", contentType: "", set: true, code: http.StatusOK},
		{name: "missing", code: http.StatusOK},
		{name: "with charset", contentType: "application/json; charset=utf-8", set: true, code: http.StatusOK},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			req, err := http.NewRequest("POST", "/", payload())
			require.NoError(t, err)
			if c.set {
				req.Header.Set("Content-Type", c.contentType)
			}

			rr := httptest.NewRecorder()
			enforcePostJson(http.HandlerFunc(statusOkHandler)).ServeHTTP(rr, req)

			require.Equal(t, c.code, rr.Code)
			if c.body != "" {
				require.Equal(t, c.body, rr.Body.String())
			}
		})
	}
}

func TestEnforcePostJson_Body(t *testing.T) {
	t.Parallel()

	for body, expected := range map[string]string{
		"":                       "No body provided\n",
		`{"text":` + "abc" + `"}`: "Malformed JSON\n",
		strings.Repeat(" ", maxBodyBytes+1) + "{}": "Can not read request body\n",
	} {
		req, err := http.NewRequest("POST", "/", bytes.NewBufferString(body))
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		enforcePostJson(http.HandlerFunc(statusOkHandler)).ServeHTTP(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Equal(t, expected, rr.Body.String())
	}
}

func TestUserFieldValidation(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)

	for body, expected := range map[string]string{
		`{}`:              `Missing Field "user"` + "\n",
		`{"user":"1"}`:    `Field "user" must be a 64-bit integer value` + "\n",
		`{"user":-1}`:     `Field "user" must not be negative` + "\n",
		`{"user":0}`:      `Field "user" must be a valid user id grater than zero` + "\n",
		`{"user":1.5}`:    `Field "user" must be a 64-bit integer value` + "\n",
		`{"user":1,"limit":"x"}`: `Field "limit" must be a 64-bit integer value` + "\n",
	} {
		rr := f.post(t, "/updates/get", body)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
		require.Equal(t, expected, rr.Body.String(), body)
	}
}

func TestCountersGet(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	_, err := f.stack.Send(ctx, owner, f.room, 3)
	require.NoError(t, err)

	rr := f.post(t, "/counters/get", `{"user":2}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)

	counters := v.GetArray("counters")
	require.Len(t, counters, 1)
	require.Equal(t, f.room, counters[0].GetInt64("cid"))
	require.Equal(t, int64(3), counters[0].GetInt64("unread"))
	require.Equal(t, int64(1), v.GetInt64("global"))
	require.Equal(t, "unread_chats_no_muted", string(v.GetStringBytes("type")))

	// the sender has read everything
	rr = f.post(t, "/counters/get", `{"user":1}`)
	require.Equal(t, http.StatusOK, rr.Code)
	v, err = p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, int64(0), v.GetInt64("global"))
}

func TestCountersSettings(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	_, err := f.stack.Send(ctx, owner, f.room, 3)
	require.NoError(t, err)

	rr := f.post(t, "/counters/settings", `{"user":2,"type":"unread_messages"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"type":"unread_messages"}`, rr.Body.String())

	rr = f.post(t, "/counters/get", `{"user":2}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, int64(3), v.GetInt64("global"))
	require.Equal(t, "unread_messages", string(v.GetStringBytes("type")))

	rr = f.post(t, "/counters/settings", `{"user":2,"type":"everything"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Unknown counter type\n", rr.Body.String())

	rr = f.post(t, "/counters/settings", `{"user":2,"type":1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, `Field "type" must be a string`+"\n", rr.Body.String())
}

func TestCountersFix(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	_, err := f.stack.Send(ctx, owner, f.room, 2)
	require.NoError(t, err)

	rr := f.post(t, "/counters/fix", `{"user":2}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"ok":true}`, rr.Body.String())

	d, err := f.stack.Users.DialogState(ctx, member, f.room)
	require.NoError(t, err)
	require.Equal(t, int64(2), d.Unread)
}

type updates struct {
	Items []struct {
		Seq    int64  `json:"seq"`
		ChatID int64  `json:"cid"`
		Kind   string `json:"kind"`
		Unread int64  `json:"unread"`
	} `json:"items"`
	Cursor  int64  `json:"cursor"`
	Next    string `json:"next"`
	HasMore bool   `json:"hasMore"`
}

func decodeUpdates(t *testing.T, rr *httptest.ResponseRecorder) updates {
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var u updates
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	return u
}

func TestUpdatesGet(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	_, err := f.stack.Send(ctx, owner, f.room, 4)
	require.NoError(t, err)

	state, err := f.stack.Users.MessagingState(ctx, member)
	require.NoError(t, err)

	all := decodeUpdates(t, f.post(t, "/updates/get", `{"user":2}`))
	require.False(t, all.HasMore)
	require.Equal(t, state.Seq, all.Cursor)
	require.Equal(t, userstate.EncodeCursor(all.Cursor), all.Next)
	require.NotEmpty(t, all.Items)

	// zipped: one event per chat and kind
	seen := map[string]bool{}
	for _, it := range all.Items {
		key := it.Kind
		require.False(t, seen[key], key)
		seen[key] = true
		require.Equal(t, f.room, it.ChatID)
	}

	first := decodeUpdates(t, f.post(t, "/updates/get", `{"user":2,"limit":1}`))
	require.True(t, first.HasMore)
	require.Len(t, first.Items, 1)

	rest := decodeUpdates(t, f.post(t, "/updates/get", `{"user":2,"cursor":"`+first.Next+`"}`))
	require.False(t, rest.HasMore)
	require.Equal(t, all.Cursor, rest.Cursor)
	for _, it := range rest.Items {
		require.Greater(t, it.Seq, first.Cursor)
	}

	empty := decodeUpdates(t, f.post(t, "/updates/get", `{"user":2,"cursor":"`+all.Next+`"}`))
	require.Empty(t, empty.Items)
	require.Equal(t, all.Cursor, empty.Cursor)
	require.Contains(t, f.post(t, "/updates/get", `{"user":2,"cursor":"`+all.Next+`"}`).Body.String(), `"items":[]`)

	rr := f.post(t, "/updates/get", `{"user":2,"cursor":"%%%"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed cursor\n", rr.Body.String())
}

func TestUpdatesWatchTimeout(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, MaxWatch(time.Second))
	ctx := context.Background()
	state, err := f.stack.Users.MessagingState(ctx, member)
	require.NoError(t, err)

	cursor := userstate.EncodeCursor(state.Seq)
	start := time.Now()
	u := decodeUpdates(t, f.post(t, "/updates/watch", `{"user":2,"cursor":"`+cursor+`","timeout_ms":50}`))
	require.Empty(t, u.Items)
	require.Equal(t, state.Seq, u.Cursor)
	require.Less(t, time.Since(start), time.Second)
}

func TestUpdatesWatchReturnsPendingUpdates(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)

	u := decodeUpdates(t, f.post(t, "/updates/watch", `{"user":2,"timeout_ms":50}`))
	require.NotEmpty(t, u.Items)
}

func TestUpdatesWatchWakesUp(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	state, err := f.stack.Users.MessagingState(ctx, member)
	require.NoError(t, err)

	done := make(chan updates, 1)
	go func() {
		rr := f.post(t, "/updates/watch", `{"user":2,"after":`+jsonInt(state.Seq)+`,"timeout_ms":5000}`)
		var u updates
		if rr.Code == http.StatusOK {
			_ = json.Unmarshal(rr.Body.Bytes(), &u)
		}
		done <- u
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = f.stack.Send(ctx, owner, f.room, 1)
	require.NoError(t, err)

	select {
	case u := <-done:
		require.NotEmpty(t, u.Items)
		require.Greater(t, u.Cursor, state.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not wake up")
	}
}

func jsonInt(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestUpdatesSync(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	_, err := f.stack.Send(ctx, owner, f.room, 5)
	require.NoError(t, err)

	state, err := f.stack.Users.MessagingState(ctx, member)
	require.NoError(t, err)

	rr := f.post(t, "/updates/sync", `{"user":2,"limit":2}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

	var (
		batches []userstate.ModernBatch
		sc      = bufio.NewScanner(rr.Body)
	)
	for sc.Scan() {
		var b userstate.ModernBatch
		require.NoError(t, json.Unmarshal(sc.Bytes(), &b))
		require.NotEmpty(t, b.Items)
		batches = append(batches, b)
	}
	require.NoError(t, sc.Err())
	require.Greater(t, len(batches), 1)

	last := batches[len(batches)-1]
	seq, err := userstate.DecodeCursor(last.Cursor)
	require.NoError(t, err)
	require.Equal(t, state.Seq, seq)

	rr = f.post(t, "/updates/sync", `{"user":2,"cursor":"`+last.Cursor+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, strings.TrimSpace(rr.Body.String()))

	rr = f.post(t, "/updates/sync", `{"user":2,"cursor":"%%%"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdatesSyncBypassesRequestTimeout(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, TimeoutHandler(time.Nanosecond, "Request timed out"))
	_, err := f.stack.Send(context.Background(), owner, f.room, 3)
	require.NoError(t, err)

	rr := f.post(t, "/updates/sync", `{"user":2,"limit":2}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))
	require.True(t, rr.Flushed)
	require.NotContains(t, rr.Body.String(), "Request timed out")
	require.Greater(t, strings.Count(rr.Body.String(), "\n"), 1)
}

func TestLimitField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body  string
		limit int
		err   bool
	}{
		{body: `{}`, limit: defaultUpdatesLimit},
		{body: `{"limit":0}`, limit: defaultUpdatesLimit},
		{body: `{"limit":7}`, limit: 7},
		{body: `{"limit":5000}`, limit: maxUpdatesLimit},
		{body: `{"limit":-1}`, err: true},
		{body: `{"limit":"ten"}`, err: true},
	}
	for _, c := range cases {
		v, err := fastjson.Parse(c.body)
		require.NoError(t, err)

		limit, err := limitField(v)
		if c.err {
			require.Error(t, err, c.body)
			continue
		}
		require.NoError(t, err, c.body)
		require.Equal(t, c.limit, limit, c.body)
	}
}

func TestUpdatesWatchDroppedByClient(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	state, err := f.stack.Users.MessagingState(context.Background(), member)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := `{"user":2,"after":` + jsonInt(state.Seq) + `,"timeout_ms":5000}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/updates/watch", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	require.NotEqual(t, http.StatusInternalServerError, rr.Code)
	require.Empty(t, rr.Body.String())
}

func TestUpdatesWatchUnknownUserLeavesNoState(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	u := decodeUpdates(t, f.post(t, "/updates/watch", `{"user":99,"timeout_ms":10}`))
	require.Empty(t, u.Items)
	require.Equal(t, int64(0), u.Cursor)

	users, err := f.stack.Users.UsersAfter(context.Background(), 0, 100)
	require.NoError(t, err)
	require.NotContains(t, users, int64(99))
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	rr := f.post(t, "/users/add", `{"username":"alice"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
