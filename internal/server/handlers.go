package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"teamchat-core/internal/fastcounters"
	"teamchat-core/internal/fixer"
	"teamchat-core/internal/model"
	"teamchat-core/internal/userstate"
	"teamchat-core/internal/watch"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	defaultUpdatesLimit = 100
	maxUpdatesLimit     = 1000

	watchPattern = "/updates/watch"
	syncPattern  = "/updates/sync"
)

type parsers struct {
	countersGetPool      fastjson.ParserPool
	countersFixPool      fastjson.ParserPool
	countersSettingsPool fastjson.ParserPool
	updatesGetPool       fastjson.ParserPool
	updatesWatchPool     fastjson.ParserPool
	updatesSyncPool      fastjson.ParserPool
}

type handler struct {
	logger   *zap.SugaredLogger
	users    *userstate.Repository
	counters fastcounters.CounterProvider
	settings *fastcounters.Settings
	fixer    *fixer.Repository
	notifier watch.Notifier
	maxWatch time.Duration
	parsers  parsers
}

// badRequest is a client error which message is returned as is
type badRequest string

func (e badRequest) Error() string { return string(e) }

// intField returns a non-negative integer field of v
func intField(v *fastjson.Value, name string, required bool) (int64, error) {
	if !v.Exists(name) {
		if required {
			return 0, badRequest(`Missing Field "` + name + `"`)
		}
		return 0, nil
	}
	n, err := v.Get(name).Int64()
	if err != nil {
		return 0, badRequest(`Field "` + name + `" must be a 64-bit integer value`)
	}
	if n < 0 {
		return 0, badRequest(`Field "` + name + `" must not be negative`)
	}
	return n, nil
}

// limitField returns the "limit" field clamped to maxUpdatesLimit, defaultUpdatesLimit when absent or zero
func limitField(v *fastjson.Value) (int, error) {
	n, err := intField(v, "limit", false)
	if err != nil {
		return 0, err
	}
	switch {
	case n == 0:
		return defaultUpdatesLimit, nil
	case n > maxUpdatesLimit:
		return maxUpdatesLimit, nil
	}
	return int(n), nil
}

// userField returns the mandatory "user" field
func userField(v *fastjson.Value) (int64, error) {
	uid, err := intField(v, "user", true)
	if err != nil {
		return 0, err
	}
	if uid < 1 {
		return 0, badRequest(`Field "user" must be a valid user id grater than zero`)
	}
	return uid, nil
}

// parse reads the body validated by enforcePostJson and calls fn with its parsed value
func parse(pool *fastjson.ParserPool, r *http.Request, fn func(v *fastjson.Value) error) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return badRequest("Can not read request body")
	}
	parser := pool.Get()
	defer pool.Put(parser)
	v, err := parser.ParseBytes(body)
	if err != nil {
		return badRequest("Malformed JSON")
	}
	return fn(v)
}

func (h *handler) respond(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		http.Error(w, string(br), http.StatusBadRequest)
	case errors.Is(err, fastcounters.ErrBadCounterType):
		http.Error(w, "Unknown counter type", http.StatusBadRequest)
	case errors.Is(err, userstate.ErrBadCursor):
		http.Error(w, "Malformed cursor", http.StatusBadRequest)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type countersResponse struct {
	Counters []fastcounters.DialogCounter `json:"counters"`
	Global   int64                        `json:"global"`
	Type     model.GlobalCounterType      `json:"type"`
}

// countersGet handles HTTP requests on "/counters/get" endpoint
func (h *handler) countersGet(w http.ResponseWriter, r *http.Request) {
	var uid int64
	err := parse(&h.parsers.countersGetPool, r, func(v *fastjson.Value) (err error) {
		uid, err = userField(v)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	ctx := r.Context()
	res := countersResponse{Counters: []fastcounters.DialogCounter{}}
	counters, err := h.counters.FetchUserCounters(ctx, uid)
	if err != nil {
		h.fail(w, err)
		return
	}
	if counters != nil {
		res.Counters = counters
	}
	if res.Global, err = h.counters.FetchUserGlobalCounter(ctx, uid); err != nil {
		h.fail(w, err)
		return
	}
	if res.Type, err = h.settings.GlobalCounterType(ctx, uid); err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, res)
}

// countersFix handles HTTP requests on "/counters/fix" endpoint
func (h *handler) countersFix(w http.ResponseWriter, r *http.Request) {
	var uid int64
	err := parse(&h.parsers.countersFixPool, r, func(v *fastjson.Value) (err error) {
		uid, err = userField(v)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	ok := h.fixer.FixUserCounters(r.Context(), uid)
	h.respond(w, http.StatusOK, map[string]bool{"ok": ok})
}

// countersSettings handles HTTP requests on "/counters/settings" endpoint
func (h *handler) countersSettings(w http.ResponseWriter, r *http.Request) {
	var (
		uid int64
		t   model.GlobalCounterType
	)
	err := parse(&h.parsers.countersSettingsPool, r, func(v *fastjson.Value) (err error) {
		if uid, err = userField(v); err != nil {
			return err
		}
		tv := v.Get("type")
		if tv == nil || tv.Type() != fastjson.TypeString {
			return badRequest(`Field "type" must be a string`)
		}
		t = model.GlobalCounterType(tv.GetStringBytes())
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	if err := h.settings.SetGlobalCounterType(r.Context(), uid, t); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]model.GlobalCounterType{"type": t})
}

type updatesRequest struct {
	uid     int64
	after   int64
	limit   int
	timeout time.Duration
}

func parseUpdatesRequest(v *fastjson.Value) (*updatesRequest, error) {
	req := &updatesRequest{}
	var err error
	if req.uid, err = userField(v); err != nil {
		return nil, err
	}

	if cv := v.Get("cursor"); cv != nil {
		if cv.Type() != fastjson.TypeString {
			return nil, badRequest(`Field "cursor" must be a string`)
		}
		if req.after, err = userstate.DecodeCursor(string(cv.GetStringBytes())); err != nil {
			return nil, err
		}
	} else if req.after, err = intField(v, "after", false); err != nil {
		return nil, err
	}

	if req.limit, err = limitField(v); err != nil {
		return nil, err
	}

	ms, err := intField(v, "timeout_ms", false)
	if err != nil {
		return nil, err
	}
	req.timeout = time.Duration(ms) * time.Millisecond
	return req, nil
}

type updatesResponse struct {
	Items   []model.UserDialogEvent `json:"items"`
	Cursor  int64                   `json:"cursor"`
	Next    string                  `json:"next"`
	HasMore bool                    `json:"hasMore"`
}

func (h *handler) respondBatch(w http.ResponseWriter, b *userstate.Batch) {
	res := updatesResponse{
		Items:   b.Items,
		Cursor:  b.Cursor,
		Next:    userstate.EncodeCursor(b.Cursor),
		HasMore: b.HasMore,
	}
	if res.Items == nil {
		res.Items = []model.UserDialogEvent{}
	}
	h.respond(w, http.StatusOK, res)
}

// updatesGet handles HTTP requests on "/updates/get" endpoint
func (h *handler) updatesGet(w http.ResponseWriter, r *http.Request) {
	var req *updatesRequest
	err := parse(&h.parsers.updatesGetPool, r, func(v *fastjson.Value) (err error) {
		req, err = parseUpdatesRequest(v)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	b, err := h.users.ZipUpdatesAfter(r.Context(), req.uid, req.after, req.limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondBatch(w, b)
}

// updatesWatch handles HTTP requests on "/updates/watch" endpoint.
// It holds the request until the log of the user grows past the cursor or the timeout expires.
func (h *handler) updatesWatch(w http.ResponseWriter, r *http.Request) {
	var req *updatesRequest
	err := parse(&h.parsers.updatesWatchPool, r, func(v *fastjson.Value) (err error) {
		req, err = parseUpdatesRequest(v)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if req.timeout <= 0 || req.timeout > h.maxWatch {
		req.timeout = h.maxWatch
	}

	ctx := r.Context()
	err = h.waitAfter(ctx, req.uid, req.after, req.timeout)
	switch {
	case ctx.Err() != nil:
		h.logger.Debugf("Watch of user (id: %d) is dropped by client: %v", req.uid, ctx.Err())
		return
	case errors.Is(err, context.DeadlineExceeded):
		h.respondBatch(w, &userstate.Batch{Cursor: req.after})
		return
	case err != nil:
		h.fail(w, err)
		return
	}

	b, err := h.users.ZipUpdatesAfter(ctx, req.uid, req.after, req.limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondBatch(w, b)
}

// waitAfter returns once seq of uid is greater than after. Subscription happens before the seq is read,
// so a change committed in between is not missed.
func (h *handler) waitAfter(ctx context.Context, uid, after int64, timeout time.Duration) error {
	sub, err := h.notifier.Subscribe(ctx, uid)
	if err != nil {
		return err
	}
	defer sub.Close()

	seq, err := h.users.Seq(ctx, uid)
	if err != nil {
		return err
	}
	if seq > after {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = watch.WaitAfter(ctx, sub, after)
	return err
}

// updatesSync handles HTTP requests on "/updates/sync" endpoint.
// It streams every zipped batch after the cursor as a line of JSON, flushing each line.
func (h *handler) updatesSync(w http.ResponseWriter, r *http.Request) {
	var (
		uid    int64
		cursor string
		limit  int
	)
	err := parse(&h.parsers.updatesSyncPool, r, func(v *fastjson.Value) (err error) {
		if uid, err = userField(v); err != nil {
			return err
		}
		if cv := v.Get("cursor"); cv != nil {
			if cv.Type() != fastjson.TypeString {
				return badRequest(`Field "cursor" must be a string`)
			}
			cursor = string(cv.GetStringBytes())
		}
		if _, err := userstate.DecodeCursor(cursor); err != nil {
			return err
		}
		limit, err = limitField(v)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	ctx := r.Context()
	err = h.users.ZipUpdatesInBatchesAfterModern(ctx, uid, cursor, limit, func(b *userstate.ModernBatch) error {
		if err := enc.Encode(b); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		h.logger.Debugf("Streaming updates of user (id: %d) is dropped by client: %v", uid, ctx.Err())
	default:
		// the status is already sent
		h.logger.Errorf("Streaming updates of user (id: %d) failed: %v", uid, err)
	}
}
