package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"inboxdb/pkg/ingest"
	"inboxdb/pkg/utils"
)

// The ingest listener's handlers live in this file. They are thin
// fast-path handlers which enqueue raw payloads into the mutation engine
// and return a 202. Heavy work (thread lookups, projection, DB writes)
// happens inside the engine worker.

// IngestHandler routes the second listener. Only high-volume comment
// traffic is served here; everything else belongs on the main API.
func IngestHandler(deps Deps, backendKeys map[string]struct{}) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Content-Type", "application/json")
		if !ingestAuthorized(ctx, backendKeys) {
			utils.JSONErrorFast(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			return
		}
		path := string(ctx.Path())
		switch {
		case path == "/ingest/comments" && ctx.IsPost():
			createCommentFast(ctx, deps.Engine)
		case strings.HasPrefix(path, "/ingest/comments/") && ctx.IsPut():
			editCommentFast(ctx, deps.Engine, strings.TrimPrefix(path, "/ingest/comments/"))
		case path == "/healthz" && ctx.IsGet():
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(`{"status":"ok"}`)
		default:
			utils.JSONErrorFast(ctx, fasthttp.StatusNotFound, "not found")
		}
	}
}

func ingestAuthorized(ctx *fasthttp.RequestCtx, keys map[string]struct{}) bool {
	if len(keys) == 0 {
		return true
	}
	key := string(ctx.Request.Header.Peek("X-API-Key"))
	if key == "" {
		auth := string(ctx.Request.Header.Peek("Authorization"))
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			key = strings.TrimSpace(auth[7:])
		}
	}
	_, ok := keys[key]
	return ok
}

// createCommentFast enqueues a comment create and answers 202 with the
// assigned id. The body must carry thread and activity ids; failures
// inside the engine surface only in logs and metrics.
func createCommentFast(ctx *fasthttp.RequestCtx, engine *ingest.Engine) {
	payload := append([]byte(nil), ctx.PostBody()...)
	var probe struct {
		Thread string `json:"thread"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Thread == "" {
		utils.JSONErrorFast(ctx, fasthttp.StatusBadRequest, "thread id missing")
		return
	}
	// assign the id here so the caller learns it from the 202; the worker
	// applies Op.ID when the payload carries none
	id := probe.ID
	if id == "" {
		id = utils.GenCommentID()
	}
	extras := map[string]string{
		"identity": string(ctx.Request.Header.Peek("X-User-ID")),
		"reqid":    string(ctx.Request.Header.Peek("X-Request-Id")),
		"remote":   ctx.RemoteAddr().String(),
	}
	err := engine.TryEnqueue(&ingest.Op{
		Handler: ingest.HandlerCommentCreate,
		Thread:  probe.Thread,
		ID:      id,
		Payload: payload,
		TS:      time.Now().UTC().UnixNano(),
		Extras:  extras,
	})
	if err != nil {
		if err == ingest.ErrQueueFull {
			utils.JSONErrorFast(ctx, fasthttp.StatusTooManyRequests, "server busy; try again")
			return
		}
		utils.JSONErrorFast(ctx, fasthttp.StatusInternalServerError, "enqueue failed")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	_ = json.NewEncoder(ctx).Encode(map[string]string{"id": id})
}

func editCommentFast(ctx *fasthttp.RequestCtx, engine *ingest.Engine, id string) {
	if id == "" {
		utils.JSONErrorFast(ctx, fasthttp.StatusBadRequest, "comment id missing")
		return
	}
	payload := append([]byte(nil), ctx.PostBody()...)
	extras := map[string]string{
		"identity": string(ctx.Request.Header.Peek("X-User-ID")),
		"reqid":    string(ctx.Request.Header.Peek("X-Request-Id")),
		"remote":   ctx.RemoteAddr().String(),
	}
	err := engine.TryEnqueue(&ingest.Op{
		Handler: ingest.HandlerCommentEdit,
		ID:      id,
		Payload: payload,
		TS:      time.Now().UTC().UnixNano(),
		Extras:  extras,
	})
	if err != nil {
		if err == ingest.ErrQueueFull {
			utils.JSONErrorFast(ctx, fasthttp.StatusTooManyRequests, "server busy; try again")
			return
		}
		utils.JSONErrorFast(ctx, fasthttp.StatusInternalServerError, "enqueue failed")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}
