package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/controller"
	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

const maxBody = 1 << 20

// NewHTTPHandler returns the REST surface of the engine. metrics may be nil.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /v1/stats
//	GET  /v1/requests?user=&kind=&state=&limit=
//	POST /v1/requests
//	POST /v1/space
//	GET  /v1/requests/{id}
//	GET  /v1/requests/{id}/files
//	GET  /v1/requests/{id}/history
//	POST /v1/requests/{id}/abort
//	POST /v1/requests/{id}/release
//	POST /v1/requests/{id}/putdone
func NewHTTPHandler(engine Engine, metrics http.Handler) http.Handler {
	h := &httpAPI{engine: engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Post("/space", h.reserve)
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.list)
			r.Post("/", h.submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.status)
				r.Get("/files", h.files)
				r.Get("/history", h.history)
				r.Post("/abort", h.abort)
				r.Post("/release", h.release)
				r.Post("/putdone", h.putDone)
			})
		})
	})
	return r
}

type httpAPI struct {
	engine Engine
}

func (h *httpAPI) submit(w http.ResponseWriter, r *http.Request) {
	var spec controller.SubmitSpec
	if !decodeBody(w, r, &spec, false) {
		return
	}
	if spec.ClientHost == "" {
		spec.ClientHost = r.RemoteAddr
	}
	id, err := h.engine.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/requests/%d", id))
	writeJSON(w, http.StatusCreated, SubmitResponse{RequestID: id})
}

func (h *httpAPI) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListRequest{User: q.Get("user"), Kind: q.Get("kind"), State: q.Get("state")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, fmt.Errorf("%w: limit %q", controller.ErrInvalidRequest, s))
			return
		}
		req.Limit = n
	}
	f, err := req.filter()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Requests: h.engine.List(f)})
}

func (h *httpAPI) status(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	rep, err := h.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(rep.RetryDelta))
	writeJSON(w, http.StatusOK, rep)
}

func (h *httpAPI) files(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	fs, err := h.engine.FileStatuses(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FilesResponse{Files: fs})
}

func (h *httpAPI) history(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	hist, err := h.engine.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{History: hist})
}

func (h *httpAPI) abort(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var req AbortRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	req.RequestID = id
	resp, err := abort(r.Context(), h.engine, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpAPI) release(w http.ResponseWriter, r *http.Request) {
	h.fileOp(w, r, h.engine.Release)
}

func (h *httpAPI) putDone(w http.ResponseWriter, r *http.Request) {
	h.fileOp(w, r, h.engine.PutDone)
}

func (h *httpAPI) fileOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error)) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var req FilesRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	fs, err := op(r.Context(), id, req.SURLs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FilesResponse{Files: fs})
}

func (h *httpAPI) reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	res, err := h.engine.ReserveSpace(r.Context(), req.CredentialID, req.Size, req.Lifetime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *httpAPI) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStats())
}

// ---------------------------------------------------------------------------
// helpers

func requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: request id %q", controller.ErrInvalidRequest, raw))
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON body into v. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, fmt.Errorf("%w: decode body: %v", controller.ErrInvalidRequest, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	_, httpCode, code := classify(err)
	writeJSON(w, httpCode, ErrorBody{
		Error:  err.Error(),
		Status: types.ReturnStatus{Code: code, Explanation: err.Error()},
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
