// Package server exposes the request engine over gRPC and HTTP.
//
// Both transports carry the same JSON-shaped payloads. gRPC wraps them in
// google.protobuf.Struct messages so no generated code is needed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/srm-lifecycle/internal/controller"
	"github.com/ChuLiYu/srm-lifecycle/internal/jobmanager"
	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/internal/space"
	"github.com/ChuLiYu/srm-lifecycle/internal/state"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Engine is the part of the controller the transports call.
type Engine interface {
	Submit(ctx context.Context, spec controller.SubmitSpec) (int64, error)
	Status(ctx context.Context, id int64) (controller.StatusReport, error)
	FileStatuses(ctx context.Context, id int64) ([]request.FileStatus, error)
	History(ctx context.Context, id int64) ([]types.HistoryEntry, error)
	List(filter jobmanager.Filter) []controller.Summary
	Abort(ctx context.Context, id int64, reason string) error
	AbortFiles(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error)
	Release(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error)
	PutDone(ctx context.Context, id int64, surls []string) ([]request.FileStatus, error)
	ReserveSpace(ctx context.Context, credentialID string, size int64, lifetime time.Duration) (space.Reservation, error)
	GetStats() controller.Stats
}

var _ Engine = (*controller.Controller)(nil)

// ---------------------------------------------------------------------------
// Wire payloads

// IDRequest names a request.
type IDRequest struct {
	RequestID int64 `json:"request_id" yaml:"request_id"`
}

// AbortRequest aborts a whole request, or only the listed files.
type AbortRequest struct {
	RequestID int64    `json:"request_id" yaml:"request_id"`
	Reason    string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	SURLs     []string `json:"surls,omitempty" yaml:"surls,omitempty"`
}

// FilesRequest names files of a request. An empty list means every file.
type FilesRequest struct {
	RequestID int64    `json:"request_id" yaml:"request_id"`
	SURLs     []string `json:"surls,omitempty" yaml:"surls,omitempty"`
}

// ListRequest filters the request listing.
type ListRequest struct {
	User  string `json:"user,omitempty" yaml:"user,omitempty"`
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
	State string `json:"state,omitempty" yaml:"state,omitempty"`
	Limit int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// ReserveRequest asks for a space reservation.
type ReserveRequest struct {
	CredentialID string        `json:"credential_id,omitempty" yaml:"credential_id,omitempty"`
	Size         int64         `json:"size" yaml:"size"`
	Lifetime     time.Duration `json:"lifetime" yaml:"lifetime"`
}

// SubmitResponse carries the id of a new request.
type SubmitResponse struct {
	RequestID int64 `json:"request_id" yaml:"request_id"`
}

// AbortResponse is returned by Abort.
type AbortResponse struct {
	RequestID int64                `json:"request_id" yaml:"request_id"`
	Files     []request.FileStatus `json:"files,omitempty" yaml:"files,omitempty"`
}

// FilesResponse wraps per-file statuses.
type FilesResponse struct {
	Files []request.FileStatus `json:"files" yaml:"files"`
}

// HistoryResponse wraps a transition history.
type HistoryResponse struct {
	History []types.HistoryEntry `json:"history" yaml:"history"`
}

// ListResponse wraps a request listing.
type ListResponse struct {
	Requests []controller.Summary `json:"requests" yaml:"requests"`
}

// ErrorBody is the HTTP error payload.
type ErrorBody struct {
	Error  string             `json:"error" yaml:"error"`
	Status types.ReturnStatus `json:"status" yaml:"status"`
}

func (l ListRequest) filter() (jobmanager.Filter, error) {
	f := jobmanager.Filter{User: l.User, Limit: l.Limit}
	if l.Kind != "" {
		k, err := types.ParseKind(l.Kind)
		if err != nil {
			return f, fmt.Errorf("%w: %v", controller.ErrInvalidRequest, err)
		}
		f.Kind = k
	}
	if l.State != "" {
		st, err := types.ParseState(l.State)
		if err != nil {
			return f, fmt.Errorf("%w: %v", controller.ErrInvalidRequest, err)
		}
		f.State = &st
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Error mapping

// classify maps an engine error to a gRPC code, an HTTP status and the
// protocol status a client sees.
func classify(err error) (codes.Code, int, types.StatusCode) {
	switch {
	case errors.Is(err, controller.ErrRequestNotFound), errors.Is(err, request.ErrNotFound):
		return codes.NotFound, http.StatusNotFound, types.StatusInvalidRequest
	case errors.Is(err, controller.ErrInvalidRequest), errors.Is(err, request.ErrWrongKind):
		return codes.InvalidArgument, http.StatusBadRequest, types.StatusInvalidRequest
	case errors.Is(err, controller.ErrCredential):
		return codes.Unauthenticated, http.StatusUnauthorized, types.StatusAuthenticationFailure
	case errors.Is(err, state.ErrIllegalTransition):
		return codes.FailedPrecondition, http.StatusConflict, types.StatusFailure
	case errors.Is(err, space.ErrNoFreeSpace):
		return codes.ResourceExhausted, http.StatusInsufficientStorage, types.StatusNoFreeSpace
	case errors.Is(err, controller.ErrNotRunning):
		return codes.Unavailable, http.StatusServiceUnavailable, types.StatusInternalError
	case errors.Is(err, context.Canceled):
		return codes.Canceled, 499, types.StatusInternalError
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, http.StatusGatewayTimeout, types.StatusInternalError
	}
	return codes.Internal, http.StatusInternalServerError, types.StatusInternalError
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	code, _, _ := classify(err)
	return status.Error(code, err.Error())
}

// ---------------------------------------------------------------------------
// Struct codec

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
