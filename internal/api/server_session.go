package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/store"
)

type sessionIDInput struct {
	SessionID string `path:"session_id"`
}

func registerSessionHandlers(api huma.API, svc Service) {
	type startSessionOutput struct {
		Body struct {
			SessionID    string `json:"session_id"`
			ProfileAlias string `json:"profile_alias"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "start-session", Method: http.MethodPost, Path: "/api/v1/sessions", Summary: "Start a monitoring session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			Body struct {
				SessionID    string `json:"session_id,omitempty" doc:"Session id; generated when omitted."`
				ProfileAlias string `json:"profile_alias,omitempty" doc:"Label used in capture filenames."`
			}
		}) (*startSessionOutput, error) {
			id := input.Body.SessionID
			if id == "" {
				id = uuid.NewString()
			}
			alias := input.Body.ProfileAlias
			if alias == "" {
				alias = "default"
			}
			if err := svc.StartMonitoring(ctx, id, alias); err != nil {
				return nil, mapErr(err)
			}
			out := &startSessionOutput{}
			out.Body.SessionID = id
			out.Body.ProfileAlias = alias
			return out, nil
		})

	type ackOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stop-session", Method: http.MethodPost, Path: "/api/v1/sessions/{session_id}/stop", Summary: "Stop capture, keep records", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*ackOutput, error) {
			if err := svc.StopMonitoring(input.SessionID); err != nil {
				return nil, mapErr(err)
			}
			out := &ackOutput{}
			out.Body.Status = "stopped"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cleanup-session", Method: http.MethodDelete, Path: "/api/v1/sessions/{session_id}", Summary: "Stop and discard a session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*ackOutput, error) {
			if err := svc.Cleanup(input.SessionID); err != nil {
				return nil, mapErr(err)
			}
			out := &ackOutput{}
			out.Body.Status = "cleaned"
			return out, nil
		})

	type recordsOutput struct {
		Body struct {
			SessionID string           `json:"session_id"`
			Count     int              `json:"count"`
			Records   []capture.Record `json:"records"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-session-records", Method: http.MethodGet, Path: "/api/v1/sessions/{session_id}/records", Summary: "Read a session's buffered captures", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*recordsOutput, error) {
			records, err := svc.Records(input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &recordsOutput{}
			out.Body.SessionID = input.SessionID
			out.Body.Count = len(records)
			out.Body.Records = records
			return out, nil
		})

	type exportOutput struct {
		Body struct {
			Path string `json:"path"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "export-session", Method: http.MethodPost, Path: "/api/v1/sessions/{session_id}/export", Summary: "Export a session's captures to disk", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			SessionID string `path:"session_id"`
			Body      struct {
				Format string `json:"format,omitempty" enum:"json,jsonl,csv" doc:"Output format; json when omitted."`
				Path   string `json:"path,omitempty" doc:"Destination file; derived from the session when omitted."`
			}
		}) (*exportOutput, error) {
			format := input.Body.Format
			if format == "" {
				format = store.FormatJSON
			}
			path, err := svc.Export(input.SessionID, format, input.Body.Path)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &exportOutput{}
			out.Body.Path = path
			return out, nil
		})
}
