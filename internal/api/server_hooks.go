package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/netlens/internal/engine"
	"github.com/dgnsrekt/netlens/internal/hook"
)

func registerHookHandlers(api huma.API, svc Service) {
	type hooksOutput struct {
		Body struct {
			Count int            `json:"count"`
			Hooks []hook.Summary `json:"hooks"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-hooks", Method: http.MethodGet, Path: "/api/v1/hooks", Summary: "List registered hooks", Tags: []string{"Hooks"}},
		func(ctx context.Context, input *struct{}) (*hooksOutput, error) {
			hooks := svc.Hooks()
			out := &hooksOutput{}
			out.Body.Count = len(hooks)
			out.Body.Hooks = hooks
			return out, nil
		})
}

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body engine.Status
	}
	huma.Register(api, huma.Operation{OperationID: "status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Engine status and session counters", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			out := &statusOutput{}
			out.Body = svc.Status()
			return out, nil
		})
}
