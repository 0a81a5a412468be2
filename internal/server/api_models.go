package server

import "github.com/raysh454/httpbridge/internal/model"

// IssueResponse carries the handle of a newly issued request.
type IssueResponse struct {
	RID model.Handle `json:"rid"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status      string `json:"status"`
	LiveHandles int    `json:"liveHandles"`
}

// ErrorResponse is a uniform error payload returned by the API. Error is the
// engine's message, unchanged.
type ErrorResponse struct {
	Error string `json:"error"`
}
