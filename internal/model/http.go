package model

// Handle is the opaque numeric resource id the engine assigns to an issued
// request or to a buffered response body. Zero is never issued.
type Handle uint32

// IssueRequest is the serialized descriptor sent to the engine for one fetch.
type IssueRequest struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	Headers Headers `json:"headers"`
	// Body is nil when the request carries no body at all.
	Body    []byte         `json:"data"`
	Options *ClientOptions `json:"options,omitempty"`
}

// HasBody reports whether the descriptor carries a body payload.
func (r *IssueRequest) HasBody() bool {
	return r != nil && r.Body != nil
}

// FetchResponse is the engine's reply to a status/headers request.
type FetchResponse struct {
	Status     int     `json:"status"`
	StatusText string  `json:"statusText"`
	URL        string  `json:"url"`
	Headers    Headers `json:"headers"`
	BodyHandle Handle  `json:"rid"`
}
