// Package gateway implements the request pipeline controller and the
// handler contract it dispatches to.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// HandlerFunc is the primary handler shape: it receives the request
// view and returns the response as a value. The pipeline owns all
// response mutation after the handler returns.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// LegacyHandler is the compatibility shape: a single function that
// assembles the response through builder calls. It is wrapped at the
// dispatch boundary into the value shape.
type LegacyHandler func(req *Request, res *ResponseBuilder)

// Route holds one handler per HTTP method. A nil field means the
// method is not implemented and yields 405 at the controller.
// When Legacy is set it serves every method and the per-method fields
// are ignored.
type Route struct {
	GET     HandlerFunc
	POST    HandlerFunc
	PUT     HandlerFunc
	PATCH   HandlerFunc
	DELETE  HandlerFunc
	HEAD    HandlerFunc
	OPTIONS HandlerFunc

	Legacy LegacyHandler
}

// handlerFor returns the handler for method, or nil.
func (rt *Route) handlerFor(method string) HandlerFunc {
	if rt.Legacy != nil {
		return adaptLegacy(rt.Legacy)
	}
	switch method {
	case http.MethodGet:
		return rt.GET
	case http.MethodPost:
		return rt.POST
	case http.MethodPut:
		return rt.PUT
	case http.MethodPatch:
		return rt.PATCH
	case http.MethodDelete:
		return rt.DELETE
	case http.MethodHead:
		return rt.HEAD
	case http.MethodOptions:
		return rt.OPTIONS
	default:
		return nil
	}
}

// Request is the view exposed to handlers. It is owned by the pipeline;
// handlers must not retain it past their return.
type Request struct {
	// Method and URL identify the target.
	Method string
	URL    *url.URL

	// Header holds the request headers; Cookies is parsed from the
	// Cookie header.
	Header  http.Header
	Cookies []*http.Cookie

	// Body is the parsed JSON value for application/json requests,
	// or the raw bytes otherwise. RawBody always holds the bytes read.
	Body    any
	RawBody []byte

	// Params holds the dynamic-route parameter bindings.
	Params map[string]string

	// ClientAddr is the client IP.
	ClientAddr string

	// User is filled by the authentication predicate when one is
	// configured; nil otherwise.
	User any

	issueCSRF func() (string, error)
}

// IssueCSRFToken mints a CSRF token from the engine's store. Handlers
// call this to hand tokens to clients.
func (r *Request) IssueCSRFToken() (string, error) {
	return r.issueCSRF()
}

// Response is the handler result value.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON builds a JSON response with the given status.
func JSON(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Header:     http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
			Body:       []byte(`{"error":"handler_failure"}`),
		}
	}
	return &Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:       body,
	}
}

// Text builds a plain-text response.
func Text(status int, body string) *Response {
	return &Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(body),
	}
}

// ResponseBuilder collects status, headers, and body for legacy
// handlers. Calls may chain; the zero status defaults to 200.
type ResponseBuilder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

// NewResponseBuilder returns an empty builder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{header: make(http.Header)}
}

// Status sets the response status code.
func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.status = code
	return b
}

// Header sets a response header.
func (b *ResponseBuilder) Header(key, value string) *ResponseBuilder {
	b.header.Set(key, value)
	return b
}

// JSON serializes v as the response body with a JSON content type.
func (b *ResponseBuilder) JSON(v any) *ResponseBuilder {
	payload, err := json.Marshal(v)
	if err != nil {
		b.status = http.StatusInternalServerError
		b.header.Set("Content-Type", "application/json; charset=utf-8")
		b.body.Reset()
		b.body.WriteString(`{"error":"handler_failure"}`)
		return b
	}
	b.header.Set("Content-Type", "application/json; charset=utf-8")
	b.body.Reset()
	b.body.Write(payload)
	return b
}

// Send appends raw bytes to the response body.
func (b *ResponseBuilder) Send(data []byte) *ResponseBuilder {
	b.body.Write(data)
	return b
}

// Text sets a plain-text body.
func (b *ResponseBuilder) Text(s string) *ResponseBuilder {
	b.header.Set("Content-Type", "text/plain; charset=utf-8")
	b.body.Reset()
	b.body.WriteString(s)
	return b
}

// build captures the assembled response as a value.
func (b *ResponseBuilder) build() *Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		StatusCode: status,
		Header:     b.header,
		Body:       b.body.Bytes(),
	}
}

// adaptLegacy wraps a builder-style handler into the value shape.
func adaptLegacy(h LegacyHandler) HandlerFunc {
	return func(_ context.Context, req *Request) (*Response, error) {
		builder := NewResponseBuilder()
		h(req, builder)
		return builder.build(), nil
	}
}
