/*
Package rpc implements the node's JSON-RPC 2.0 surface:
a request is {jsonrpc?, method, params, id}; a response carries either
result or error. The method table is pluggable so a caller can register
more than the status/height/broadcast baseline.
*/
package rpc

import (
	"encoding/json"

	"github.com/swiftnode/swiftnode/internal/errors"
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one JSON-RPC 2.0 reply. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// ResponseError is the {code, message, data?} error shape.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler serves one method. params is the raw JSON params value (array or
// object), unmarshaled by the handler itself since each method's shape
// differs.
type Handler func(params json.RawMessage) (any, error)

// Dispatcher is a method-name-keyed router with the error mapping baked
// in: an unknown method reports RPCMethodNotFound, a *errors.Error from a
// handler is translated via errors.RPCCodeFor, and anything else becomes
// RPCInternalError.
type Dispatcher struct {
	methods map[string]Handler
}

// NewDispatcher constructs an empty dispatcher; call Register for each
// method before serving requests.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]Handler)}
}

// Register adds or replaces the handler for method.
func (d *Dispatcher) Register(method string, h Handler) {
	d.methods[method] = h
}

// Dispatch serves req and always returns a Response, never an error: any
// failure is folded into Response.Error per the JSON-RPC contract.
func (d *Dispatcher) Dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	h, ok := d.methods[req.Method]
	if !ok {
		resp.Error = &ResponseError{
			Code:    int(errors.RPCMethodNotFound),
			Message: "method not found: " + req.Method,
		}
		return resp
	}

	result, err := h(req.Params)
	if err != nil {
		resp.Error = responseErrorFor(err)
		return resp
	}
	resp.Result = result
	return resp
}

func responseErrorFor(err error) *ResponseError {
	if e, ok := errors.As(err); ok {
		return &ResponseError{
			Code:    int(errors.RPCCodeFor(e.Kind)),
			Message: e.Error(),
		}
	}
	return &ResponseError{
		Code:    int(errors.RPCInternalError),
		Message: err.Error(),
	}
}

// HTTPStatusFor maps an already-built Response to the HTTP status the
// transport should answer with: 200 on success, 404 for an unknown
// method, the kind-specific status when the error carries a
// *errors.Error-derived code, 500 otherwise.
func HTTPStatusFor(resp Response) int {
	if resp.Error == nil {
		return 200
	}
	switch errors.RPCCode(resp.Error.Code) {
	case errors.RPCCodeFor(errors.Protocol), errors.RPCCodeFor(errors.InvalidBlock):
		return 400
	case errors.RPCMethodNotFound:
		return 404
	case errors.RPCCodeFor(errors.Transient):
		return 503
	default:
		return 500
	}
}
