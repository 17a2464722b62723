package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
)

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindProtocol            ErrorKind = "ProtocolError"
	KindNotFound            ErrorKind = "NotFound"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindTimeout             ErrorKind = "Timeout"
	KindCancelled           ErrorKind = "Cancelled"
	KindUpstreamError       ErrorKind = "UpstreamError"
	KindInternal            ErrorKind = "Internal"
	KindConfiguration       ErrorKind = "ConfigurationError"
)

// JSON-RPC codes used on the wire.
const (
	CodeParseError          int64 = -32700
	CodeInvalidRequest      int64 = -32600
	CodeMethodNotFound      int64 = -32601
	CodeInvalidParams       int64 = -32602
	CodeInternalError       int64 = -32603
	CodeUpstreamUnavailable int64 = -32001
	CodeTimeout             int64 = -32002
	CodeRequestCancelled    int64 = -32800
)

// Error is the failure type used across the gateway. Sentinels such as
// ErrNotFound match any *Error of the same kind via errors.Is.
type Error struct {
	Kind    ErrorKind
	Code    int64
	Message string
	// Server names the upstream involved, when known.
	Server string
	Err    error
}

var (
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrUpstream            = &Error{Kind: KindUpstreamError}
	ErrInternal            = &Error{Kind: KindInternal}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Server != "" {
		msg = fmt.Sprintf("%s (server %q)", msg, e.Server)
	}
	if e.Err != nil {
		return fmt.Sprintf("mcpgateway: %s: %v", msg, e.Err)
	}
	return "mcpgateway: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against sentinel errors (those without a message).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func newError(kind ErrorKind, code int64, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func parseError(err error) *Error {
	return &Error{Kind: KindProtocol, Code: CodeParseError, Message: "parse error", Err: err}
}

func invalidRequest(format string, args ...any) *Error {
	return newError(KindProtocol, CodeInvalidRequest, format, args...)
}

func methodNotFound(method string) *Error {
	return newError(KindNotFound, CodeMethodNotFound, "method %q not found", method)
}

func unknownCapability(kind, name string) *Error {
	return newError(KindNotFound, CodeInvalidParams, "unknown %s %q", kind, name)
}

func invalidParams(err error) *Error {
	return &Error{Kind: KindProtocol, Code: CodeInvalidParams, Message: "invalid params", Err: err}
}

// classify maps any error onto an *Error, recognising upstream wire errors,
// pool unavailability and deadlines.
func classify(err error, serverID string) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		if gwErr.Server == "" && serverID != "" {
			clone := *gwErr
			clone.Server = serverID
			return &clone
		}
		return gwErr
	}
	switch {
	case errors.Is(err, mcpmgr.ErrUpstreamUnavailable), errors.Is(err, mcpmgr.ErrUnknownServer):
		return &Error{Kind: KindUpstreamUnavailable, Code: CodeUpstreamUnavailable, Message: "upstream unavailable", Server: serverID, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: "request timed out", Server: serverID, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Code: CodeRequestCancelled, Message: "request cancelled", Server: serverID, Err: err}
	}
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return &Error{Kind: KindUpstreamError, Code: wire.Code, Message: wire.Message, Server: serverID, Err: err}
	}
	return &Error{Kind: KindInternal, Code: CodeInternalError, Message: "internal error", Server: serverID, Err: err}
}

type errorData struct {
	Kind   ErrorKind `json:"kind"`
	Server string    `json:"server,omitempty"`
}

// wireError renders err as a JSON-RPC error object. Upstream messages are
// passed through; internal causes are not leaked.
func wireError(err error) *jsonrpc.Error {
	e := classify(err, "")
	code := e.Code
	if code == 0 {
		code = defaultCode(e.Kind)
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	data, _ := json.Marshal(errorData{Kind: e.Kind, Server: e.Server})
	return &jsonrpc.Error{Code: code, Message: msg, Data: data}
}

func defaultCode(kind ErrorKind) int64 {
	switch kind {
	case KindProtocol:
		return CodeInvalidRequest
	case KindNotFound:
		return CodeMethodNotFound
	case KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	case KindTimeout:
		return CodeTimeout
	case KindCancelled:
		return CodeRequestCancelled
	default:
		return CodeInternalError
	}
}

// outcome is the metric label for a finished request.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(classify(err, "").Kind)
}
