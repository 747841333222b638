package apierr

import "time"

// Meta carries the envelope metadata every tool response includes.
type Meta struct {
	Version   string `json:"version"`
	Tool      string `json:"tool"`
	Timestamp string `json:"timestamp"`
}

// Detail is the shape carried in a JSON-RPC error's `data` field, and in
// the REST envelope's `error` field.
type Detail struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Envelope is the canonical {ok,data,error,meta} response shape. Tool
// handlers merge tool-specific fields into the returned map so legacy
// clients can read either the nested envelope or the flattened fields,
// per spec.md's "structured tool envelopes" design note.
type Envelope struct {
	OK    bool    `json:"ok"`
	Data  any     `json:"data,omitempty"`
	Error *Detail `json:"error,omitempty"`
	Meta  Meta    `json:"meta"`
}

// Success builds an OK envelope for tool and returns it merged with
// extraFields (the tool-specific flattened fields), as a plain map ready
// for JSON encoding.
func Success(tool string, data any, extraFields map[string]any, now time.Time) map[string]any {
	env := Envelope{
		OK:   true,
		Data: data,
		Meta: Meta{Version: "1", Tool: tool, Timestamp: now.UTC().Format(time.RFC3339Nano)},
	}
	return merge(env, extraFields)
}

// Failure builds a failed envelope from err for tool.
func Failure(tool string, err *Error, now time.Time) map[string]any {
	env := Envelope{
		OK: false,
		Error: &Detail{
			Kind:      err.Kind,
			Code:      err.Code,
			Message:   err.Message,
			Retryable: err.Retryable,
		},
		Meta: Meta{Version: "1", Tool: tool, Timestamp: now.UTC().Format(time.RFC3339Nano)},
	}
	return merge(env, nil)
}

func merge(env Envelope, extraFields map[string]any) map[string]any {
	out := map[string]any{
		"ok":   env.OK,
		"meta": env.Meta,
	}
	if env.Data != nil {
		out["data"] = env.Data
	}
	if env.Error != nil {
		out["error"] = env.Error
	}
	for k, v := range extraFields {
		out[k] = v
	}
	return out
}

// RPCError is the JSON-RPC 2.0 error object shape: {code, message, data}.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    Detail `json:"data"`
}

// ToRPCError converts an *Error into the JSON-RPC error object.
func ToRPCError(err *Error) RPCError {
	return RPCError{
		Code:    err.RPCCode,
		Message: err.Message,
		Data: Detail{
			Kind:      err.Kind,
			Code:      err.Code,
			Message:   err.Message,
			Retryable: err.Retryable,
		},
	}
}
