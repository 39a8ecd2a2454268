package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code classifies a negative [Response].
type Code string

const (
	CodeNotLoaded         Code = "not_loaded"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeLoadFailed        Code = "load_failed"
	CodeBadRequest        Code = "bad_request"
	CodeInternal          Code = "internal"
)

// ErrBadRequest marks a request the worker could not interpret.
var ErrBadRequest = errors.New("engine: bad request")

// Response is the outcome of one engine operation as seen by a caller on
// either side of the process boundary. A failure is carried as data, never
// as a transport error.
type Response struct {
	OK bool `json:"ok"`

	// Text is the transcript for successful Transcribe requests.
	Text string `json:"text,omitempty"`

	// Code and Error describe a failure.
	Code  Code   `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	// Loaded reports whether the engine held a model after the request.
	Loaded bool `json:"loaded"`
}

// Success returns a positive response carrying text.
func Success(text string) Response {
	return Response{OK: true, Text: text}
}

// Failure converts err into a negative response, classifying known sentinels.
func Failure(err error) Response {
	return Response{OK: false, Code: classify(err), Error: err.Error()}
}

func classify(err error) Code {
	switch {
	case errors.Is(err, ErrNotLoaded):
		return CodeNotLoaded
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrLoadFailed):
		return CodeLoadFailed
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// Err returns nil for a positive response and a *ResponseError otherwise.
// The error unwraps to the sentinel matching Code, so errors.Is works on
// results that crossed a process boundary.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return &ResponseError{Code: r.Code, Message: r.Error}
}

// Marshal encodes r as JSON.
func (r Response) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal response: %w", err)
	}
	return b, nil
}

// UnmarshalResponse decodes a JSON response.
func UnmarshalResponse(b []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		return Response{}, fmt.Errorf("engine: unmarshal response: %w", err)
	}
	return r, nil
}

// ResponseError is the error form of a negative Response.
type ResponseError struct {
	Code    Code
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return "engine: " + string(e.Code)
	}
	return e.Message
}

// Unwrap returns the sentinel for e.Code, or nil for unclassified failures.
func (e *ResponseError) Unwrap() error {
	switch e.Code {
	case CodeNotLoaded:
		return ErrNotLoaded
	case CodeResourceExhausted:
		return ErrResourceExhausted
	case CodeLoadFailed:
		return ErrLoadFailed
	case CodeBadRequest:
		return ErrBadRequest
	}
	return nil
}
