package hasuralive

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

// canonicalJSON sorts map keys so that equal variables always render identically.
var canonicalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a GraphQL operation along with its variables and the key that correlates it with the
// server's responses. Requests are immutable.
type Request struct {
	key       string
	operation string
	variables map[string]interface{}
}

// NewRequest creates a request whose key is derived from the operation and variables. Two
// requests built from the same operation and variables share a key, so subscribing to both at
// once makes the later one replace the earlier one when subscriptions are replayed after a
// reconnection. Use NewRequestWithKey for subscriptions that need to coexist.
func NewRequest(operation string, variables map[string]interface{}) *Request {
	return NewRequestWithKey("", operation, variables)
}

// NewRequestWithKey creates a request with an explicit key. If key is empty, it is derived from
// the operation and variables.
func NewRequestWithKey(key, operation string, variables map[string]interface{}) *Request {
	variables = withoutNulls(variables)
	if key == "" {
		key = fingerprint(operation, variables)
	}
	return &Request{
		key:       key,
		operation: operation,
		variables: variables,
	}
}

// Key returns the correlation key used as the id of the request's messages.
func (r *Request) Key() string {
	return r.key
}

func (r *Request) Operation() string {
	return r.operation
}

// Variables returns a copy of the request's variables. Null variables are never included.
func (r *Request) Variables() map[string]interface{} {
	ret := make(map[string]interface{}, len(r.variables))
	for k, v := range r.variables {
		ret[k] = v
	}
	return ret
}

type startPayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func (r *Request) startPayload() *startPayload {
	return &startPayload{
		Query:     r.operation,
		Variables: r.variables,
	}
}

// Fingerprint returns a key for the given operation and variables. It is stable across processes
// and ignores variables that are null.
func Fingerprint(operation string, variables map[string]interface{}) string {
	return fingerprint(operation, withoutNulls(variables))
}

func fingerprint(operation string, variables map[string]interface{}) string {
	h := xxhash.New()
	h.WriteString(operation)
	h.WriteString("\x00")
	if len(variables) > 0 {
		if data, err := canonicalJSON.Marshal(variables); err == nil {
			h.Write(data)
		} else {
			h.WriteString(err.Error())
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func withoutNulls(variables map[string]interface{}) map[string]interface{} {
	ret := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		if v != nil {
			ret[k] = v
		}
	}
	return ret
}
