package main

import "fmt"

// stratumError is a Stratum-protocol error: a numeric code plus a
// human-readable message, returned to miners verbatim as the JSON-RPC
// "error" field and used internally to drive the share pipeline's
// control flow without string matching.
type stratumError struct {
	Code    int
	Message string
}

func (e *stratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

func newStratumError(code int, format string, args ...interface{}) *stratumError {
	return &stratumError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// asStratumError unwraps err into a *stratumError if it is one, else wraps
// it as an internal "unknown" error (code -1) so callers always have a code
// to report.
func asStratumError(err error) *stratumError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*stratumError); ok {
		return se
	}
	return &stratumError{Code: -1, Message: err.Error()}
}

// rpcError mirrors a JSON-RPC error object returned by the coin daemon.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
