package avrio

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrClosed is returned when a cursor or connection is used after Close.
	ErrClosed = errors.New("avrio: use of closed cursor or connection")

	// ErrNoResultSet is returned by fetch calls made before any Execute.
	ErrNoResultSet = errors.New("avrio: no result set, call Execute first")
)

// ConnectionError reports a transport failure that happened before any
// response was received.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("avrio: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected HTTP status or a malformed response.
type ProtocolError struct {
	// StatusCode is zero when the failure is a malformed body rather than a status.
	StatusCode int
	Message    string

	// Response is the original HTTP response, if any. Its body is already consumed.
	Response *http.Response
}

func (e *ProtocolError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("avrio: protocol error: %s", e.Message)
	}
	return fmt.Sprintf("avrio: protocol error: %s (status code: %d)", e.Message, e.StatusCode)
}

// newProtocolError reads and closes the response body and wraps it into a ProtocolError.
func newProtocolError(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("reading error response: %w", err)}
	}
	msg := string(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ProtocolError{StatusCode: resp.StatusCode, Message: msg, Response: resp}
}

// DatabaseError reports a failure signalled by the server: either an error
// payload in a statement response or a failed transaction control statement.
type DatabaseError struct {
	Message string

	// QueryError is the structured payload when the server returned one.
	QueryError *QueryError

	Err error
}

func (e *DatabaseError) Error() string {
	switch {
	case e.QueryError != nil:
		return fmt.Sprintf("avrio: database error: %s", e.QueryError)
	case e.Err != nil:
		return fmt.Sprintf("avrio: %s: %v", e.Message, e.Err)
	default:
		return fmt.Sprintf("avrio: %s", e.Message)
	}
}

func (e *DatabaseError) Unwrap() error {
	if e.QueryError != nil {
		return e.QueryError
	}
	return e.Err
}

// NotSupportedError is returned by deliberately unimplemented capabilities
// and by the parameter encoder for values it cannot render.
type NotSupportedError struct {
	Operation string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("avrio: not supported: %s", e.Operation)
}

// InputError reports invalid arguments passed by the caller.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return "avrio: " + e.Message
}

// AuthenticationError reports a terminal authentication failure.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("avrio: authentication failed: %s: %v", e.Message, e.Err)
	}
	return "avrio: authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// QueryError is the structured error payload of a statement response.
type QueryError struct {
	Message   string `json:"message"`
	SQLState  string `json:"sqlState,omitempty"`
	ErrorCode int    `json:"errorCode"`
	ErrorName string `json:"errorName"`

	// ErrorType categorizes the error (e.g., "USER_ERROR", "INTERNAL_ERROR")
	ErrorType string `json:"errorType"`

	Retriable     bool           `json:"retriable"`
	ErrorLocation *ErrorLocation `json:"errorLocation,omitempty"`
	FailureInfo   *FailureInfo   `json:"failureInfo,omitempty"`
}

// String returns "ErrorName: Message", with the location appended when known.
func (q *QueryError) String() string {
	if q == nil {
		return "nil QueryError"
	}
	if q.ErrorLocation != nil {
		return fmt.Sprintf("%s: %s (%s)", q.ErrorName, q.Message, q.ErrorLocation)
	}
	return fmt.Sprintf("%s: %s", q.ErrorName, q.Message)
}

func (q *QueryError) Error() string {
	return q.String()
}

// ErrorLocation is the 1-based position of a syntax error in the statement.
type ErrorLocation struct {
	LineNumber   int `json:"lineNumber"`
	ColumnNumber int `json:"columnNumber"`
}

func (e *ErrorLocation) String() string {
	return fmt.Sprintf("line %d:%d", e.LineNumber, e.ColumnNumber)
}

// FailureInfo is the server-side exception chain behind a QueryError.
type FailureInfo struct {
	Type          string         `json:"type"`
	Message       string         `json:"message,omitempty"`
	Cause         *FailureInfo   `json:"cause,omitempty"`
	Suppressed    []FailureInfo  `json:"suppressed"`
	Stack         []string       `json:"stack"`
	ErrorLocation *ErrorLocation `json:"errorLocation,omitempty"`
}
