package upload

import (
	"errors"
	"fmt"
)

var ErrEmptyAPIKey = errors.New("API key is empty")

// Kind classifies a failed upload.
type Kind int

const (
	// KindNetwork: no response, or a body that is not JSON.
	KindNetwork Kind = iota
	// KindInvalidResponse: the response carried no HTTP status.
	KindInvalidResponse
	// KindServer: non-2xx status.
	KindServer
	// KindInvalidData: 2xx with an empty body or without a string job_id.
	KindInvalidData
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindInvalidResponse:
		return "invalid_response"
	case KindServer:
		return "server"
	case KindInvalidData:
		return "invalid_data"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const unknownServerError = "Unknown server error"

type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNetwork:
		return fmt.Sprintf("network error: %v", e.Err)
	case KindInvalidResponse:
		return "invalid response from server"
	case KindServer:
		return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Body)
	case KindInvalidData:
		if e.Err != nil {
			return fmt.Sprintf("invalid data from server: %v", e.Err)
		}
		return "invalid data from server"
	}
	return fmt.Sprintf("upload failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == k
}
