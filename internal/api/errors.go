package api

import "errors"

var ErrInvalidRequest = errors.New("invalid_request")

// invalidRequestError is a client error, optionally tied to a request field.
type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func newInvalidParam(param, msg string) error {
	return invalidRequestError{msg: msg, param: param}
}

// errorParam returns the request field err refers to, if any.
func errorParam(err error) string {
	var ire invalidRequestError
	if errors.As(err, &ire) {
		return ire.param
	}
	return ""
}
