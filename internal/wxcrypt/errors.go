package wxcrypt

import (
	"errors"
	"fmt"
)

// Error codes. -40001 through -40011 match the platform SDKs.
const (
	CodeValidateSignature = -40001
	CodeParseXML          = -40002
	CodeComputeSignature  = -40003
	CodeIllegalAesKey     = -40004
	CodeValidateCorpID    = -40005
	CodeEncryptAES        = -40006
	CodeDecryptAES        = -40007
	CodeIllegalBuffer     = -40008
	CodeEncodeBase64      = -40009
	CodeDecodeBase64      = -40010
	CodeGenReturnXML      = -40011
	CodeExpiredTimestamp  = -40012
)

// Error is a crypto failure with its numeric code.
type Error struct {
	Code int
	Err  error
}

func newError(code int, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("wxcrypt %d: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the numeric code from err, or 0 if err is nil or not an
// *Error.
func CodeOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
