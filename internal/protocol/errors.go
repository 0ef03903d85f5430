package protocol

import (
	"errors"
	"fmt"
)

// Wire error codes carried in Response.Error.
const (
	CodeMalformed         = "MALFORMED_REQUEST"
	CodeUnsupported       = "UNSUPPORTED_OPERATION"
	CodeNotAvailable      = "NOT_AVAILABLE"
	CodeBookNotFound      = "BOOK_NOT_FOUND"
	CodeLoanNotFound      = "LOAN_NOT_FOUND"
	CodeRenewalLimit      = "RENEWAL_LIMIT"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeStoreWriteFailed  = "STORE_WRITE_FAILED"
	CodeAllReplicasFailed = "ALL_REPLICAS_FAILED"
	CodeHandlerFailed     = "HANDLER_UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

var (
	ErrMalformed        = errors.New("malformed request")
	ErrUnsupported      = errors.New("unsupported operation")
	ErrNotAvailable     = errors.New("not available")
	ErrBookNotFound     = errors.New("book not found")
	ErrLoanNotFound     = errors.New("loan not found")
	ErrRenewalLimit     = errors.New("renewal limit reached")
	ErrStoreUnavailable = errors.New("store unavailable, use alternate site")
	ErrStoreWrite       = errors.New("store write failed")
	ErrAllReplicas      = errors.New("all storage replicas failed")
	ErrHandler          = errors.New("operation handler unavailable")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrMalformed, CodeMalformed},
	{ErrUnsupported, CodeUnsupported},
	{ErrNotAvailable, CodeNotAvailable},
	{ErrBookNotFound, CodeBookNotFound},
	{ErrLoanNotFound, CodeLoanNotFound},
	{ErrRenewalLimit, CodeRenewalLimit},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrStoreWrite, CodeStoreWriteFailed},
	{ErrAllReplicas, CodeAllReplicasFailed},
	{ErrHandler, CodeHandlerFailed},
}

// CodeFor maps an error to its wire code. Unknown errors map to CodeInternal.
func CodeFor(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Failure builds the failure reply for err.
func Failure(kind Kind, err error) Response {
	return Response{
		Success:   false,
		Message:   err.Error(),
		Operation: string(kind),
		Error:     CodeFor(err),
	}
}

func errorf(base error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}
