package protocol

import (
	"bytes"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// aliases maps every accepted spelling of an operation to its Kind.
// The Spanish names are the ones older site clients still send.
var aliases = map[string]Kind{
	"BORROW":     KindBorrow,
	"PRESTAR":    KindBorrow,
	"PRESTAMO":   KindBorrow,
	"RETURN":     KindReturn,
	"DEVOLVER":   KindReturn,
	"DEVOLUCION": KindReturn,
	"RENEW":      KindRenew,
	"RENOVAR":    KindRenew,
	"RENOVACION": KindRenew,
}

// LookupKind resolves an operation name or alias, case-insensitively.
func LookupKind(name string) (Kind, bool) {
	k, ok := aliases[strings.ToUpper(strings.TrimSpace(name))]
	return k, ok
}

// Parse validates the request once and returns the typed operation.
// An unknown operation yields ErrUnsupported; missing fields yield ErrMalformed.
func (r Request) Parse() (Operation, error) {
	if strings.TrimSpace(r.Operation) == "" {
		return nil, errorf(ErrMalformed, "operation required")
	}
	kind, ok := LookupKind(r.Operation)
	if !ok {
		return nil, errorf(ErrUnsupported, "%s", r.Operation)
	}
	ref := LoanRef{
		LoanID: strings.TrimSpace(r.LoanID),
		ISBN:   strings.TrimSpace(r.ISBN),
		User:   strings.TrimSpace(r.User),
	}

	switch kind {
	case KindBorrow:
		if ref.ISBN == "" || ref.User == "" {
			return nil, errorf(ErrMalformed, "%s requires isbn and user", kind)
		}
		return Borrow{ISBN: ref.ISBN, User: ref.User}, nil
	case KindReturn:
		if !ref.valid() {
			return nil, errorf(ErrMalformed, "%s requires loanId or isbn and user", kind)
		}
		return Return{LoanRef: ref}, nil
	default:
		if !ref.valid() {
			return nil, errorf(ErrMalformed, "%s requires loanId or isbn and user", kind)
		}
		op := Renew{LoanRef: ref}
		if r.FromTime != nil {
			op.FromTime = *r.FromTime
		}
		if r.NewDueTime != nil {
			op.NewDueTime = *r.NewDueTime
		}
		if !op.FromTime.IsZero() && !op.NewDueTime.IsZero() && !op.NewDueTime.After(op.FromTime) {
			return nil, errorf(ErrMalformed, "%s newDueTime must follow fromTime", kind)
		}
		return op, nil
	}
}

// Decode reads a raw client request. JSON objects are decoded as Request;
// anything else is treated as a legacy text line (see ParseLine).
func Decode(raw []byte) (Request, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Request{}, errorf(ErrMalformed, "empty request")
	}
	if trimmed[0] == '{' {
		var req Request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return Request{}, errorf(ErrMalformed, "bad json: %v", err)
		}
		return req, nil
	}
	return ParseLine(string(trimmed))
}

// ParseLine parses the comma separated request line:
//
//	OPERATION,ISBN,USER
//	OPERATION,LOANID
func ParseLine(line string) (Request, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 {
		return Request{}, errorf(ErrMalformed, "use OPERATION,PARAMETERS")
	}
	req := Request{Operation: parts[0]}
	switch len(parts) {
	case 2:
		req.LoanID = parts[1]
	default:
		req.ISBN = parts[1]
		req.User = parts[2]
	}
	return req, nil
}

// Marshal encodes v with the wire codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data with the wire codec.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
