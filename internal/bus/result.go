package bus

import "fmt"

// ResultCode is the outcome of a transport-level operation.
type ResultCode int

const (
	Success ResultCode = iota
	Failure
	CommandTimeout
	NotOnIOGoroutine
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case CommandTimeout:
		return "command timeout"
	case NotOnIOGoroutine:
		return "not on I/O goroutine"
	default:
		return fmt.Sprintf("ResultCode(%d)", int(c))
	}
}

// Result carries a ResultCode plus a human-readable detail.
// Transport operations return a Result instead of an error so callers on any
// goroutine can inspect the failure without unwinding.
type Result struct {
	Code   ResultCode
	Detail string
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Code == Success
}

func (r Result) String() string {
	if r.Detail == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Err converts a failing Result into an *Error tagged with op.
// Returns nil for a successful result.
func (r Result) Err(op string) error {
	var kind ErrorKind
	switch r.Code {
	case Success:
		return nil
	case CommandTimeout:
		kind = KindTimeout
	case NotOnIOGoroutine:
		kind = KindMisuse
	default:
		kind = KindTransport
	}
	return &Error{Kind: kind, Op: op, Msg: r.Detail}
}

func succeeded() Result {
	return Result{Code: Success}
}

func failed(format string, args ...any) Result {
	return Result{Code: Failure, Detail: fmt.Sprintf(format, args...)}
}
