package ctrcrypt

// Status of a hash or signature check.
type Status int

// Unchecked is the zero value: the check did not run, or could not run for lack of a key.
const (
	Unchecked Status = iota
	Good
	Fail
)

func statusOf(ok bool) Status {
	if ok {
		return Good
	}
	return Fail
}

func (s Status) String() string {
	switch s {
	case Good:
		return "GOOD"
	case Fail:
		return "FAIL"
	default:
		return "UNCHECKED"
	}
}

// MarshalText implements encoding.TextMarshaler, also used for JSON encoding.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stage of a container parser.
type Stage int

// A parser only moves forward through the stages.
const (
	Unparsed Stage = iota
	HeaderRead
	KeyDerived
	Verified
	Extracted
)

func (s Stage) String() string {
	switch s {
	case HeaderRead:
		return "header read"
	case KeyDerived:
		return "key derived"
	case Verified:
		return "verified"
	case Extracted:
		return "extracted"
	default:
		return "unparsed"
	}
}

func (s *Stage) advance(to Stage) {
	if to > *s {
		*s = to
	}
}
