package engine

type (
	// ErrorReporter is implemented by events that can flag a failed run.
	ErrorReporter interface {
		IsError() bool
	}

	// SubtypeReporter is implemented by events carrying a subtype label.
	SubtypeReporter interface {
		Subtype() (string, bool)
	}

	// TypeReporter is implemented by events carrying a type tag such as
	// "result" or "assistant".
	TypeReporter interface {
		TypeTag() (string, bool)
	}

	// SessionReporter is implemented by events carrying the engine-issued
	// session id used for resumption.
	SessionReporter interface {
		SessionID() (string, bool)
	}

	// TurnReporter is implemented by events reporting the number of turns.
	TurnReporter interface {
		NumTurns() (int, bool)
	}

	// DurationReporter is implemented by events reporting run duration.
	DurationReporter interface {
		DurationMS() (int64, bool)
	}

	// CostReporter is implemented by events reporting total cost in USD.
	CostReporter interface {
		TotalCostUSD() (float64, bool)
	}

	// UsageReporter is implemented by events reporting token usage.
	UsageReporter interface {
		Usage() (any, bool)
	}

	// ResultReporter is implemented by events carrying a textual result or
	// error description.
	ResultReporter interface {
		ResultText() (string, bool)
	}

	// Namer is implemented by events that name their own type. Events that
	// do not implement it are named after their Go type.
	Namer interface {
		EventName() string
	}
)

// IsError reports whether ev flags an error.
func IsError(ev Event) bool {
	r, ok := ev.(ErrorReporter)
	return ok && r.IsError()
}

// SubtypeOf returns the subtype of ev if it has one.
func SubtypeOf(ev Event) (string, bool) {
	if r, ok := ev.(SubtypeReporter); ok {
		return r.Subtype()
	}
	return "", false
}

// TypeTagOf returns the type tag of ev if it has one.
func TypeTagOf(ev Event) (string, bool) {
	if r, ok := ev.(TypeReporter); ok {
		return r.TypeTag()
	}
	return "", false
}

// SessionIDOf returns the non-empty engine session id carried by ev.
func SessionIDOf(ev Event) (string, bool) {
	if r, ok := ev.(SessionReporter); ok {
		if id, ok := r.SessionID(); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// NumTurnsOf returns the turn count carried by ev.
func NumTurnsOf(ev Event) (int, bool) {
	if r, ok := ev.(TurnReporter); ok {
		return r.NumTurns()
	}
	return 0, false
}

// DurationMSOf returns the duration in milliseconds carried by ev.
func DurationMSOf(ev Event) (int64, bool) {
	if r, ok := ev.(DurationReporter); ok {
		return r.DurationMS()
	}
	return 0, false
}

// TotalCostUSDOf returns the total cost carried by ev.
func TotalCostUSDOf(ev Event) (float64, bool) {
	if r, ok := ev.(CostReporter); ok {
		return r.TotalCostUSD()
	}
	return 0, false
}

// UsageOf returns the usage payload carried by ev.
func UsageOf(ev Event) (any, bool) {
	if r, ok := ev.(UsageReporter); ok {
		return r.Usage()
	}
	return nil, false
}

// ResultTextOf returns the result text carried by ev.
func ResultTextOf(ev Event) (string, bool) {
	if r, ok := ev.(ResultReporter); ok {
		return r.ResultText()
	}
	return "", false
}
