package codec

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	Evict
)

// Policy decides what happens to a session whose encoder keeps returning
// nothing. streak counts frames without output in a row, including this one.
type Policy interface {
	OnBackPressure(streak uint64) BackpressureAction
}

// DropPolicy waits for the encoder forever.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(uint64) BackpressureAction { return DropFrame }

// EvictAfter gives up after Limit frames without output.
type EvictAfter struct {
	Limit uint64
}

func (p EvictAfter) OnBackPressure(streak uint64) BackpressureAction {
	if streak >= p.Limit {
		return Evict
	}
	return DropFrame
}

// PolicyFor maps a configured stall limit to a policy; zero or less never
// evicts.
func PolicyFor(limit int) Policy {
	if limit <= 0 {
		return DropPolicy{}
	}
	return EvictAfter{Limit: uint64(limit)}
}
