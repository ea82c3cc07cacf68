package tcp_protocol

// RetransmissionTimer counts elapsed milliseconds toward an RTO. It only
// advances while active and never fires on its own: the owner calls Tick.
type RetransmissionTimer struct {
	rto     uint64
	elapsed uint64
	active  bool
}

func NewRetransmissionTimer(rtoMs uint64) RetransmissionTimer {
	return RetransmissionTimer{rto: rtoMs}
}

// Activate starts the timer without touching the elapsed count.
func (t *RetransmissionTimer) Activate() *RetransmissionTimer {
	t.active = true
	return t
}

// Timeout doubles the RTO (exponential backoff).
func (t *RetransmissionTimer) Timeout() *RetransmissionTimer {
	t.rto <<= 1
	return t
}

// Reset zeroes the elapsed count; active state is unchanged.
func (t *RetransmissionTimer) Reset() *RetransmissionTimer {
	t.elapsed = 0
	return t
}

func (t *RetransmissionTimer) Tick(ms uint64) *RetransmissionTimer {
	if t.active {
		t.elapsed += ms
	}
	return t
}

func (t *RetransmissionTimer) IsActive() bool {
	return t.active
}

func (t *RetransmissionTimer) IsExpired() bool {
	return t.active && t.elapsed >= t.rto
}

func (t *RetransmissionTimer) RTO() uint64 {
	return t.rto
}
