package models

/*
	Payloads for the drift bottle sea. A bottle is immutable once stored
	and only ever leaves the sea through capacity eviction.
*/

type Bottle struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

type BottleReceipt struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

type ThrowRequest struct {
	Message string `json:"message"`
}

type ThrowResponse struct {
	Success bool          `json:"success"`
	Bottle  BottleReceipt `json:"bottle"`
}

type PickResponse struct {
	Success bool   `json:"success"`
	Bottle  Bottle `json:"bottle"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// BottleThrownEvent is announced on the public bottles channel after a
// bottle has been durably stored.
type BottleThrownEvent struct {
	BottleID  string `json:"bottleId"`
	Timestamp int64  `json:"timestamp"`
}

func (b Bottle) Receipt() BottleReceipt {
	return BottleReceipt{ID: b.ID, Timestamp: b.Timestamp}
}

type UptimeResponse struct {
	Status    string `json:"status"`
	StartedAt string `json:"startedAt"`
	Uptime    string `json:"uptime"`
}

type HealthResponse struct {
	Status   string `json:"status"` // OK or DEGRADED
	Store    string `json:"store"`  // ok, unconfigured, or the ping error
	Realtime bool   `json:"realtime"`
}
