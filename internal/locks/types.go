package locks

import "time"

// Token identifies one granted lock. Pass it back to Release.
type Token struct {
	ID       string
	Key      Key
	Fence    int64 // table-wide monotonic; later grants always carry larger fences
	Acquired time.Time
}

func (t Token) IsZero() bool { return t.ID == "" }

// HeldLock is a held lock as reported by Snapshot.
type HeldLock struct {
	Token   Token
	HeldFor time.Duration
}

// Waiter is a queued acquisition as reported by Snapshot.
type Waiter struct {
	Key     Key
	Waiting time.Duration
}

// Snapshot is a point-in-time copy of the table. Waiters are in arrival order.
type Snapshot struct {
	Held    []HeldLock
	Waiting []Waiter
}
