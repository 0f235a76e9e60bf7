package transcript

import "time"

// Entry is one archived turn.
type Entry struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"` // JSON-encoded segments
	CreatedAt time.Time `json:"created_at"`
}
