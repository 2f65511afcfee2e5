package domain

// LabelStatus distinguishes a computed label from a call that could not be
// labeled at all (no entry price baseline).
type LabelStatus string

const (
	LabelStatusLabeled   LabelStatus = "LABELED"
	LabelStatusUnlabeled LabelStatus = "UNLABELED"
)

// IsValid checks if the status is a valid value.
func (s LabelStatus) IsValid() bool {
	return s == LabelStatusLabeled || s == LabelStatusUnlabeled
}

// Outcome is the terminal, immutable record for one call.
// Corresponds to the outcomes_24h table in PostgreSQL.
type Outcome struct {
	CallID        string      `json:"call_id"`
	EntryPrice    float64     `json:"entry_price"`
	MaxPrice      float64     `json:"max_price"`
	MaxMultiple   float64     `json:"max_multiple"` // MaxPrice / EntryPrice, 0 when unlabeled
	TouchedTarget bool        `json:"touched_target"`
	Sustained     bool        `json:"sustained"`
	Win           bool        `json:"win"` // Win == Sustained for labeled calls
	Status        LabelStatus `json:"status"`
	FinalizedAt   int64       `json:"finalized_at"` // ms
}
