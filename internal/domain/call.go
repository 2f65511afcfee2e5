package domain

// Call represents one accepted trading call to be labeled.
// Corresponds to a row referenced by monitor_state in PostgreSQL.
type Call struct {
	CallID    string // PRIMARY KEY, deterministic hash
	MessageID string // source message ID (Discord snowflake)
	Mint      string // token mint address
	T0        int64  // entry timestamp, Unix milliseconds
	CreatedAt int64  // record creation timestamp (ms)
}
