package models

type Thread struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Owner is an opaque identity id supplied by the auth layer; threads are
	// only ever visible to their owner.
	Owner string `json:"owner"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - last message append or metadata change
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// Deleted marks a thread as soft-deleted; DeletedTS records deletion time (ns)
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedTS int64 `json:"deleted_ts,omitempty"`
	// Rev increments on every persisted change; conditional writes use it to
	// reject concurrent read-modify-write cycles.
	Rev int64 `json:"rev,omitempty"`
}

// ThreadSummary is the compact thread view carried inside chat protocol
// events and list responses.
type ThreadSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	MessageCount int    `json:"messageCount"`
	// Preview holds the last message content truncated for list views.
	Preview   string `json:"preview,omitempty"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
}
