package models

// EntryStatus marks whether a blob cache entry holds a value or an error marker.
type EntryStatus string

const (
	StatusOK    EntryStatus = "ok"
	StatusError EntryStatus = "error"
)

// BlobEntry is the envelope persisted by the blob cache in every tier.
type BlobEntry struct {
	Status     EntryStatus `json:"status"`
	ErrorCount int         `json:"error_count,omitempty"`
	Body       string      `json:"body,omitempty"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
