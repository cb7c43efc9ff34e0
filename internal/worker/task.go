package worker

import "time"

// Task is one local file to upload to the mirror.
type Task struct {
	Path        string `json:"path"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	// ModTime is the local modification time; a remote object older than
	// it is uploaded again even when the sizes match.
	ModTime time.Time `json:"mod_time"`
}

// Config contains worker configuration
type Config struct {
	Bucket         string
	Retries        int
	RetryBackoffMs int
	SkipExisting   bool
}

// Stats counts task results of a pool.
type Stats struct {
	Uploaded int64
	Skipped  int64
	Failed   int64
	Bytes    int64
}
