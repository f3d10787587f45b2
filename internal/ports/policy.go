package ports

import "time"

// Policy bounds the feedback outbox.
type Policy struct {
	MaxWALSizeBytes int64         `yaml:"max_wal_size_bytes"`
	MaxQueueLen     int           `yaml:"max_queue_len"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	IdleSleep       time.Duration `yaml:"idle_sleep"`

	// OnWALFull is "block" (bounded by the caller's context) or "drop".
	// A full buffer never blocks: items past it wait in the WAL.
	OnWALFull string `yaml:"on_wal_full"`
}
