package ports

import (
	"context"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

type LookupStatus int

const (
	LookupHit LookupStatus = iota
	LookupMiss
	LookupUnavailable
)

func (s LookupStatus) String() string {
	switch s {
	case LookupHit:
		return "hit"
	case LookupMiss:
		return "miss"
	default:
		return "unavailable"
	}
}

// LookupResult is the outcome of a context lookup. A miss is not an error.
type LookupResult struct {
	Status  LookupStatus
	Payload domain.ContextPayload
	Err     error
}

type ContextResolver interface {
	Resolve(ctx context.Context, identifier string) LookupResult
}

// KeyScanner enumerates keys one bounded page at a time. A returned cursor of
// zero means the iteration is complete.
type KeyScanner interface {
	ScanPage(ctx context.Context, match string, cursor uint64) (keys []string, next uint64, err error)
}
