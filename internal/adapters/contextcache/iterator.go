package contextcache

import (
	"context"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// Iterator walks a key pattern page by page. Each call to Next issues exactly
// one SCAN, so a caller can stop, persist Cursor, and resume later.
type Iterator struct {
	scanner ports.KeyScanner
	match   string
	cursor  uint64
	done    bool
}

func NewIterator(scanner ports.KeyScanner, match string, cursor uint64) *Iterator {
	return &Iterator{scanner: scanner, match: match, cursor: cursor}
}

// Next returns the next page. The page may be empty while more remain.
func (it *Iterator) Next(ctx context.Context) ([]string, error) {
	if it.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, next, err := it.scanner.ScanPage(ctx, it.match, it.cursor)
	if err != nil {
		return nil, err
	}
	it.cursor = next
	if next == 0 {
		it.done = true
	}
	return keys, nil
}

func (it *Iterator) Done() bool { return it.done }

// Cursor is the resume point for a later NewIterator call.
func (it *Iterator) Cursor() uint64 { return it.cursor }
