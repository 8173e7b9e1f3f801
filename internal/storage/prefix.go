package storage

import (
	"errors"
	"fmt"
)

// listPage is one page of keys plus the continuation token for the next page,
// nil when no page follows.
type listPage struct {
	keys []string
	next *string
}

// deleteAllPages walks a paginated listing and deletes every key it yields.
// A failed delete is recorded and the walk continues; a failed listing stops
// the walk since the remaining keys are unknown. The deleted count is
// returned alongside the collected errors.
func deleteAllPages(list func(token *string) (*listPage, error), del func(key string) error) (int, error) {
	var deleted int
	var errs []error
	var token *string

	for {
		page, err := list(token)
		if err != nil {
			errs = append(errs, fmt.Errorf("list page: %w", err))
			return deleted, errors.Join(errs...)
		}
		for _, key := range page.keys {
			if err := del(key); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
				continue
			}
			deleted++
		}
		if page.next == nil {
			break
		}
		token = page.next
	}

	return deleted, errors.Join(errs...)
}
