package content

import (
	"fmt"

	"github.com/m-mizutani/tsumugi/pkg/model"
)

// ConflictError reports a rejected optimistic-concurrency update. It
// carries the persisted conflict record and matches
// model.ErrVersionConflict via errors.Is.
type ConflictError struct {
	Conflict *model.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on content %s: expected %d, actual %d",
		e.Conflict.ContentID, e.Conflict.ExpectedVersion, e.Conflict.ActualVersion)
}

func (e *ConflictError) Unwrap() error {
	return model.ErrVersionConflict
}
