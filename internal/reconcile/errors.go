package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/store"
)

// classify converts an error escaping a transaction into a model.Error.
//
// Errors already carrying a code pass through. SQLite contention and
// UNIQUE violations are conflicts the caller can retry after re-fetching;
// cancellation and everything else is a storage failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	switch {
	case errors.As(err, &me):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.NewStorageError(op+" aborted", err)
	case store.IsBusy(err):
		e := model.NewConflictError("", "", "concurrent write in progress, retry")
		e.Err = err
		return e
	case store.IsUniqueViolation(err):
		e := model.NewConflictError("", "", "identifier or image key already in use")
		e.Err = err
		return e
	}
	return model.NewStorageError(op, err)
}

// notFoundOr maps sql.ErrNoRows to a not-found error for the given node.
func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(entity, id)
	}
	return err
}

// prefixFields rewrites the field paths of a validation error so failures
// raised for one page (or one item of a forest) point at it.
func prefixFields(err error, prefix string) error {
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.ErrCodeValidation {
		return err
	}
	out := *me
	out.Fields = make([]model.FieldError, len(me.Fields))
	for i, f := range me.Fields {
		out.Fields[i] = model.FieldError{Field: prefix + "." + f.Field, Message: f.Message}
	}
	return &out
}

func fieldError(field, format string, args ...any) *model.Error {
	return model.NewValidationError("invalid item", model.FieldError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}
