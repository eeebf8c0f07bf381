package repository

import "errors"

// ErrNotFound wraps pgx.ErrNoRows at the repository boundary so callers
// don't need to import pgx to test for it.
var ErrNotFound = errors.New("repository: not found")
