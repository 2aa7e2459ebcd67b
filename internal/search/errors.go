package search

import "errors"

// ErrBadQuery marks caller mistakes (empty query, bad filters) so the
// transport layer can answer 400 instead of 500.
var ErrBadQuery = errors.New("bad query")
