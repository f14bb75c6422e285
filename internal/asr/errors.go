package asr

import "errors"

// ErrNoBackend is returned when the dispatcher's configured primary provider
// has no registered backend, a configuration error per §7. cmd/exhibitd
// refuses to start in that case (exit code 2), whether or not fail-fast mode
// is set.
var ErrNoBackend = errors.New("asr: no backend registered for primary provider")
