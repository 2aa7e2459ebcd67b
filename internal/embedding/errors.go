package embedding

import "fmt"

// ErrMalformedVector reports a generator response that failed
// validation (wrong dimension or non-finite values). It is never
// retried, unlike transport failures.
type ErrMalformedVector struct {
	Index  int
	Reason string
}

func (e ErrMalformedVector) Error() string {
	return fmt.Sprintf("malformed embedding vector at index %d: %s", e.Index, e.Reason)
}

// ErrTransport wraps a network/quota failure from the embedding
// generator after retries were exhausted.
type ErrTransport struct {
	Attempts int
	Err      error
}

func (e ErrTransport) Error() string {
	return fmt.Sprintf("embedding transport failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e ErrTransport) Unwrap() error { return e.Err }
