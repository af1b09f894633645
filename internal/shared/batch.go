package shared

// ItemFailure pairs a batch input with the error it produced.
type ItemFailure[T any] struct {
	Input T
	Err   error
}

// BatchResult records per-item outcomes of an operation that tolerates partial failure.
type BatchResult[T any] struct {
	Succeeded []T
	Failed    []ItemFailure[T]
}

// Ok appends a successful item.
func (r *BatchResult[T]) Ok(item T) {
	r.Succeeded = append(r.Succeeded, item)
}

// Fail appends a failed item.
func (r *BatchResult[T]) Fail(item T, err error) {
	r.Failed = append(r.Failed, ItemFailure[T]{Input: item, Err: err})
}

// Merge appends the outcomes of other.
func (r *BatchResult[T]) Merge(other BatchResult[T]) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
}

// HasFailures reports whether at least one item failed.
func (r BatchResult[T]) HasFailures() bool {
	return len(r.Failed) > 0
}

// Total returns the number of processed items.
func (r BatchResult[T]) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Errors returns the collected item errors in processing order.
func (r BatchResult[T]) Errors() []error {
	if len(r.Failed) == 0 {
		return nil
	}
	out := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Err)
	}
	return out
}
