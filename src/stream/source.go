package stream

import "context"

// Source is a pull-driven finite sequence feeding an outgoing streaming
// tail. Next returns the next chunk with ok=true, or ok=false when the
// sequence ends; a non-nil error is terminal. Close releases underlying
// resources and must be idempotent.
type Source[T any] interface {
	Next(ctx context.Context) (chunk T, ok bool, err error)
	Close() error
}

// SourceFunc adapts a pull function into a Source with a no-op Close.
type SourceFunc[T any] func(ctx context.Context) (T, bool, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

func (f SourceFunc[T]) Close() error { return nil }

// SliceSource yields the given chunks in order. Useful for tests and for
// callers that already hold the full tail.
func SliceSource[T any](chunks []T) Source[T] {
	i := 0
	return SourceFunc[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, false, context.Cause(ctx)
		}
		if i >= len(chunks) {
			return zero, false, nil
		}
		c := chunks[i]
		i++
		return c, true, nil
	})
}
