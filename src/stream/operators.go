package stream

import "context"

// Map derives a source by converting every chunk through fn. A conversion
// error is terminal. Closing the derived source closes the upstream.
func Map[T, U any](src Source[T], fn func(T) (U, error)) Source[U] {
	return &mapSource[T, U]{src: src, fn: fn}
}

type mapSource[T, U any] struct {
	src Source[T]
	fn  func(T) (U, error)
}

func (m *mapSource[T, U]) Next(ctx context.Context) (U, bool, error) {
	var zero U
	chunk, ok, err := m.src.Next(ctx)
	if err != nil || !ok {
		return zero, false, err
	}
	out, err := m.fn(chunk)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

func (m *mapSource[T, U]) Close() error { return m.src.Close() }

// Filter derives a source yielding only the chunks keep accepts.
func Filter[T any](src Source[T], keep func(T) bool) Source[T] {
	return &filterSource[T]{src: src, keep: keep}
}

type filterSource[T any] struct {
	src  Source[T]
	keep func(T) bool
}

func (f *filterSource[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		chunk, ok, err := f.src.Next(ctx)
		if err != nil || !ok {
			var zero T
			return zero, false, err
		}
		if f.keep(chunk) {
			return chunk, true, nil
		}
	}
}

func (f *filterSource[T]) Close() error { return f.src.Close() }

// Take derives a source that ends after n chunks. Once satisfied it stops
// pulling upstream; Close still releases the upstream's resources.
func Take[T any](src Source[T], n int) Source[T] {
	return &takeSource[T]{src: src, left: n}
}

type takeSource[T any] struct {
	src  Source[T]
	left int
}

func (t *takeSource[T]) Next(ctx context.Context) (T, bool, error) {
	if t.left <= 0 {
		var zero T
		return zero, false, nil
	}
	chunk, ok, err := t.src.Next(ctx)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	t.left--
	return chunk, true, nil
}

func (t *takeSource[T]) Close() error { return t.src.Close() }

// DoOnNext runs action on every chunk as it passes through, without
// altering the sequence. Useful for counters and debug taps.
func DoOnNext[T any](src Source[T], action func(T)) Source[T] {
	return &tapSource[T]{src: src, action: action}
}

type tapSource[T any] struct {
	src    Source[T]
	action func(T)
}

func (s *tapSource[T]) Next(ctx context.Context) (T, bool, error) {
	chunk, ok, err := s.src.Next(ctx)
	if ok && err == nil {
		s.action(chunk)
	}
	return chunk, ok, err
}

func (s *tapSource[T]) Close() error { return s.src.Close() }
