package sqlitemm

import "iter"

// RowScanner is implemented by a pointer to T, reading T from the current row.
type RowScanner[T any] interface {
	*T
	ScanRow(r *Result) error
}

// Iterator is a single-pass sequence of rows of a Result converted to T.
// Every Next steps the result, and once exhausted the iterator stays exhausted.
type Iterator[T any] struct {
	res  *Result
	conv func(*Result) (T, error)
	cur  T
	err  error
	done bool
}

// NewIterator makes an iterator converting each row with conv.
func NewIterator[T any](r *Result, conv func(*Result) (T, error)) *Iterator[T] {
	return &Iterator[T]{res: r, conv: conv}
}

// ScanIterator makes an iterator reading each row with T's ScanRow method.
func ScanIterator[T any, PT RowScanner[T]](r *Result) *Iterator[T] {
	return NewIterator(r, func(r *Result) (T, error) {
		var res T
		err := PT(&res).ScanRow(r)
		return res, err
	})
}

// End returns an exhausted iterator, equal to every other exhausted iterator.
func End[T any]() *Iterator[T] {
	return &Iterator[T]{done: true}
}

// Next steps to the next row and converts it. It returns false once rows are exhausted
// or on the first error, reported by Err.
func (it *Iterator[T]) Next() bool {
	if it.done {
		return false
	}
	ok, err := it.res.Step()
	if err != nil || !ok {
		it.finish(err)
		return false
	}
	v, err := it.conv(it.res)
	if err != nil {
		it.finish(err)
		return false
	}
	it.cur = v
	return true
}

func (it *Iterator[T]) finish(err error) {
	var zero T
	it.cur, it.err, it.done = zero, err, true
}

// Value returns the row converted by the last successful Next
func (it *Iterator[T]) Value() T { return it.cur }

// Err returns the error which stopped the iteration, if any
func (it *Iterator[T]) Err() error { return it.err }

// Done returns true once the iterator is exhausted
func (it *Iterator[T]) Done() bool { return it.done }

// Equal returns true if both iterators are exhausted, or if they are the same iterator.
func (it *Iterator[T]) Equal(other *Iterator[T]) bool {
	if it == other {
		return true
	}
	if it == nil || other == nil {
		return false
	}
	return it.done && other.done
}

// All returns the remaining rows as a range-over-func sequence. Iteration stops after an error is yielded.
func (it *Iterator[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for it.Next() {
			if !yield(it.cur, nil) {
				return
			}
		}
		if it.err != nil {
			var zero T
			yield(zero, it.err)
		}
	}
}

// Collect reads all remaining rows.
func Collect[T any](it *Iterator[T]) ([]T, error) {
	var res []T
	for it.Next() {
		res = append(res, it.cur)
	}
	return res, it.err
}
