package checkpoint

import "errors"

// Iterator is a lazy, finite, forward-only sequence of checkpoints in
// strictly descending insertion-time order. It is not restartable and not
// safe for concurrent use.
//
// Candidate checkpoint ids are resolved from the index on the first call to
// Next; each subsequent step fetches one record, so a caller consuming only
// the first N results performs roughly N store round trips. Index entries
// whose record fails to load are skipped: an orphaned entry is an accepted
// consequence of the non-transactional write batch, and independent key
// expiry can race any read.
//
//	it := saver.List(ctx, pos, nil)
//	for it.Next() {
//	    t := it.Tuple()
//	    ...
//	}
//	if err := it.Err(); err != nil {
//	    ...
//	}
type Iterator struct {
	start  func() ([]string, error)
	fetch  func(id string) (*Tuple, error)
	limit  int
	filter Metadata

	started bool
	done    bool
	ids     []string
	pos     int
	yielded int
	cur     *Tuple
	err     error
}

// newIterator builds an iterator over backend closures: start resolves the
// candidate ids in descending insertion-time order, fetch hydrates one
// checkpoint by id.
func newIterator(opts *ListOptions, start func() ([]string, error), fetch func(id string) (*Tuple, error)) *Iterator {
	limit := DefaultListLimit
	var filter Metadata
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		filter = opts.Filter
	}
	return &Iterator{start: start, fetch: fetch, limit: limit, filter: filter}
}

// emptyIterator yields nothing. Used for the missing-thread contract: a
// list without a thread id is an empty sequence, not an error.
func emptyIterator() *Iterator {
	return &Iterator{done: true}
}

// Next advances to the next checkpoint. It returns false when the sequence
// is exhausted, the limit is reached, or an error occurred; check Err after
// the loop.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		ids, err := it.start()
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.ids = ids
	}
	for it.pos < len(it.ids) && it.yielded < it.limit {
		id := it.ids[it.pos]
		it.pos++

		t, err := it.fetch(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		if it.filter != nil && !metadataMatches(t.Metadata, it.filter) {
			continue
		}

		it.cur = t
		it.yielded++
		return true
	}
	it.done = true
	return false
}

// Tuple returns the checkpoint produced by the last successful Next.
func (it *Iterator) Tuple() *Tuple {
	return it.cur
}

// Err returns the first error encountered, if any. ErrNotFound never
// surfaces here; missing records are skipped.
func (it *Iterator) Err() error {
	return it.err
}

// Collect drains the iterator into a slice. Mostly useful in tests and
// small histories; prefer ranging with Next for large ones.
func (it *Iterator) Collect() ([]*Tuple, error) {
	var tuples []*Tuple
	for it.Next() {
		tuples = append(tuples, it.Tuple())
	}
	return tuples, it.Err()
}
