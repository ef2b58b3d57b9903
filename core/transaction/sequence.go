package transaction

// sequence stamps each DML request so the server can recognise and drop a
// replayed delivery. Values start at 0 and are never reused within one
// transaction.
type sequence struct {
	n int64
}

func (s *sequence) next() int64 {
	n := s.n
	s.n++
	return n
}
