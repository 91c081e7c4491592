package types

// ReadingSet is the batch wrapper handed through the filter pipeline.
// Ownership of the contained readings transfers with the set: a filter
// that drops or replaces readings takes responsibility for them, and the
// pipeline terminator drains the final set back into the scheduler.
type ReadingSet struct {
	readings []*Reading
}

// NewReadingSet wraps a batch. The slice is adopted, not copied.
func NewReadingSet(readings []*Reading) *ReadingSet {
	return &ReadingSet{readings: readings}
}

// Readings returns the current contents in order.
func (s *ReadingSet) Readings() []*Reading {
	return s.readings
}

// Len returns the number of readings in the set.
func (s *ReadingSet) Len() int {
	return len(s.readings)
}

// Append adds readings to the tail of the set.
func (s *ReadingSet) Append(readings ...*Reading) {
	s.readings = append(s.readings, readings...)
}

// Replace swaps the set contents. Used by filters that rewrite the batch
// wholesale.
func (s *ReadingSet) Replace(readings []*Reading) {
	s.readings = readings
}

// Drain returns the contents and empties the set, transferring ownership
// to the caller.
func (s *ReadingSet) Drain() []*Reading {
	out := s.readings
	s.readings = nil
	return out
}
