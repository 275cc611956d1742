package dispatch

// Span is a half-open range [Start, End) of items committed together.
type Span struct {
	Start int
	End   int
}

// Len returns the number of items in the span.
func (s Span) Len() int { return s.End - s.Start }

// Batcher decides where commit boundaries fall.
type Batcher interface {
	Split(n int) []Span
}

// FixedBatcher commits every Size items. Size <= 0 puts everything in one span.
type FixedBatcher struct {
	Size int
}

// Split implements Batcher.
func (b FixedBatcher) Split(n int) []Span {
	if n <= 0 {
		return nil
	}
	size := b.Size
	if size <= 0 || size > n {
		size = n
	}
	spans := make([]Span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}
