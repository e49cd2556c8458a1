package internal

import "maps"

// set backs the ISBN, trigram and tag de-duplication sprinkled through the
// merge and enrichment paths.
type set[T comparable] map[T]struct{}

func newSet[T comparable](ts ...T) set[T] {
	s := set[T]{}
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

// union merges two sets without mutating either.
func union[T comparable, S set[T]](x S, y S) S {
	r := maps.Clone(x)
	maps.Copy(r, y)
	return r
}
