package sofvo

// seenSet records which message ids the active conversation view already shows.
// It lives only as long as one conversation view and is never persisted.
type seenSet map[string]struct{}

// add records id and reports whether it was new.
func (s seenSet) add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s seenSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s seenSet) reset() {
	for id := range s {
		delete(s, id)
	}
}
