package scheduler

// tagSet holds the mutual exclusion tags of running executions. It is only
// touched by the scheduler loop.
type tagSet map[string]int

func (t tagSet) available(tags []string) bool {
	for _, tag := range tags {
		if _, held := t[tag]; held {
			return false
		}
	}
	return true
}

func (t tagSet) acquire(index int, tags []string) {
	for _, tag := range tags {
		t[tag] = index
	}
}

func (t tagSet) release(index int, tags []string) {
	for _, tag := range tags {
		if owner, ok := t[tag]; ok && owner == index {
			delete(t, tag)
		}
	}
}
