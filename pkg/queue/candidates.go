package queue

// CandidateQueue is the ordered, de-duplicated URL frontier of one stealth crawl.
// URLs are tried strictly in the order they were pushed. Membership is an exact,
// case-sensitive string match. The cap bounds how many URLs may ever be visited,
// so a page full of links cannot grow the crawl without limit.
//
// A CandidateQueue belongs to a single fetch invocation and is not safe for
// concurrent use.
type CandidateQueue struct {
	pending []string
	seen    map[string]struct{} // pushed at any point
	visited map[string]struct{}
	reached map[string]struct{} // redirect targets; not counted against cap
	cap     int
}

// NewCandidateQueue creates a queue that allows at most cap visits. cap <= 0 means 20.
func NewCandidateQueue(cap int) *CandidateQueue {
	if cap <= 0 {
		cap = 20
	}
	return &CandidateQueue{
		seen:    make(map[string]struct{}),
		visited: make(map[string]struct{}),
		reached: make(map[string]struct{}),
		cap:     cap,
	}
}

// Push appends url unless it is empty, already queued or already visited.
// Returns true if the URL was added.
func (q *CandidateQueue) Push(url string) bool {
	if url == "" {
		return false
	}
	if _, ok := q.seen[url]; ok {
		return false
	}
	if q.Visited(url) {
		return false
	}
	// Nothing beyond the cap could ever be visited
	if len(q.pending)+len(q.visited) >= q.cap {
		return false
	}
	q.seen[url] = struct{}{}
	q.pending = append(q.pending, url)
	return true
}

// PushAll pushes urls in order and returns how many were added.
func (q *CandidateQueue) PushAll(urls []string) int {
	added := 0
	for _, u := range urls {
		if q.Push(u) {
			added++
		}
	}
	return added
}

// Pop returns the next unvisited URL and marks it visited. It returns false when
// the queue is empty or the visit cap has been reached.
func (q *CandidateQueue) Pop() (string, bool) {
	for len(q.pending) > 0 {
		if len(q.visited) >= q.cap {
			return "", false
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		if q.Visited(next) {
			continue
		}
		q.visited[next] = struct{}{}
		return next, true
	}
	return "", false
}

// MarkVisited records url as already fetched without popping it. The crawl
// calls it with the final URL of a redirect so the target is not requested
// again. It does not count against the cap.
func (q *CandidateQueue) MarkVisited(url string) {
	if url != "" {
		q.reached[url] = struct{}{}
	}
}

// Visited reports whether url has already been tried or reached by redirect.
func (q *CandidateQueue) Visited(url string) bool {
	if _, ok := q.visited[url]; ok {
		return true
	}
	_, ok := q.reached[url]
	return ok
}

// VisitedCount returns the number of URLs tried so far.
func (q *CandidateQueue) VisitedCount() int { return len(q.visited) }

// Len returns the number of URLs waiting to be tried.
func (q *CandidateQueue) Len() int { return len(q.pending) }

// Cap returns the visit cap.
func (q *CandidateQueue) Cap() int { return q.cap }
