package scheduler

// pendingQueue keeps jobs ordered by priority tier, FIFO within a tier.
type pendingQueue struct {
	items []*job
}

// insert places j before the first entry of a strictly less urgent tier.
func (q *pendingQueue) insert(j *job) {
	idx := len(q.items)
	for i, existing := range q.items {
		if j.priority.before(existing.priority) {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = j
	j.queued = true
}

func (q *pendingQueue) pop() *job {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	head.queued = false
	return head
}

func (q *pendingQueue) len() int {
	return len(q.items)
}

func (q *pendingQueue) ids() []string {
	ids := make([]string, len(q.items))
	for i, j := range q.items {
		ids[i] = j.id
	}
	return ids
}
