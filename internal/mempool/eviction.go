package mempool

// Evict removes the oldest payloads until the pool is at or below max.
func (p *Pool) Evict(max int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) <= max {
		return 0
	}

	entries := p.sorted()
	evicted := 0
	for len(p.entries) > max && evicted < len(entries) {
		delete(p.entries, entries[evicted].hash)
		evicted++
	}
	return evicted
}
