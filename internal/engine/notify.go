package engine

// Subscribe registers for state-change notifications. Slow subscribers miss
// notifications rather than blocking the engine; State() is always current.
func (e *Engine) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)

	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// Subscribers returns the number of active subscriptions.
func (e *Engine) Subscribers() int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return len(e.subs)
}

func (e *Engine) notify(kind, providerID string, d Delta) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.nextNote++
	n := Notification{
		ID:         e.nextNote,
		Type:       kind,
		Timestamp:  e.clock.Now(),
		ProviderID: providerID,
		Delta:      d,
		State:      e.state.Load(),
	}
	for _, ch := range e.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
