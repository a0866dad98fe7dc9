package kernel

// scheduler keeps the FIFO ready queue of actors with pending messages.
// Actors are linked intrusively; an actor appears at most once because
// enqueue refuses actors already in Ready state.
type scheduler struct {
	head  *Actor
	tail  *Actor
	count int
}

func (s *scheduler) enqueue(a *Actor) {
	if a.Status == ActorReady {
		return
	}
	a.Status = ActorReady
	a.next = nil
	if s.tail != nil {
		s.tail.next = a
	} else {
		s.head = a
	}
	s.tail = a
	s.count++
}

func (s *scheduler) dequeue() *Actor {
	a := s.head
	if a == nil {
		return nil
	}
	s.head = a.next
	if s.head == nil {
		s.tail = nil
	}
	a.next = nil
	s.count--
	return a
}

func (s *scheduler) empty() bool { return s.head == nil }
