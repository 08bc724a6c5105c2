package bus

// Queue is a FIFO of messages linked through the messages themselves.
// A message can be in one queue at a time.
type Queue struct {
	head, tail *Message
	size       int
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return q.size
}

// Push appends a message.
func (q *Queue) Push(m *Message) {
	m.next = nil
	if q.tail == nil {
		q.head = m
	} else {
		q.tail.next = m
	}
	q.tail = m
	q.size++
}

// PushFront prepends a message.
func (q *Queue) PushFront(m *Message) {
	m.next = q.head
	q.head = m
	if q.tail == nil {
		q.tail = m
	}
	q.size++
}

// Pop removes the first message, nil if empty.
func (q *Queue) Pop() *Message {
	m := q.head
	if m == nil {
		return nil
	}
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	m.next = nil
	q.size--
	return m
}

// Peek returns the first message without removing it.
func (q *Queue) Peek() *Message {
	return q.head
}
