package lru

// list is a minimal intrusive doubly linked list. The front is the
// least recently used element.
type list[V any] struct {
	front, back *elem[V]
	length      int
}

type elem[V any] struct {
	prev, next *elem[V]
	list       *list[V]

	Value V
}

func (l *list[V]) pushBack(e *elem[V]) {
	l.length++
	e.list = l

	if l.back == nil {
		l.front = e
		l.back = e
		return
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
}

// moveToBack moves an existing element to the back in O(1).
func (l *list[V]) moveToBack(e *elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}

	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	}

	e.prev = l.back
	e.next = nil
	l.back.next = e
	l.back = e
}

func (l *list[V]) remove(e *elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	l.length--

	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}

	e.prev = nil
	e.next = nil
	e.list = nil
}
