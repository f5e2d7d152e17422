package diskio

// Intrusive doubly-linked lists. Cache entries and dirty ranges carry their
// own link fields so moving between lists never allocates; an entry is on at
// most one list at a time (probation, protected, or its dirty range's list).

type entryList struct {
	head *cacheEntry
	tail *cacheEntry
	size int
}

func (l *entryList) pushFront(e *cacheEntry) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.size++
}

func (l *entryList) pushBack(e *cacheEntry) {
	e.next = nil
	e.prev = l.tail
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.size++
}

func (l *entryList) remove(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nil
	e.next = nil
	l.size--
}

// prependAll moves every entry of other to the front of l, preserving order.
// other is left empty.
func (l *entryList) prependAll(other *entryList) {
	if other.head == nil {
		return
	}
	if l.head == nil {
		l.head = other.head
		l.tail = other.tail
	} else {
		other.tail.next = l.head
		l.head.prev = other.tail
		l.head = other.head
	}
	l.size += other.size
	other.head = nil
	other.tail = nil
	other.size = 0
}

// appendAll moves every entry of other to the back of l, preserving order.
func (l *entryList) appendAll(other *entryList) {
	if other.head == nil {
		return
	}
	if l.tail == nil {
		l.head = other.head
		l.tail = other.tail
	} else {
		l.tail.next = other.head
		other.head.prev = l.tail
		l.tail = other.tail
	}
	l.size += other.size
	other.head = nil
	other.tail = nil
	other.size = 0
}

type rangeList struct {
	head *dirtyRange
	tail *dirtyRange
	size int
}

func (l *rangeList) pushFront(r *dirtyRange) {
	r.prev = nil
	r.next = l.head
	if l.head != nil {
		l.head.prev = r
	} else {
		l.tail = r
	}
	l.head = r
	l.size++
}

func (l *rangeList) insertAfter(at, r *dirtyRange) {
	r.prev = at
	r.next = at.next
	if at.next != nil {
		at.next.prev = r
	} else {
		l.tail = r
	}
	at.next = r
	l.size++
}

func (l *rangeList) remove(r *dirtyRange) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		l.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.prev = nil
	r.next = nil
	l.size--
}

func (l *rangeList) moveToFront(r *dirtyRange) {
	if l.head == r {
		return
	}
	l.remove(r)
	l.pushFront(r)
}
