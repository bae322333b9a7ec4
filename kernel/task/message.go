package task

// MessageKind distinguishes kernel-generated messages, such as timer
// expiry notifications, from ordinary task-to-task payloads.
type MessageKind uint8

const (
	MessageUser MessageKind = iota
	MessageTimerTimeout
	MessagePS2KeyboardInterrupt
	MessagePS2MouseInterrupt
)

// Message is the fixed-size unit exchanged between task mailboxes. Payload
// carries the kind-specific data: the raw scancode for
// MessagePS2KeyboardInterrupt, a packed Button/DX/DY triple for
// MessagePS2MouseInterrupt (see nucleus/kernel/kmain's packMouseEvent), and
// the opaque caller-supplied value for MessageUser.
type Message struct {
	Kind    MessageKind
	Timer   TimerID
	Payload uint64
}

// mailbox is a bounded FIFO queue embedded directly in a Task. A full
// mailbox silently drops new messages rather than blocking the sender.
type mailbox struct {
	buf   [mailboxCapacity]Message
	head  int
	count int
}

func (m *mailbox) push(msg Message) bool {
	if m.count == mailboxCapacity {
		return false
	}

	tail := (m.head + m.count) % mailboxCapacity
	m.buf[tail] = msg
	m.count++
	return true
}

func (m *mailbox) pop() (Message, bool) {
	if m.count == 0 {
		return Message{}, false
	}

	msg := m.buf[m.head]
	m.head = (m.head + 1) % mailboxCapacity
	m.count--
	return msg, true
}

// Send delivers msg to id's mailbox and reports whether it was enqueued.
// It returns false both when the task does not exist and when its mailbox
// is full; in neither case does the sender block. A sleeping recipient is
// made runnable again.
func Send(id ID, msg Message) bool {
	mgrLock.Acquire()
	defer mgrLock.Release()

	t, ok := tasks[id]
	if !ok {
		return false
	}
	if t.state == StateSleeping {
		t.state = StateRunnable
		enqueueReadyLocked(t)
	}
	return t.mail.push(msg)
}

// Receive removes and returns the oldest pending message for id, if any. It
// never blocks: an empty mailbox reports ok=false immediately.
func Receive(id ID) (msg Message, ok bool) {
	mgrLock.Acquire()
	defer mgrLock.Release()

	t, exists := tasks[id]
	if !exists {
		return Message{}, false
	}
	return t.mail.pop()
}

func deliverLocked(id ID, msg Message) {
	if t, ok := tasks[id]; ok {
		t.mail.push(msg)
	}
}
