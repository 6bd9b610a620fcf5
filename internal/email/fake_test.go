package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type fakeMessage struct {
	from   string
	header string
	seen   bool
}

// fakeMailbox is an in-memory Mailbox. Sequence numbers are 1-based
// indexes into messages.
type fakeMailbox struct {
	mu        sync.Mutex
	canSort   bool
	messages  []fakeMessage
	selectErr error
	fetchErr  error
	block     chan struct{}
	// onClose runs inside Close.
	onClose func()

	sortCalls   int
	searchCalls int
	fetched     []uint32
	marked      []uint32
	closes      int
	terminates  int
}

func (m *fakeMailbox) SelectInbox() error {
	if m.block != nil {
		<-m.block
	}
	return m.selectErr
}

func (m *fakeMailbox) SupportsSort() (bool, error) { return m.canSort, nil }

func (m *fakeMailbox) SortUnseenNewestFirst() ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortCalls++
	var ids []uint32
	for i := len(m.messages) - 1; i >= 0; i-- {
		if !m.messages[i].seen {
			ids = append(ids, uint32(i+1))
		}
	}
	return ids, nil
}

func (m *fakeMailbox) SearchUnseenFrom(sender string) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCalls++
	var ids []uint32
	for i, msg := range m.messages {
		if !msg.seen && msg.from == sender {
			ids = append(ids, uint32(i+1))
		}
	}
	return ids, nil
}

func (m *fakeMailbox) FetchHeader(seqNum uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if seqNum == 0 || int(seqNum) > len(m.messages) {
		return nil, fmt.Errorf("no message %d", seqNum)
	}
	m.fetched = append(m.fetched, seqNum)
	return []byte(m.messages[seqNum-1].header), nil
}

func (m *fakeMailbox) MarkSeen(seqNum uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqNum == 0 || int(seqNum) > len(m.messages) {
		return fmt.Errorf("no message %d", seqNum)
	}
	m.marked = append(m.marked, seqNum)
	m.messages[seqNum-1].seen = true
	return nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	m.closes++
	hook := m.onClose
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (m *fakeMailbox) unseen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if !msg.seen {
			n++
		}
	}
	return n
}

func (m *fakeMailbox) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminates++
	return nil
}

func (m *fakeMailbox) releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes + m.terminates
}

func otpMessage(from, subject string) fakeMessage {
	return fakeMessage{
		from:   from,
		header: "From: " + from + "\r\nSubject: " + subject + "\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\n",
	}
}

func dialerFor(mb *fakeMailbox) Dialer {
	return func(context.Context, MailboxConfig) (Mailbox, error) {
		return mb, nil
	}
}

var errDialRefused = errors.New("connection refused")

func failingDialer(context.Context, MailboxConfig) (Mailbox, error) {
	return nil, errDialRefused
}
