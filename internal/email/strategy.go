package email

// Mailbox is the set of operations the fetcher performs on one
// authenticated IMAP connection.
type Mailbox interface {
	// SelectInbox opens INBOX read-write.
	SelectInbox() error
	SupportsSort() (bool, error)
	// SortUnseenNewestFirst returns unseen sequence numbers sorted by
	// arrival time, newest first.
	SortUnseenNewestFirst() ([]uint32, error)
	// SearchUnseenFrom returns unseen sequence numbers from sender in
	// server order, oldest first.
	SearchUnseenFrom(sender string) ([]uint32, error)
	// FetchHeader returns the From, Subject and Date header block of a
	// message without changing its flags.
	FetchHeader(seqNum uint32) ([]byte, error)
	// MarkSeen sets \Seen on a message.
	MarkSeen(seqNum uint32) error
	Close() error
}

// Strategy picks the newest candidate OTP message in a selected mailbox.
type Strategy interface {
	Name() string
	// Pick returns ok=false when the mailbox holds no candidate.
	Pick(mb Mailbox) (seqNum uint32, ok bool, err error)
}

// SelectStrategy returns SortedStrategy when the server can sort and
// SearchStrategy otherwise.
func SelectStrategy(canSort bool, sender string) Strategy {
	if canSort {
		return SortedStrategy{}
	}
	return SearchStrategy{Sender: sender}
}

// SortedStrategy uses server-side SORT and takes the first id.
type SortedStrategy struct{}

func (SortedStrategy) Name() string { return "sort" }

func (SortedStrategy) Pick(mb Mailbox) (uint32, bool, error) {
	ids, err := mb.SortUnseenNewestFirst()
	if err != nil {
		return 0, false, &MailboxError{Op: OpSort, Err: err}
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

// SearchStrategy searches unseen mail from Sender and takes the last id.
type SearchStrategy struct {
	Sender string
}

func (SearchStrategy) Name() string { return "search" }

func (s SearchStrategy) Pick(mb Mailbox) (uint32, bool, error) {
	ids, err := mb.SearchUnseenFrom(s.Sender)
	if err != nil {
		return 0, false, &MailboxError{Op: OpSearch, Err: err}
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[len(ids)-1], true, nil
}
