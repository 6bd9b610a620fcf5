package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/responses"
)

// headerFields are the only header fields fetched for an OTP message.
var headerFields = []string{"FROM", "SUBJECT", "DATE"}

// imapMailbox implements Mailbox on top of go-imap
type imapMailbox struct {
	c *client.Client
}

// DialIMAP connects to cfg, logs in and returns the session. The context
// deadline, if any, is applied to the underlying connection so no command
// can outlive the caller's budget.
func DialIMAP(ctx context.Context, cfg MailboxConfig) (Mailbox, error) {
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		d := &tls.Dialer{Config: &tls.Config{ServerName: cfg.Host}}
		conn, err = d.DialContext(ctx, "tcp", cfg.Addr())
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", cfg.Addr())
	}
	if err != nil {
		return nil, &MailboxError{Op: OpConnect, Host: cfg.Host, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, &MailboxError{Op: OpConnect, Host: cfg.Host, Err: err}
	}

	if err := c.Login(cfg.User, cfg.Password); err != nil {
		_ = c.Terminate()
		return nil, &MailboxError{Op: OpLogin, Host: cfg.Host, Err: err}
	}

	return &imapMailbox{c: c}, nil
}

func (m *imapMailbox) SelectInbox() error {
	_, err := m.c.Select(imap.InboxName, false)
	return err
}

func (m *imapMailbox) SupportsSort() (bool, error) {
	return m.c.Support("SORT")
}

func (m *imapMailbox) SortUnseenNewestFirst() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	res := &sortResponse{}
	status, err := m.c.Execute(&sortCommand{criteria: criteria}, res)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		return nil, err
	}
	return res.ids, nil
}

func (m *imapMailbox) SearchUnseenFrom(sender string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Header.Add("From", sender)
	return m.c.Search(criteria)
}

func (m *imapMailbox) FetchHeader(seqNum uint32) ([]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNum)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    headerFields,
		},
		Peek: true,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.Fetch(seqSet, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw []byte
	var readErr error
	for msg := range messages {
		if msg == nil || raw != nil {
			continue
		}
		for _, literal := range msg.Body {
			if literal == nil {
				continue
			}
			raw, readErr = io.ReadAll(literal)
			break
		}
	}

	if err := <-done; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read header literal: %w", readErr)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d returned no header section", seqNum)
	}
	return raw, nil
}

func (m *imapMailbox) MarkSeen(seqNum uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNum)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return m.c.Store(seqSet, item, []interface{}{imap.SeenFlag}, nil)
}

func (m *imapMailbox) Close() error {
	if err := m.c.Logout(); err != nil {
		_ = m.c.Terminate()
		return err
	}
	return nil
}

func (m *imapMailbox) Terminate() error {
	return m.c.Terminate()
}

// sortCommand is the RFC 5256 SORT command reversed by arrival time.
type sortCommand struct {
	criteria *imap.SearchCriteria
}

func (cmd *sortCommand) Command() *imap.Command {
	args := []interface{}{
		[]interface{}{imap.RawString("REVERSE"), imap.RawString("ARRIVAL")},
		imap.RawString("UTF-8"),
	}
	args = append(args, cmd.criteria.Format()...)
	return &imap.Command{Name: "SORT", Arguments: args}
}

// sortResponse collects the ids of an untagged SORT response.
type sortResponse struct {
	ids []uint32
}

func (r *sortResponse) Handle(resp imap.Resp) error {
	name, fields, ok := imap.ParseNamedResp(resp)
	if !ok || name != "SORT" {
		return responses.ErrUnhandled
	}
	for _, f := range fields {
		id, err := imap.ParseNumber(f)
		if err != nil {
			return err
		}
		r.ids = append(r.ids, id)
	}
	return nil
}
