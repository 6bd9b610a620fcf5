package email

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMemoryServer serves go-imap's in-memory backend on a loopback port.
// The backend has one user: username/password.
func startMemoryServer(t *testing.T) (*memory.Backend, MailboxConfig) {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return be, MailboxConfig{User: "username", Password: "password", Host: host, Port: port}
}

func appendMessage(t *testing.T, be *memory.Backend, from, subject string) {
	t.Helper()

	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	mbox, err := user.GetMailbox(imap.InboxName)
	require.NoError(t, err)

	body := "From: " + from + "\r\n" +
		"To: username@example.org\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Use the code in the subject.\r\n"
	require.NoError(t, mbox.CreateMessage(nil, time.Now(), bytes.NewBufferString(body)))
}

// seenFlags reports \Seen for every message in INBOX, in sequence order.
func seenFlags(t *testing.T, be *memory.Backend) []bool {
	t.Helper()

	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	mbox, err := user.GetMailbox(imap.InboxName)
	require.NoError(t, err)
	inbox, ok := mbox.(*memory.Mailbox)
	require.True(t, ok)

	seen := make([]bool, len(inbox.Messages))
	for i, msg := range inbox.Messages {
		for _, flag := range msg.Flags {
			if flag == imap.SeenFlag {
				seen[i] = true
			}
		}
	}
	return seen
}

func TestFetcher_MemoryServerSearchFallback(t *testing.T) {
	be, cfg := startMemoryServer(t)
	appendMessage(t, be, DefaultOTPSender, "Your code - 123123")
	appendMessage(t, be, "someone@example.org", "Not it - 999999")
	appendMessage(t, be, DefaultOTPSender, "Your code - 777888")

	f := NewFetcher(WithFetchTimeout(5 * time.Second))
	res := f.FetchLatestOTP(context.Background(), cfg)

	require.Equal(t, KindFound, res.Kind, "err: %v", res.Err)
	assert.Equal(t, "777888", res.Code)
	// The backend seeds one read message. Only the message that produced
	// the code is consumed.
	assert.Equal(t, []bool{true, false, false, true}, seenFlags(t, be))

	res = f.FetchLatestOTP(context.Background(), cfg)
	require.Equal(t, KindFound, res.Kind, "err: %v", res.Err)
	assert.Equal(t, "123123", res.Code)
}

func TestFetcher_MemoryServerNotFoundLeavesMessageUnseen(t *testing.T) {
	be, cfg := startMemoryServer(t)
	appendMessage(t, be, DefaultOTPSender, "Welcome to bless")

	f := NewFetcher(WithFetchTimeout(5 * time.Second))
	res := f.FetchLatestOTP(context.Background(), cfg)

	assert.Equal(t, KindNotFound, res.Kind, "err: %v", res.Err)
	assert.Equal(t, []bool{true, false}, seenFlags(t, be))
}

func TestFetcher_MemoryServerNoCandidate(t *testing.T) {
	_, cfg := startMemoryServer(t)

	f := NewFetcher(WithFetchTimeout(5 * time.Second))
	res := f.FetchLatestOTP(context.Background(), cfg)

	assert.Equal(t, KindNotFound, res.Kind, "err: %v", res.Err)
}

func TestDialIMAP_BadPassword(t *testing.T) {
	_, cfg := startMemoryServer(t)
	cfg.Password = "wrong"

	f := NewFetcher(WithFetchTimeout(5 * time.Second))
	res := f.FetchLatestOTP(context.Background(), cfg)

	require.Equal(t, KindError, res.Kind)
	assert.ErrorIs(t, res.Err, ErrMailboxConnect)
}

func TestDialIMAP_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, err = DialIMAP(context.Background(), MailboxConfig{Host: "127.0.0.1", Port: addr.Port})
	assert.ErrorIs(t, err, ErrMailboxConnect)
}

func TestSortResponse_Handle(t *testing.T) {
	res := &sortResponse{}

	err := res.Handle(&imap.DataResp{Fields: []interface{}{"SORT", "5", "2", "9"}})
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 2, 9}, res.ids)

	err = res.Handle(&imap.DataResp{Fields: []interface{}{"SEARCH", "1"}})
	assert.ErrorIs(t, err, responses.ErrUnhandled)
}

func TestSortCommand(t *testing.T) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	cmd := (&sortCommand{criteria: criteria}).Command()
	assert.Equal(t, "SORT", cmd.Name)
	require.GreaterOrEqual(t, len(cmd.Arguments), 3)
	assert.Equal(t, []interface{}{imap.RawString("REVERSE"), imap.RawString("ARRIVAL")}, cmd.Arguments[0])
	assert.Equal(t, imap.RawString("UTF-8"), cmd.Arguments[1])
}
