package email

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Kind tags the outcome of one mailbox poll.
type Kind int

const (
	KindNotFound Kind = iota
	KindFound
	KindTimeout
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one mailbox session. Code is set for KindFound,
// Err for KindError (and for KindTimeout, carrying the context error).
type Result struct {
	Kind Kind
	Code string
	Err  error
}

// Found reports a successfully extracted code.
func Found(code string) Result { return Result{Kind: KindFound, Code: code} }

// NotFound reports that no unseen message carried a code.
func NotFound() Result { return Result{Kind: KindNotFound} }

// Timeout reports that the fetch budget ran out.
func Timeout(err error) Result { return Result{Kind: KindTimeout, Err: err} }

// Failure reports a connect or protocol error.
func Failure(err error) Result { return Result{Kind: KindError, Err: err} }

// otpPattern matches a hyphen followed by a run of at least six digits.
var otpPattern = regexp.MustCompile(`-\s*(\d{6,})`)

// ExtractOTP returns the digit run that follows the first matching hyphen.
func ExtractOTP(subject string) (string, bool) {
	m := otpPattern.FindStringSubmatch(subject)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Header holds the fields fetched for an OTP message.
type Header struct {
	From    string
	Subject string
	Date    time.Time
}

// ParseHeader parses a raw header block, decoding encoded words.
func ParseHeader(raw []byte) (Header, error) {
	// A fetched HEADER.FIELDS literal may lack the terminating blank line.
	block := append(append([]byte(nil), raw...), "\r\n\r\n"...)
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		return Header{}, fmt.Errorf("failed to read header: %w", err)
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	subject, err := mh.Subject()
	if err != nil {
		return Header{}, fmt.Errorf("failed to decode subject: %w", err)
	}
	from, err := mh.Text("From")
	if err != nil {
		from = mh.Get("From")
	}
	date, _ := mh.Date()

	return Header{From: from, Subject: subject, Date: date}, nil
}
