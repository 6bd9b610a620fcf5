package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/phhowardchen/bless-token-broker/internal/workflow"
)

// sender is the part of the Resend emails service the notifier uses.
type sender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendClient emails workflow failures through the Resend API.
type ResendClient struct {
	emails sender
	from   string
	to     []string
}

// NewResendClient creates a client that sends from from to every address in to.
func NewResendClient(apiKey, from string, to []string) (*ResendClient, error) {
	if apiKey == "" {
		return nil, errors.New("resend api key is required")
	}
	if from == "" || len(to) == 0 {
		return nil, errors.New("alert sender and recipients are required")
	}
	return &ResendClient{
		emails: resend.NewClient(apiKey).Emails,
		from:   from,
		to:     to,
	}, nil
}

// SendEmail sends an HTML email notification
func (r *ResendClient) SendEmail(ctx context.Context, subject, body string) (string, error) {
	resp, err := r.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    r.from,
		To:      r.to,
		Subject: subject,
		Html:    body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return resp.Id, nil
}

// Alert implements workflow.Alerter.
func (r *ResendClient) Alert(ctx context.Context, f workflow.Failure) error {
	_, err := r.SendEmail(ctx, alertSubject(f), alertBody(f))
	return err
}

func alertSubject(f workflow.Failure) string {
	return fmt.Sprintf("Token acquisition failed for %s", f.Email)
}

func alertBody(f workflow.Failure) string {
	var b strings.Builder
	b.WriteString("<h2>Token acquisition failed</h2>\n<ul>\n")
	fmt.Fprintf(&b, "<li><b>Account:</b> %s</li>\n", html.EscapeString(f.Email))
	if f.RunID != "" {
		fmt.Fprintf(&b, "<li><b>Run:</b> %s</li>\n", html.EscapeString(f.RunID))
	}
	fmt.Fprintf(&b, "<li><b>Time:</b> %s</li>\n", f.At.UTC().Format("2006-01-02 15:04:05 MST"))
	if f.Err != nil {
		fmt.Fprintf(&b, "<li><b>Error:</b> %s</li>\n", html.EscapeString(f.Err.Error()))
	}
	if f.Screenshot != "" {
		fmt.Fprintf(&b, "<li><b>Screenshot:</b> %s</li>\n", html.EscapeString(f.Screenshot))
	}
	b.WriteString("</ul>\n")
	return b.String()
}
