package email

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IMAPPort is the implicit-TLS IMAP port used for every routed mailbox.
const IMAPPort = 993

// DefaultRoutes maps each supported email domain to its IMAP host.
var DefaultRoutes = map[string]string{
	"veer.vn":   "mail.veer.vn",
	"tourzy.us": "imap.bizflycloud.vn",
	"bizfly.vn": "imap.bizflycloud.vn",
}

// Credential is the email account a workflow logs in with. The same
// password unlocks the mailbox that receives the OTP.
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// MailboxConfig describes how to reach one IMAP mailbox.
type MailboxConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	TLS      bool
}

// Addr returns host:port.
func (c MailboxConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Router resolves credentials to mailbox configurations by email domain.
type Router struct {
	routes map[string]string
}

// NewRouter creates a router over routes (domain -> IMAP host).
// A nil or empty table falls back to DefaultRoutes.
func NewRouter(routes map[string]string) *Router {
	if len(routes) == 0 {
		routes = DefaultRoutes
	}
	table := make(map[string]string, len(routes))
	for domain, host := range routes {
		table[strings.ToLower(strings.TrimSpace(domain))] = host
	}
	return &Router{routes: table}
}

// Resolve returns the mailbox for cred. Port and TLS are fixed.
func (r *Router) Resolve(cred Credential) (MailboxConfig, error) {
	domain, err := Domain(cred.Email)
	if err != nil {
		return MailboxConfig{}, err
	}
	host, ok := r.routes[domain]
	if !ok {
		return MailboxConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedDomain, domain)
	}
	return MailboxConfig{
		User:     cred.Email,
		Password: cred.Password,
		Host:     host,
		Port:     IMAPPort,
		TLS:      true,
	}, nil
}

// Domain returns the lower-cased domain part of an email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", fmt.Errorf("%w: malformed address %q", ErrUnsupportedDomain, address)
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:])), nil
}
