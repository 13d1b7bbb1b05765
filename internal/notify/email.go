package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
)

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	Host string
	Port int
	// Security is one of "starttls" (default), "ssl" or "none".
	Security string
	Username string
	Password string
	From     string
}

// Configured reports whether enough is set to attempt delivery.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port > 0 && c.From != ""
}

// ShoutrrrMailer sends mail through shoutrrr's smtp service.
type ShoutrrrMailer struct {
	config SMTPConfig
	send   func(rawURL, message string) error
}

// NewShoutrrrMailer sends through the SMTP server in cfg.
func NewShoutrrrMailer(cfg SMTPConfig) *ShoutrrrMailer {
	return &ShoutrrrMailer{config: cfg, send: shoutrrr.Send}
}

// Send delivers one plain-text message to a single recipient.
func (m *ShoutrrrMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := buildEmailURL(m.config, to, subject)
	if err != nil {
		return err
	}
	return m.send(u, body)
}

// buildEmailURL produces
// smtp://[user[:pass]@]host:port/?from=...&to=...&subject=...&useStartTLS=...
func buildEmailURL(c SMTPConfig, to, subject string) (string, error) {
	host := strings.TrimSpace(c.Host)
	from := strings.TrimSpace(c.From)
	to = strings.TrimSpace(to)
	if host == "" || c.Port <= 0 || from == "" {
		return "", errors.New("smtp host, port and from are required")
	}
	if to == "" {
		return "", errors.New("recipient address is required")
	}

	userinfo := ""
	if c.Username != "" {
		userinfo = url.PathEscape(c.Username)
		if c.Password != "" {
			userinfo += ":" + url.PathEscape(c.Password)
		}
		userinfo += "@"
	}

	params := url.Values{}
	params.Set("from", from)
	params.Set("to", to)
	if subject != "" {
		params.Set("subject", subject)
	}

	switch c.Security {
	case "none":
		params.Set("useStartTLS", "no")
	case "ssl":
		params.Set("encryption", "ssl")
	default:
		params.Set("useStartTLS", "yes")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(c.Port))
	return fmt.Sprintf("smtp://%s%s/?%s", userinfo, addr, params.Encode()), nil
}
