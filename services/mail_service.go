package services

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"followup-mailer/config"
	"followup-mailer/metrics"

	"github.com/sirupsen/logrus"
	mail "gopkg.in/gomail.v2"
)

// ErrMailNotConfigured is returned by Send when no SMTP relay is set.
var ErrMailNotConfigured = errors.New("smtp relay is not configured (MAILHUB)")

var stripTagsRegex = regexp.MustCompile("<[^>]*>")

// Sender delivers composed messages. *mail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// OutgoingMail is one message to send.
type OutgoingMail struct {
	To      string
	CC      []string
	BCC     []string
	Subject string
	Body    string
}

// MailService handles sending emails through the configured SMTP relay
type MailService struct {
	from   string
	name   string
	sender Sender
	log    logrus.FieldLogger
}

// MailOption configures a MailService.
type MailOption func(*MailService)

// WithSender replaces the SMTP dialer.
func WithSender(s Sender) MailOption {
	return func(m *MailService) { m.sender = s }
}

// WithMailLogger sets the logger used for send results.
func WithMailLogger(log logrus.FieldLogger) MailOption {
	return func(m *MailService) { m.log = log }
}

// NewMailService creates a MailService from cfg. Without MAILHUB the service is
// created but every Send fails with ErrMailNotConfigured.
func NewMailService(cfg *config.Config, opts ...MailOption) (*MailService, error) {
	s := &MailService{
		from: cfg.Sender(),
		name: cfg.FromLineOverride,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sender != nil || !cfg.MailConfigured() {
		return s, nil
	}

	host, portStr, err := net.SplitHostPort(cfg.MailHub)
	if err != nil {
		return nil, fmt.Errorf("invalid MAILHUB format: %s. Expected host:port", cfg.MailHub)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in MAILHUB: %v", err)
	}

	d := mail.NewDialer(host, port, cfg.AuthUser, cfg.AuthPass)
	d.TLSConfig = &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	if cfg.SkipTLSVerify {
		s.log.Warn("[MAIL] TLS certificate verification is DISABLED")
	}
	s.sender = d
	return s, nil
}

// Configured reports whether the service can send mail.
func (s *MailService) Configured() bool {
	return s.sender != nil
}

func plainText(body string) string {
	return strings.TrimSpace(stripTagsRegex.ReplaceAllString(body, ""))
}

func (s *MailService) compose(out OutgoingMail) *mail.Message {
	m := mail.NewMessage()
	if s.name != "" {
		m.SetAddressHeader("From", s.from, s.name)
	} else {
		m.SetHeader("From", s.from)
	}
	m.SetHeader("To", out.To)
	if len(out.CC) > 0 {
		m.SetHeader("Cc", out.CC...)
	}
	if len(out.BCC) > 0 {
		m.SetHeader("Bcc", out.BCC...)
	}
	m.SetHeader("Subject", out.Subject)
	m.SetBody("text/plain", plainText(out.Body))
	m.AddAlternative("text/html", out.Body)
	return m
}

// Send delivers out. It does not record anything; callers record the email
// only after a successful send.
func (s *MailService) Send(out OutgoingMail) error {
	if s.sender == nil {
		return ErrMailNotConfigured
	}
	if err := s.sender.DialAndSend(s.compose(out)); err != nil {
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		s.log.Errorf("[MAIL] Failed to send email to %s: %v", out.To, err)
		return fmt.Errorf("could not send email: %w", err)
	}
	metrics.EmailsSent.WithLabelValues("success").Inc()
	s.log.Infof("[MAIL] Email sent to %s", out.To)
	return nil
}

func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// BuildMailtoURL returns a mailto: link that opens a draft in the local mail client.
func BuildMailtoURL(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("mailto:")
	b.WriteString(to)
	b.WriteString("?subject=")
	b.WriteString(encodeComponent(subject))
	b.WriteString("&body=")
	b.WriteString(encodeComponent(body))
	return b.String()
}
