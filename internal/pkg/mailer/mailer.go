package mailer

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

const (
	SMTPBackend   = "smtp"
	LogBackend    = "log"
	OutboxBackend = "outbox"
)

var DefaultConfig Config = Config{
	Backend:    SMTPBackend,
	SMTPServer: "localhost",
	SMTPPort:   25,
	Email:      "keynotify@localhost",
}

const (
	mailBackendEnv      = "KEYNOTIFY_MAIL_BACKEND"
	mailFromEnv         = "KEYNOTIFY_MAIL_FROM"
	mailSMTPServerEnv   = "KEYNOTIFY_MAIL_SMTP_SERVER"
	mailSMTPPortEnv     = "KEYNOTIFY_MAIL_SMTP_PORT"
	mailSMTPUsernameEnv = "KEYNOTIFY_MAIL_SMTP_USERNAME"
	mailSMTPPasswordEnv = "KEYNOTIFY_MAIL_SMTP_PASSWORD"
	mailSMTPInsecureEnv = "KEYNOTIFY_MAIL_SMTP_INSECURE_TLS"
)

type Config struct {
	Backend         string `yaml:"backend"`
	Email           string `yaml:"from"`
	SMTPServer      string `yaml:"smtp-server"`
	SMTPPort        int    `yaml:"smtp-port"`
	SMTPInsecureTLS bool   `yaml:"smtp-insecure-tls"`
	SMTPUsername    string `yaml:"smtp-username"`
	SMTPPassword    string `yaml:"smtp-password"`
	Footer          string `yaml:"footer"`
	WarningTemplate string `yaml:"key-warning-message"`
}

// DeliveryError is returned when a message couldn't be handed
// to the mail transport.
type DeliveryError struct {
	To  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %s", e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Sender delivers a single message.
type Sender interface {
	Send(to, subject, body string) error
}

type KeyWarningArgs struct {
	Name           string
	Fingerprint    string
	State          string
	DaysRemaining  int
	Expires        bool
	KeyserverURL   string
	ExpirationDate string
}

var DefaultKeyWarningSubject = "Your public key requires your attention"

var DefaultKeyWarningTemplate = `Hello {{.Name}},

{{if eq .State "valid"}}Your public key {{.Fingerprint}} expires in {{.DaysRemaining}} day(s){{if .ExpirationDate}} ({{.ExpirationDate}}){{end}}.
Please extend its expiration date or register a new key before it expires.
{{else}}Your public key {{.Fingerprint}} is {{.State}} and can't be used anymore.
Please register a new public key.
{{end}}{{if .KeyserverURL}}
Once updated, don't forget to publish it on {{.KeyserverURL}}.
{{end}}`

func CheckConfig(cfg *Config) error {
	env := os.Getenv(mailBackendEnv)
	if env != "" {
		cfg.Backend = env
	}
	env = os.Getenv(mailFromEnv)
	if env != "" {
		cfg.Email = env
	}
	env = os.Getenv(mailSMTPServerEnv)
	if env != "" {
		cfg.SMTPServer = env
	}
	env = os.Getenv(mailSMTPPortEnv)
	if env != "" {
		b, err := strconv.ParseUint(env, 10, 16)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailSMTPPortEnv, err)
		}
		cfg.SMTPPort = int(b)
	}
	env = os.Getenv(mailSMTPUsernameEnv)
	if env != "" {
		cfg.SMTPUsername = env
	}
	env = os.Getenv(mailSMTPPasswordEnv)
	if env != "" {
		cfg.SMTPPassword = env
	}
	env = os.Getenv(mailSMTPInsecureEnv)
	if env != "" {
		b, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailSMTPInsecureEnv, err)
		}
		cfg.SMTPInsecureTLS = b
	}

	if cfg.Backend == "" {
		cfg.Backend = SMTPBackend
	}
	switch cfg.Backend {
	case SMTPBackend:
		if cfg.SMTPServer == "" {
			return fmt.Errorf("smtp server address within mail configuration is missing or empty")
		}
	case LogBackend, OutboxBackend:
	default:
		return fmt.Errorf("unknown mail backend '%s'", cfg.Backend)
	}
	if cfg.Email == "" {
		return fmt.Errorf("sender email address within mail configuration is missing or empty")
	}
	if cfg.WarningTemplate != "" {
		if _, err := template.New("warning").Parse(cfg.WarningTemplate); err != nil {
			return fmt.Errorf("while parsing key warning template: %s", err)
		}
	}

	return nil
}

// New returns the sender corresponding to the configured backend.
func New(cfg *Config) (Sender, error) {
	switch cfg.Backend {
	case SMTPBackend, "":
		return &SMTPSender{cfg: cfg}, nil
	case LogBackend:
		return &LogSender{From: cfg.Email}, nil
	case OutboxBackend:
		return &Outbox{From: cfg.Email}, nil
	}
	return nil, fmt.Errorf("unknown mail backend '%s'", cfg.Backend)
}

// SMTPSender sends messages through an SMTP server.
type SMTPSender struct {
	cfg *Config
}

func (s *SMTPSender) Send(to, subject, body string) error {
	msg := NewMessage(s.cfg.Email, to, subject, body)
	if err := Send(s.cfg, msg); err != nil {
		return &DeliveryError{To: to, Err: err}
	}
	return nil
}

func Send(cfg *Config, m ...*gomail.Message) error {
	port := cfg.SMTPPort
	host := cfg.SMTPServer

	if port == 0 {
		port = 587
	}
	if host == "" {
		return fmt.Errorf("a SMTP host server must be specified")
	}

	d := gomail.NewDialer(host, port, cfg.SMTPUsername, cfg.SMTPPassword)
	if (port == 587 || port == 465) && cfg.SMTPInsecureTLS {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return d.DialAndSend(m...)
}

func NewMessage(from, to, subject, text string) *gomail.Message {
	m := gomail.NewMessage()

	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)

	return m
}

// LogSender only logs messages, it is meant for development setups.
type LogSender struct {
	From string
}

func (l *LogSender) Send(to, subject, body string) error {
	logrus.WithFields(logrus.Fields{
		"from":    l.From,
		"to":      to,
		"subject": subject,
		"size":    len(body),
	}).Info("Mail message")
	logrus.Debug(body)
	return nil
}

// Message is a message recorded by Outbox.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Outbox records sent messages in memory.
type Outbox struct {
	From string
	// Fail makes delivery fail for the listed addresses.
	Fail map[string]bool

	mu       sync.Mutex
	messages []Message
}

func (o *Outbox) Send(to, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Fail[to] {
		return &DeliveryError{To: to, Err: fmt.Errorf("mailbox unavailable")}
	}
	o.messages = append(o.messages, Message{o.From, to, subject, body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]Message(nil), o.messages...)
}

// Len returns the number of recorded messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.messages)
}

// Render executes the message template with args.
func Render(text string, args interface{}) (string, error) {
	tmpl, err := template.New("message").Parse(text)
	if err != nil {
		return "", err
	}
	s := new(strings.Builder)
	if err := tmpl.Execute(s, args); err != nil {
		return "", err
	}
	return s.String(), nil
}

// WithFooter appends the configured footer to a message body.
func WithFooter(cfg *Config, body string) string {
	if cfg == nil || cfg.Footer == "" {
		return body
	}
	return strings.TrimRight(body, "\n") + "\n\n---------------------\n" + cfg.Footer + "\n"
}
