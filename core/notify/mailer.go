// Package notify delivers operator notifications. Delivery is always
// best-effort: callers log failures and move on.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

const subjectPrefix = "[phoneorch] "

// Mailer sends one operator notification.
type Mailer interface {
	Send(subject, body string) error
}

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// NewMailer returns an SMTP mailer, or a log-only mailer when no SMTP host
// is configured.
func NewMailer(cfg SMTPConfig) Mailer {
	if cfg.Host == "" {
		return LogMailer{}
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPMailer{cfg: cfg}
}

// SMTPMailer sends notifications over SMTP.
type SMTPMailer struct {
	cfg SMTPConfig
}

// Send delivers one message to the configured recipients.
func (m *SMTPMailer) Send(subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s%s\r\n\r\n%s",
		m.cfg.From, strings.Join(m.cfg.To, ", "), subjectPrefix, subject, body)
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, m.cfg.To, []byte(msg))
}

// LogMailer writes notifications to the process log instead of sending
// them.
type LogMailer struct{}

// Send logs the notification.
func (LogMailer) Send(subject, body string) error {
	log.Printf("Notification: %s%s: %s", subjectPrefix, subject, strings.TrimSpace(body))
	return nil
}
