// Package notifications delivers request lifecycle mail to the people
// waiting on staged files.
package notifications

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
)

// EmailService sends plain-text request notifications over SMTP. It
// satisfies the pipeline's Notifier interface; delivery failures are
// logged, never returned, because a lost mail must not fail a retrieval.
type EmailService struct {
	cfg    config.EmailConfig
	logger *logging.Logger

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailService creates the email notifier.
func NewEmailService(cfg config.EmailConfig, logger *logging.Logger) *EmailService {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &EmailService{
		cfg:    cfg,
		logger: logger,
		send:   smtp.SendMail,
	}
}

// IsEnabled reports whether mail can actually be delivered.
func (s *EmailService) IsEnabled() bool {
	return s.cfg.Enabled && s.cfg.Host != "" && s.cfg.From != ""
}

// NotifyFirstFile tells the requester their first file has landed.
func (s *EmailService) NotifyFirstFile(req *models.TapeRequest, recipient string) {
	subject := fmt.Sprintf("[NLA] Request %d started - first file on disk", req.ID)
	var body bytes.Buffer
	fmt.Fprintf(&body, "The first file for your near-line archive request has been restored to disk.\n\n")
	s.writeRequestDetails(&body, req)
	fmt.Fprintf(&body, "\nRemaining files will appear at their archive paths as they are retrieved.\n")
	s.deliver(recipient, subject, body.String())
}

// NotifyLastFile tells the requester the whole request is staged.
func (s *EmailService) NotifyLastFile(req *models.TapeRequest, recipient string, files int) {
	subject := fmt.Sprintf("[NLA] Request %d complete - all files on disk", req.ID)
	var body bytes.Buffer
	fmt.Fprintf(&body, "All %s files for your near-line archive request are now on disk.\n\n",
		humanize.Comma(int64(files)))
	s.writeRequestDetails(&body, req)
	fmt.Fprintf(&body, "\nThe files remain on disk until %s, after which they return to tape.\n",
		req.Retention.Format("2006-01-02 15:04 MST"))
	s.deliver(recipient, subject, body.String())
}

func (s *EmailService) writeRequestDetails(body *bytes.Buffer, req *models.TapeRequest) {
	fmt.Fprintf(body, "Request id: %d\n", req.ID)
	if req.Label != "" {
		fmt.Fprintf(body, "Label:      %s\n", req.Label)
	}
	fmt.Fprintf(body, "User:       %s\n", req.User)
	fmt.Fprintf(body, "Requested:  %s\n", req.RequestDate.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(body, "Retention:  %s\n", req.Retention.Format("2006-01-02 15:04 MST"))
}

// deliver sends one message; an empty recipient means don't send.
func (s *EmailService) deliver(recipient, subject, body string) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || !s.IsEnabled() {
		return
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Message-ID: <%s@nearline>\r\n", uuid.New().String())
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := s.send(addr, auth, s.cfg.From, []string{recipient}, msg.Bytes()); err != nil {
		s.logger.Error("Failed to send notification", map[string]interface{}{
			"recipient": recipient,
			"subject":   subject,
			"error":     err.Error(),
		})
		return
	}
	s.logger.Info("Sent notification", map[string]interface{}{
		"recipient": recipient,
		"subject":   subject,
	})
}
