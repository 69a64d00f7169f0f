package builtin

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"cronhub/internal/task/model"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

type mailer struct {
	cfg SMTP
	log logx.Logger
	now func() time.Time
	// send is smtp.SendMail outside tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type emailResult struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Delivered bool      `json:"delivered"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *mailer) run(ctx context.Context, p model.Params) (any, error) {
	to, err := requireStr(p, "recipient_email")
	if err != nil {
		return nil, err
	}
	subject, err := requireStr(p, "subject")
	if err != nil {
		return nil, err
	}
	body, err := requireStr(p, "message")
	if err != nil {
		return nil, err
	}
	from := str(p, "sender_email")
	if from == "" {
		from = m.cfg.From
	}
	if from == "" {
		from = "cronhub@localhost"
	}

	res := emailResult{Recipient: to, Subject: subject, Timestamp: m.now().UTC()}
	if strings.TrimSpace(m.cfg.Addr) == "" {
		m.log.Info("email not sent: smtp not configured", logx.String("to", to), logx.String("subject", subject))
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			return nil, retry.NoRetry(fmt.Errorf("smtp addr %q: %w", m.cfg.Addr, err))
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	send := m.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(m.cfg.Addr, auth, from, []string{to}, composeMail(from, to, subject, body, res.Timestamp)); err != nil {
		return nil, fmt.Errorf("send email to %s: %w", to, err)
	}
	res.Delivered = true
	m.log.Info("email sent", logx.String("to", to), logx.String("subject", subject))
	return res, nil
}

func composeMail(from, to, subject, body string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + strings.NewReplacer("\r", " ", "\n", " ").Replace(subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
