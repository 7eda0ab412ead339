package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Pass     string
	From     string
	SiteName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSink renders a template per kind and delivers it over SMTP.
type SMTPSink struct {
	cfg  SMTPConfig
	auth smtp.Auth
	send sendFunc
}

func NewSMTPSink(cfg SMTPConfig) *SMTPSink {
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	return &SMTPSink{cfg: cfg, auth: auth, send: smtp.SendMail}
}

func (s *SMTPSink) Send(ctx context.Context, kind Kind, p Payload) (SendResult, error) {
	if strings.TrimSpace(p.To) == "" {
		return SendResult{Error: "no recipient"}, fmt.Errorf("notify: %s without recipient", kind)
	}
	subject, body, err := render(kind, s.cfg.SiteName, p)
	if err != nil {
		return SendResult{Error: err.Error()}, err
	}

	id := uuid.NewString()
	msg := buildMessage(s.cfg.From, p.To, p.ReplyTo, subject, body, id, s.cfg.Host)

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.cfg.Host+":"+s.cfg.Port, s.auth, s.cfg.From, []string{p.To}, msg)
	}()
	select {
	case <-ctx.Done():
		return SendResult{Error: ctx.Err().Error()}, ctx.Err()
	case err := <-done:
		if err != nil {
			return SendResult{Error: err.Error()}, fmt.Errorf("notify: send %s: %w", kind, err)
		}
	}
	return SendResult{Success: true, ID: id}, nil
}

func buildMessage(from, to, replyTo, subject, body, id, host string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", id, host)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

var funcs = template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
}

type tmpl struct {
	subject *template.Template
	body    *template.Template
}

func mustTmpl(subject, body string) tmpl {
	return tmpl{
		subject: template.Must(template.New("s").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New("b").Funcs(funcs).Parse(body)),
	}
}

var templates = map[Kind]tmpl{
	DonationConfirmation: mustTmpl(
		`Thank you for your {{if .Recurring}}monthly {{end}}gift to {{.Site}}`,
		`Dear {{.Name}},

Thank you for your {{if .Recurring}}monthly {{end}}donation of {{money .Amount}} to {{.Site}}.
{{if .Recurring}}Your card will be charged {{money .Amount}} each month until you ask us to stop.
{{end}}{{if .HonorName}}Your gift was made in honor of {{.HonorName}}.
{{end}}
Reference: {{.Reference}}

With gratitude,
{{.Site}}
`),
	HonoreeNotice: mustTmpl(
		`A gift has been made in your honor`,
		`Dear {{if .HonorName}}{{.HonorName}}{{else}}friend{{end}},

{{.DonorName}} has made a donation to {{.Site}} in your honor.
{{if .Message}}
Their message: {{.Message}}
{{end}}
Warm regards,
{{.Site}}
`),
	RegistrationConfirmation: mustTmpl(
		`You're registered: {{.EventTitle}}`,
		`Dear {{.Name}},

You are registered for {{.EventTitle}}{{if .EventDate}} on {{.EventDate}}{{end}}.
{{if .Location}}Location: {{.Location}}
{{end}}Party: {{.Adults}} adult(s){{if .Kids}}, {{.Kids}} child(ren){{end}}
{{range .Guests}}  - {{.}}
{{end}}
{{if eq .Status "pending_check"}}Please mail your check of {{money .Amount}} with reference {{.Reference}}.
{{else if eq .Status "free"}}No payment is due.
{{else}}Amount paid: {{money .Amount}} (reference {{.Reference}})
{{end}}{{if .TicketURL}}
Your ticket: {{.TicketURL}}
{{end}}
See you there,
{{.Site}}
`),
	ContactFormAlert: mustTmpl(
		`New contact form message from {{.Name}}`,
		`From: {{.Name}} <{{.ReplyTo}}>

{{.Message}}
`),
}

func render(kind Kind, site string, p Payload) (string, string, error) {
	t, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("notify: unknown kind %q", kind)
	}
	data := struct {
		Payload
		Site string
	}{p, site}

	var subj, body bytes.Buffer
	if err := t.subject.Execute(&subj, data); err != nil {
		return "", "", fmt.Errorf("notify: subject %s: %w", kind, err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("notify: body %s: %w", kind, err)
	}
	return strings.TrimSpace(subj.String()), body.String(), nil
}
