// Package trigger turns raw mailbox messages into pipeline trigger
// events: it parses the MIME envelope, decides whether the message is a
// trigger, routes it to a pipeline kind, and stages xlsx attachments for
// the pipeline runners.
package trigger

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/Dominican809/humano-watcher/internal/config"
	"github.com/Dominican809/humano-watcher/internal/pipeline"
)

// Event is one parsed trigger candidate.
type Event struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Kind      pipeline.Kind
	OrderKey  string
	Raw       []byte
}

// Parse decodes the envelope of a raw RFC822 message. Attachments are
// not decoded here; see ExtractAttachments.
func Parse(raw []byte) (*Event, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer func() { _ = mr.Close() }()

	h := mr.Header
	subject, _ := h.Subject()
	msgID, _ := h.MessageID()
	date, _ := h.Date()

	var from string
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}

	return &Event{
		MessageID: msgID,
		Subject:   subject,
		From:      from,
		Date:      date,
		Kind:      pipeline.KindFromSubject(subject),
		OrderKey:  OrderKey(subject),
		Raw:       raw,
	}, nil
}

// subjects carry an embedded report date, e.g.
// "Asegurados Viajeros | 2025-09-21"
var orderKeyRe = regexp.MustCompile(`\|\s*(\d{4}-\d{2}-\d{2})`)

// OrderKey extracts the report date from a subject. Messages are
// dispatched in report-date order, not arrival order; a message without
// a recognizable date is dispatched after every dated one.
func OrderKey(subject string) string {
	m := orderKeyRe.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return m[1]
}

// Matcher decides whether a parsed message triggers a pipeline. Subject
// and sender rules are regular expressions, applied case-insensitively.
type Matcher struct {
	subjects []*regexp.Regexp
	senders  []*regexp.Regexp
}

func NewMatcher(cfg config.MatchConfig) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range cfg.SubjectPatterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("subject pattern %q: %w", p, err)
		}
		m.subjects = append(m.subjects, re)
	}
	for _, p := range cfg.SenderPatterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("sender pattern %q: %w", p, err)
		}
		m.senders = append(m.senders, re)
	}
	return m, nil
}

func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + strings.TrimSpace(p))
}

// Matches requires a subject pattern and, when sender patterns are
// configured, a matching sender.
func (m *Matcher) Matches(ev *Event) bool {
	found := false
	for _, re := range m.subjects {
		if re.MatchString(ev.Subject) {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(m.senders) == 0 {
		return true
	}
	for _, re := range m.senders {
		if re.MatchString(ev.From) {
			return true
		}
	}
	return false
}

// Window is the processing window: a trigger arriving outside of it is
// dropped (and still marked done), never queued for a later window. The
// next scheduled delivery carries a full workbook, so nothing is lost.
type Window struct {
	days  map[time.Weekday]bool
	start int
	end   int
	loc   *time.Location
}

func NewWindow(cfg config.WindowConfig) (*Window, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("window timezone: %w", err)
	}
	return &Window{
		days:  cfg.Weekdays(),
		start: cfg.StartHour,
		end:   cfg.EndHour,
		loc:   loc,
	}, nil
}

// Contains reports whether t falls inside the processing window. An
// empty day set allows every day.
func (w *Window) Contains(t time.Time) bool {
	lt := t.In(w.loc)
	if len(w.days) > 0 && !w.days[lt.Weekday()] {
		return false
	}
	h := lt.Hour()
	return h >= w.start && h < w.end
}

// ExtractAttachments writes every xlsx attachment of the message into
// stagingDir and returns the written paths. An existing staged file is
// renamed with a timestamp suffix first so a delivery is never silently
// overwritten.
func ExtractAttachments(raw []byte, stagingDir string) ([]string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer func() { _ = mr.Close() }()

	var written []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read part: %w", err)
		}
		ah, ok := p.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := ah.Filename()
		if !strings.HasSuffix(strings.ToLower(filename), ".xlsx") {
			continue
		}
		path, err := stageAttachment(p.Body, stagingDir, filename)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
