package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/Dominican809/humano-watcher/internal/config"
)

// imapClient adapts an emersion/go-imap connection to the Client
// interface.
type imapClient struct {
	c *client.Client
}

func (ic *imapClient) SelectFolder(folder string) error {
	_, err := ic.c.Select(folder, false)
	return err
}

func (ic *imapClient) SearchUnseen() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return ic.c.UidSearch(criteria)
}

func (ic *imapClient) FetchPeek(uids []uint32) ([]Fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	// peek so a crash between fetch and dispatch leaves the batch unseen
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- ic.c.UidFetch(seqset, items, messages) }()

	var out []Fetched
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read message %d: %w", msg.Uid, err)
		}
		out = append(out, Fetched{UID: msg.Uid, Raw: raw})
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return out, nil
}

func (ic *imapClient) MarkSeen(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return ic.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

func (ic *imapClient) SupportsIdle() (bool, error) {
	caps, err := ic.c.Capability()
	if err != nil {
		return false, err
	}
	return caps["IDLE"], nil
}

func (ic *imapClient) WaitForUpdate(ctx context.Context, timeout time.Duration) (bool, error) {
	updates := make(chan client.Update, 8)
	ic.c.Updates = updates
	defer func() { ic.c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- ic.c.Idle(stop, &client.IdleOptions{}) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var updated bool
	select {
	case <-updates:
		updated = true
	case <-timer.C:
	case <-ctx.Done():
	case err := <-done:
		// idle ended on its own: connection trouble
		if err == nil {
			err = fmt.Errorf("idle terminated unexpectedly")
		}
		return false, err
	}
	close(stop)
	if err := <-done; err != nil {
		return updated, err
	}
	return updated, nil
}

func (ic *imapClient) Noop() error   { return ic.c.Noop() }
func (ic *imapClient) Logout() error { return ic.c.Logout() }

// strategyPause sits between connection attempts so a struggling server
// is not hammered with immediate re-dials.
const strategyPause = 2 * time.Second

// IMAPDialer dials with a fixed strategy ladder: verified TLS first,
// then TLS without certificate verification, then plaintext upgraded
// with STARTTLS. Corporate proxies in front of the mailbox break each
// of these in different ways on different days.
type IMAPDialer struct {
	cfg config.IMAPConfig
	log *slog.Logger
}

func NewIMAPDialer(cfg config.IMAPConfig, log *slog.Logger) *IMAPDialer {
	return &IMAPDialer{cfg: cfg, log: log.With("component", "mailbox")}
}

type strategy struct {
	name string
	dial func(addr string) (*client.Client, error)
}

func (d *IMAPDialer) strategies() []strategy {
	ssl := d.cfg.SSL == nil || *d.cfg.SSL
	if !ssl {
		return []strategy{
			{"plaintext", func(addr string) (*client.Client, error) { return client.Dial(addr) }},
		}
	}
	return []strategy{
		{"tls", func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, nil)
		}},
		{"tls-unverified", func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, &tls.Config{InsecureSkipVerify: true, ServerName: d.cfg.Host}) // #nosec G402 -- deliberate fallback behind a broken proxy
		}},
		{"starttls", func(addr string) (*client.Client, error) {
			c, err := client.Dial(fmt.Sprintf("%s:%d", d.cfg.Host, 143))
			if err != nil {
				return nil, err
			}
			if err := c.StartTLS(&tls.Config{ServerName: d.cfg.Host}); err != nil {
				_ = c.Logout()
				return nil, err
			}
			return c, nil
		}},
	}
}

func (d *IMAPDialer) Dial(ctx context.Context) (Client, string, error) {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	var lastErr error
	for i, s := range d.strategies() {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(strategyPause):
			}
		}
		c, err := s.dial(addr)
		if err != nil {
			d.log.Warn("connection strategy failed", "strategy", s.name, "error", err)
			lastErr = err
			continue
		}
		if err := c.Login(d.cfg.User, d.cfg.Password); err != nil {
			d.log.Warn("login failed", "strategy", s.name, "error", err)
			_ = c.Logout()
			lastErr = err
			continue
		}
		return &imapClient{c: c}, s.name, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no connection strategies available")
	}
	return nil, "", lastErr
}
