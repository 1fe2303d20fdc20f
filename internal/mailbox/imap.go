package mailbox

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	log "github.com/sirupsen/logrus"

	"github.com/biz-gemini/sessiond/internal/config"
	apperrors "github.com/biz-gemini/sessiond/internal/errors"
	"github.com/biz-gemini/sessiond/internal/util"
)

// scanLimit caps how many recent messages are inspected per poll.
const scanLimit = 10

// Reader fetches verification codes from an IMAP mailbox. Each poll
// opens a fresh connection; verification mails are rare enough that a
// persistent connection is not worth the keepalive churn.
type Reader struct {
	cfg config.IMAPConfig
}

// NewReader builds a Reader from the mailbox configuration.
func NewReader(cfg config.IMAPConfig) *Reader {
	return &Reader{cfg: cfg}
}

// FetchCode scans recent mail from the configured sender for a
// verification code. Returns "" without error when no code has arrived
// yet.
func (r *Reader) FetchCode(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)

	var c *client.Client
	var err error
	if r.cfg.UseSSL {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() { _ = c.Logout() }()

	if err = c.Login(r.cfg.Username, r.cfg.Password); err != nil {
		return "", fmt.Errorf("imap login: %w", err)
	}

	folder := r.cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err = c.Select(folder, true); err != nil {
		return "", fmt.Errorf("select %s: %w", folder, err)
	}

	maxAge := time.Duration(r.cfg.MaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	cutoff := time.Now().Add(-maxAge)

	criteria := imap.NewSearchCriteria()
	// SINCE has date granularity; the precise cutoff is applied per
	// message below.
	criteria.Since = cutoff.Truncate(24 * time.Hour)
	if r.cfg.SenderFilter != "" {
		criteria.Header.Add("FROM", r.cfg.SenderFilter)
	}
	ids, err := c.Search(criteria)
	if err != nil {
		return "", fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}

	// newest first
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > scanLimit {
		ids = ids[:scanLimit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate}

	messages := make(chan *imap.Message, scanLimit)
	done := make(chan error, 1)
	go func() { done <- c.Fetch(seqset, items, messages) }()

	code := ""
	for msg := range messages {
		if ctx.Err() != nil {
			continue // drain
		}
		if code != "" {
			continue
		}
		if !msg.InternalDate.IsZero() && msg.InternalDate.Before(cutoff) {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		if found := ExtractCode(readMailBody(body)); found != "" {
			log.WithField("code", util.TokenPreview(found)).Info("verification code extracted from mail")
			code = found
		}
	}
	if err = <-done; err != nil {
		return "", fmt.Errorf("imap fetch: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return "", err
	}
	return code, nil
}

// WaitForCode polls the mailbox until a code arrives or the configured
// timeout elapses. onStatus, when non-nil, receives progress strings.
func (r *Reader) WaitForCode(ctx context.Context, onStatus func(string)) (string, error) {
	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	poll := time.Duration(r.cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", apperrors.VerificationTimeout(
				fmt.Sprintf("no verification mail within %s", timeout), nil)
		}
		if onStatus != nil {
			onStatus(fmt.Sprintf("waiting for verification mail (%ds left)", int(remaining.Seconds())))
		}

		code, err := r.FetchCode(ctx)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Debug("mailbox poll failed")
		} else if code != "" {
			return code, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// readMailBody extracts the decoded text of the first HTML part,
// falling back to plain text, then to the raw bytes.
func readMailBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 1<<20))

	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return string(raw)
	}
	var plain string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		content, _ := io.ReadAll(io.LimitReader(part.Body, 1<<20))
		ctype, _, _ := header.ContentType()
		if strings.HasPrefix(ctype, "text/html") {
			return string(content)
		}
		if plain == "" && strings.HasPrefix(ctype, "text/plain") {
			plain = string(content)
		}
	}
	if plain != "" {
		return plain
	}
	return string(raw)
}
