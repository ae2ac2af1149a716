// Package imapmail lists mailbox messages over IMAP authenticated with XOAUTH2.
package imapmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailcode-worker/internal/service"
)

const (
	DefaultAddr = "outlook.office365.com:993"
	defaultTop  = 10
	dialTimeout = 30 * time.Second
)

var folders = []string{"INBOX", "Junk"}

// session is the part of *client.Client the fetcher uses
type session interface {
	Authenticate(auth sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

type dialFunc func(addr string) (session, error)

type Client struct {
	addr   string
	dial   dialFunc
	logger *logrus.Logger
}

func NewClient(addr string, logger *logrus.Logger) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{
		addr:   addr,
		dial:   dialTLS,
		logger: logger,
	}
}

func dialTLS(addr string) (session, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: dialTimeout}, addr, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, err
	}
	c.Timeout = dialTimeout
	return c, nil
}

// FetchMessages searches inbox and junk for messages since req.Since and
// returns them newest first, capped to req.Top
func (c *Client) FetchMessages(ctx context.Context, req service.FetchRequest) ([]service.RawMessage, error) {
	top := req.Top
	if top <= 0 {
		top = defaultTop
	}
	if err := ctx.Err(); err != nil {
		return nil, service.NewTransientError("imap", 0, err)
	}

	sess, err := c.dial(c.addr)
	if err != nil {
		return nil, service.NewTransientError("imap connect", 0, err)
	}
	defer sess.Logout() //nolint:errcheck

	if err := sess.Authenticate(newXOAUTH2Client(req.Email, req.AccessToken)); err != nil {
		if isNetworkError(err) {
			return nil, service.NewTransientError("imap authenticate", 0, err)
		}
		return nil, service.NewAuthError("imap authenticate", err)
	}

	log := c.logger.WithField("mailbox", req.Email)

	var all []service.RawMessage
	for _, folder := range folders {
		msgs, err := c.fetchFolder(sess, folder, req.Since, top, log)
		if err != nil {
			if folder != folders[0] {
				log.WithError(err).WithField("folder", folder).Debug("Skipping folder")
				continue
			}
			return nil, err
		}
		all = append(all, msgs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ReceivedAt.After(all[j].ReceivedAt)
	})
	if len(all) > top {
		all = all[:top]
	}
	return all, nil
}

func (c *Client) fetchFolder(sess session, folder string, since time.Time, top int, log *logrus.Entry) ([]service.RawMessage, error) {
	mbox, err := sess.Select(folder, true)
	if err != nil {
		return nil, service.NewTransientError("imap select "+folder, 0, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	// SINCE has day granularity; the exact cut is applied to InternalDate below
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := sess.UidSearch(criteria)
	if err != nil {
		return nil, service.NewTransientError("imap search "+folder, 0, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > top {
		uids = uids[:top]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- sess.UidFetch(seqSet, items, messages)
	}()

	var out []service.RawMessage
	for msg := range messages {
		if msg.InternalDate.Before(since) {
			continue
		}
		out = append(out, parseMessage(msg, section, folder, mbox.UidValidity, log))
	}

	if err := <-done; err != nil {
		return nil, service.NewTransientError("imap fetch "+folder, 0, err)
	}
	return out, nil
}

// parseMessage reads the RFC822 body with enmime. Parse failures fall back to the raw text.
func parseMessage(msg *imap.Message, section *imap.BodySectionName, folder string, uidValidity uint32, log *logrus.Entry) service.RawMessage {
	raw := service.RawMessage{
		ID:         messageID(msg, folder, uidValidity),
		ReceivedAt: msg.InternalDate,
	}

	if msg.Envelope != nil {
		raw.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			from := msg.Envelope.From[0]
			raw.From = from.Address()
			if from.PersonalName != "" {
				raw.From = fmt.Sprintf("%s <%s>", from.PersonalName, from.Address())
			}
		}
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return raw
	}
	body, err := io.ReadAll(literal)
	if err != nil {
		log.WithError(err).WithField("message_id", raw.ID).Warn("Error reading literal")
		return raw
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		log.WithError(err).WithField("message_id", raw.ID).Debug("Failed to parse with enmime, using raw body")
		raw.Body = string(body)
		return raw
	}

	if env.HTML != "" {
		raw.Body = env.HTML
	} else {
		raw.Body = env.Text
	}
	if raw.Subject == "" {
		raw.Subject = env.GetHeader("Subject")
	}
	return raw
}

// messageID prefers the Message-Id header so the same mail keeps its identity across folders
func messageID(msg *imap.Message, folder string, uidValidity uint32) string {
	if msg.Envelope != nil {
		if id := strings.Trim(strings.TrimSpace(msg.Envelope.MessageId), "<>"); id != "" {
			return id
		}
	}
	return folder + ":" + strconv.FormatUint(uint64(uidValidity), 10) + ":" + strconv.FormatUint(uint64(msg.Uid), 10)
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
