// Package gmail lists mailbox messages through the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vipul43/mailcode-worker/internal/service"
)

const defaultTop = 10

type Client struct {
	// endpoint overrides the API base URL, empty means the public Gmail API
	endpoint string
	logger   *logrus.Logger
}

func NewClient(endpoint string, logger *logrus.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		logger:   logger,
	}
}

// FetchMessages lists messages received at or after req.Since, newest first.
// Spam is included since verification mail often lands there.
func (c *Client) FetchMessages(ctx context.Context, req service.FetchRequest) ([]service.RawMessage, error) {
	top := req.Top
	if top <= 0 {
		top = defaultTop
	}

	gmailService, err := c.newService(ctx, req.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	query := fmt.Sprintf("after:%d -in:sent -in:drafts -in:trash", req.Since.Unix())
	listResp, err := gmailService.Users.Messages.List("me").
		Q(query).
		IncludeSpamTrash(true).
		MaxResults(int64(top)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	log := c.logger.WithField("mailbox", req.Email)
	log.WithField("messages", len(listResp.Messages)).Debug("Gmail API returned message IDs")

	messages := make([]service.RawMessage, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		fullMsg, err := gmailService.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			classified := classify("get message", err)
			if service.IsAuthError(classified) {
				return nil, classified
			}
			log.WithError(err).WithField("message_id", ref.Id).Warn("Failed to get message")
			continue
		}

		msg := parseMessage(fullMsg, log)
		if msg.ReceivedAt.Before(req.Since) {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.After(messages[j].ReceivedAt)
	})

	return messages, nil
}

func (c *Client) newService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

// classify maps Gmail API failures onto the auth/transient taxonomy
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 401 {
			return service.NewAuthError(op, err)
		}
		return service.NewTransientError(op, apiErr.Code, err)
	}
	return service.NewTransientError(op, 0, err)
}

// parseMessage reduces a Gmail message to subject, sender, body and receive time
func parseMessage(msg *gmail.Message, log *logrus.Entry) service.RawMessage {
	raw := service.RawMessage{ID: msg.Id}

	if msg.InternalDate > 0 {
		raw.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}

	if msg.Payload == nil {
		raw.Body = msg.Snippet
		return raw
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			raw.Subject = header.Value
		case "From":
			raw.From = header.Value
		case "Date":
			if !raw.ReceivedAt.IsZero() {
				continue
			}
			parsedDate, err := parseEmailDate(header.Value)
			if err != nil {
				log.WithField("date", header.Value).Debug("Failed to parse date header")
			} else {
				raw.ReceivedAt = parsedDate
			}
		}
	}

	bodyText, bodyHTML := extractBodies(msg.Payload)
	switch {
	case bodyHTML != "":
		raw.Body = bodyHTML
	case bodyText != "":
		raw.Body = bodyText
	default:
		raw.Body = msg.Snippet
	}

	return raw
}

// extractBodies extracts both text and HTML bodies from message payload
func extractBodies(payload *gmail.MessagePart) (string, string) {
	var textPlain, textHTML string

	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodeBody(payload.Body.Data); err == nil {
			switch payload.MimeType {
			case "text/plain":
				textPlain = decoded
			case "text/html":
				textHTML = decoded
			}
		}
	}

	extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)

	return textPlain, textHTML
}

// extractBodiesFromParts recursively extracts text and HTML from message parts
func extractBodiesFromParts(parts []*gmail.MessagePart, textPlain, textHTML *string) {
	for _, part := range parts {
		if part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBody(part.Body.Data); err == nil {
				if part.MimeType == "text/plain" && *textPlain == "" {
					*textPlain = decoded
				} else if part.MimeType == "text/html" && *textHTML == "" {
					*textHTML = decoded
				}
			}
		}

		if len(part.Parts) > 0 {
			extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

// decodeBody accepts base64url with or without padding
func decodeBody(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Gmail sometimes adds "(UTC)" after the numeric offset
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
