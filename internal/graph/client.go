// Package graph lists mailbox messages through the Microsoft Graph REST API.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/vipul43/mailcode-worker/internal/service"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	defaultTop     = 10
	maxErrorBody   = 4096
)

// Verification mail regularly lands in junk, so both folders are listed
var folders = []string{"inbox", "junkemail"}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a Graph client limited to requestsPerSecond across all accounts
func NewClient(baseURL string, requestsPerSecond float64, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

type messageList struct {
	Value []message `json:"value"`
}

type message struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchMessages lists inbox and junk messages received at or after req.Since,
// merged newest first and capped to req.Top
func (c *Client) FetchMessages(ctx context.Context, req service.FetchRequest) ([]service.RawMessage, error) {
	top := req.Top
	if top <= 0 {
		top = defaultTop
	}

	var all []service.RawMessage
	for _, folder := range folders {
		msgs, err := c.listFolder(ctx, req, folder, top)
		if err != nil {
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

	c.logger.WithFields(logrus.Fields{
		"mailbox":  req.Email,
		"messages": len(all),
	}).Debug("Graph messages fetched")

	return all, nil
}

func (c *Client) listFolder(ctx context.Context, req service.FetchRequest, folder string, top int) ([]service.RawMessage, error) {
	op := "list " + folder + " messages"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, service.NewTransientError(op, 0, err)
	}

	query := url.Values{}
	query.Set("$filter", "receivedDateTime ge "+req.Since.UTC().Format("2006-01-02T15:04:05Z"))
	query.Set("$orderby", "receivedDateTime desc")
	query.Set("$top", strconv.Itoa(top))
	query.Set("$select", "id,subject,from,body,receivedDateTime")
	endpoint := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", c.baseURL, folder, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	httpClient := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: req.AccessToken,
		TokenType:   "Bearer",
	}))

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, service.NewTransientError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp)
	}

	var list messageList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, service.NewTransientError(op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}

	out := make([]service.RawMessage, 0, len(list.Value))
	for _, m := range list.Value {
		if m.ReceivedDateTime.Before(req.Since) {
			continue
		}
		out = append(out, service.RawMessage{
			ID:         m.ID,
			Subject:    m.Subject,
			From:       formatSender(m.From.EmailAddress.Name, m.From.EmailAddress.Address),
			Body:       m.Body.Content,
			ReceivedAt: m.ReceivedDateTime,
		})
	}
	return out, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	detail := strings.TrimSpace(string(body))
	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Code != "" {
		detail = parsed.Error.Code + ": " + parsed.Error.Message
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return service.NewAuthError(op, errors.New(detail))
	}
	return service.NewTransientError(op, resp.StatusCode, errors.New(detail))
}

func formatSender(name, address string) string {
	switch {
	case name != "" && address != "" && name != address:
		return fmt.Sprintf("%s <%s>", name, address)
	case address != "":
		return address
	default:
		return name
	}
}
