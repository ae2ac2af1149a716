package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailcode-worker/internal/events"
	"github.com/vipul43/mailcode-worker/internal/extract"
	"github.com/vipul43/mailcode-worker/internal/models"
)

const (
	DefaultLookback = 10 * time.Minute
	DefaultFetchTop = 10
)

// AccountStore is the slice of the account repository the monitor needs
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.MonitoredAccount, error)
	ApplyUpdate(ctx context.Context, accountID string, update models.AccountUpdate) error
}

// Ledger remembers which provider messages were already evaluated
type Ledger interface {
	HasProcessed(ctx context.Context, accountID, messageID string) (bool, error)
	RecordProcessed(ctx context.Context, record models.ProcessingRecord) error
}

// CodeStore persists extracted codes
type CodeStore interface {
	Create(ctx context.Context, code models.ExtractedCode) error
}

// CodeExtractor finds a verification code in a message
type CodeExtractor interface {
	ExtractMessage(subject, body string) extract.Result
}

// State of a check cycle
type State string

const (
	StateIdle     State = "idle"
	StateChecking State = "checking"
	StateError    State = "error"
	StateSkipped  State = "skipped"
)

// CheckResult summarizes one cycle
type CheckResult struct {
	State   State
	Fetched int
	New     int
	Codes   int
	Latest  *models.ExtractedCode
	Err     error
}

// MonitorConfig tunes the fetch window
type MonitorConfig struct {
	Lookback time.Duration
	Top      int
}

// AccountMonitor runs one fetch, dedup, extract, persist cycle for an account
type AccountMonitor struct {
	accounts  AccountStore
	ledger    Ledger
	codes     CodeStore
	tokens    TokenProvider
	fetchers  Fetchers
	extractor CodeExtractor
	sink      events.Sink
	logger    *logrus.Logger
	cfg       MonitorConfig
	now       func() time.Time
}

func NewAccountMonitor(
	accounts AccountStore,
	ledger Ledger,
	codes CodeStore,
	tokens TokenProvider,
	fetchers Fetchers,
	extractor CodeExtractor,
	sink events.Sink,
	logger *logrus.Logger,
	cfg MonitorConfig,
) *AccountMonitor {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Top <= 0 {
		cfg.Top = DefaultFetchTop
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &AccountMonitor{
		accounts:  accounts,
		ledger:    ledger,
		codes:     codes,
		tokens:    tokens,
		fetchers:  fetchers,
		extractor: extractor,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Check runs a single cycle. Every failure is turned into a checkError event
// and, for auth failures, an account status change; nothing is returned to the
// caller but the summary.
func (m *AccountMonitor) Check(ctx context.Context, accountID string) CheckResult {
	log := m.logger.WithField("account_id", accountID)

	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return m.fail(ctx, accountID, false, fmt.Errorf("failed to get account: %w", err))
	}

	if account.Status != models.StatusAuthorized {
		log.WithField("status", account.Status).Debug("Account not authorized, skipping check")
		return CheckResult{State: StateSkipped}
	}
	if err := account.Validate(); err != nil {
		return m.fail(ctx, accountID, true, err)
	}

	provider := account.ProviderOrDefault()
	fetcher, err := m.fetchers.For(provider)
	if err != nil {
		return m.fail(ctx, accountID, false, err)
	}

	log = log.WithField("provider", provider)
	start := m.now()
	since := m.since(*account, start)

	messages, err := m.fetch(ctx, *account, fetcher, since, log)
	if err != nil {
		return m.fail(ctx, accountID, IsAuthError(err), err)
	}

	result := CheckResult{State: StateIdle, Fetched: len(messages)}
	var found []models.ExtractedCode
	var records []models.ProcessingRecord
	seenInBatch := make(map[string]struct{}, len(messages))

	for _, msg := range messages {
		if _, dup := seenInBatch[msg.ID]; dup {
			continue
		}
		seenInBatch[msg.ID] = struct{}{}

		processed, err := m.ledger.HasProcessed(ctx, account.ID, msg.ID)
		if err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to check processing ledger")
			continue
		}
		if processed {
			continue
		}
		result.New++

		record, code, ok := m.processMessage(ctx, *account, msg, log)
		records = append(records, record)
		if ok {
			found = append(found, code)
		}
	}

	result.Codes = len(found)
	if len(found) == 0 {
		m.recordAll(ctx, records, log)
		log.WithFields(logrus.Fields{
			"fetched": result.Fetched,
			"new":     result.New,
		}).Debug("Check completed, no new code")
		return result
	}

	latest := newestCode(found)
	if account.LatestCodeReceivedAt != nil && latest.ReceivedAt.Before(*account.LatestCodeReceivedAt) {
		m.recordAll(ctx, records, log)
		log.WithField("message_id", latest.MessageID).Info("Extracted code is older than the current latest, keeping current")
		return result
	}

	update := models.AccountUpdate{
		LatestCode:           &latest.Code,
		LatestCodeReceivedAt: &latest.ReceivedAt,
		LastActiveAt:         &latest.ReceivedAt,
	}
	if err := m.accounts.ApplyUpdate(ctx, account.ID, update); err != nil {
		err = fmt.Errorf("failed to update latest code: %w", err)
		// code-bearing messages stay unprocessed so the next tick promotes them again
		markCodeRecordsFailed(records, err)
		m.recordAll(ctx, records, log)
		return m.fail(ctx, accountID, false, err)
	}
	m.recordAll(ctx, records, log)

	result.Latest = &latest
	m.sink.Publish(events.NewCodeDetected(account.ID, latest.Code, latest.Subject, latest.Sender, latest.ReceivedAt))

	log.WithFields(logrus.Fields{
		"message_id":  latest.MessageID,
		"received_at": latest.ReceivedAt,
		"codes_found": result.Codes,
	}).Info("New verification code detected")

	return result
}

// since is the start of the fetch window: the later of last activity and now minus lookback
func (m *AccountMonitor) since(account models.MonitoredAccount, now time.Time) time.Time {
	since := now.Add(-m.cfg.Lookback)
	if account.LastActiveAt != nil && account.LastActiveAt.After(since) {
		since = *account.LastActiveAt
	}
	return since
}

// fetch lists messages, evicting the cached token and retrying once when the
// provider rejects a token the cache still considered valid
func (m *AccountMonitor) fetch(
	ctx context.Context,
	account models.MonitoredAccount,
	fetcher MessageFetcher,
	since time.Time,
	log *logrus.Entry,
) ([]RawMessage, error) {
	for attempt := 0; ; attempt++ {
		token, err := m.tokens.AccessToken(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}

		messages, err := fetcher.FetchMessages(ctx, FetchRequest{
			Email:       account.Email,
			AccessToken: token,
			Since:       since,
			Top:         m.cfg.Top,
		})
		if err == nil {
			return messages, nil
		}
		if !IsAuthError(err) || attempt > 0 {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		log.WithError(err).Warn("Provider rejected access token, refreshing and retrying once")
		m.tokens.Invalidate(account.ID)
	}
}

// processMessage extracts from one unseen message and builds its ledger entry.
// A message whose code could not be stored is marked as an error so the next
// tick evaluates it again.
func (m *AccountMonitor) processMessage(
	ctx context.Context,
	account models.MonitoredAccount,
	msg RawMessage,
	log *logrus.Entry,
) (models.ProcessingRecord, models.ExtractedCode, bool) {
	started := m.now()
	res := m.extractor.ExtractMessage(msg.Subject, msg.Body)

	record := models.ProcessingRecord{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		MessageID: msg.ID,
		Status:    models.ProcessingStatusSuccess,
	}

	var code models.ExtractedCode
	stored := false
	if res.Found() {
		record.CodesFound = 1
		code = models.ExtractedCode{
			ID:         uuid.New().String(),
			AccountID:  account.ID,
			MessageID:  msg.ID,
			Code:       res.Code(),
			Subject:    msg.Subject,
			Sender:     msg.From,
			ReceivedAt: msg.ReceivedAt,
		}
		if err := m.codes.Create(ctx, code); err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Error("Failed to store extracted code")
			errMsg := err.Error()
			record.Status = models.ProcessingStatusError
			record.Error = &errMsg
		} else {
			stored = true
			log.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"tier":       res.Best.Tier.String(),
				"pattern":    res.Best.Pattern,
			}).Debug("Code extracted")
		}
	}

	finished := m.now()
	record.ProcessedAt = finished
	record.ProcessingTimeMs = finished.Sub(started).Milliseconds()

	return record, code, stored
}

// recordAll writes the cycle's ledger entries. It runs only once the latest
// code has been settled, so a success row never precedes the account update.
func (m *AccountMonitor) recordAll(ctx context.Context, records []models.ProcessingRecord, log *logrus.Entry) {
	for _, record := range records {
		if err := m.ledger.RecordProcessed(ctx, record); err != nil {
			log.WithError(err).WithField("message_id", record.MessageID).Warn("Failed to record processed message")
		}
	}
}

func markCodeRecordsFailed(records []models.ProcessingRecord, err error) {
	errMsg := err.Error()
	for i := range records {
		if records[i].CodesFound > 0 && records[i].Status == models.ProcessingStatusSuccess {
			records[i].Status = models.ProcessingStatusError
			records[i].Error = &errMsg
		}
	}
}

// fail publishes checkError and, for auth failures, marks the account unauthorized
func (m *AccountMonitor) fail(ctx context.Context, accountID string, unauthorized bool, err error) CheckResult {
	log := m.logger.WithField("account_id", accountID).WithError(err)

	if unauthorized {
		status := models.StatusUnauthorized
		if updErr := m.accounts.ApplyUpdate(ctx, accountID, models.AccountUpdate{Status: &status}); updErr != nil {
			log.WithField("update_error", updErr.Error()).Error("Failed to mark account unauthorized")
		}
		log.Warn("Account marked unauthorized")
	} else if IsTransient(err) {
		log.Warn("Check failed, will retry on next tick")
	} else {
		log.Error("Check failed")
	}

	m.sink.Publish(events.CheckError(accountID, err))
	return CheckResult{State: StateError, Err: err}
}

func newestCode(codes []models.ExtractedCode) models.ExtractedCode {
	newest := codes[0]
	for _, c := range codes[1:] {
		if c.ReceivedAt.After(newest.ReceivedAt) {
			newest = c
		}
	}
	return newest
}
