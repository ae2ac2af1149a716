package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/mailcode-worker/internal/models"
)

func ledgerRecord(accountID, messageID, status string) models.ProcessingRecord {
	rec := models.ProcessingRecord{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		MessageID:        messageID,
		ProcessedAt:      time.Now(),
		ProcessingTimeMs: 3,
		Status:           status,
	}
	if status == models.ProcessingStatusError {
		msg := "database is locked"
		rec.Error = &msg
	}
	return rec
}

func TestLedgerRepository_RecordProcessedIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	accounts := NewAccountRepository(db)
	seedAccount(t, accounts, "acc-1", models.StatusAuthorized)
	ledger := NewLedgerRepository(db)
	ctx := context.Background()

	processed, err := ledger.HasProcessed(ctx, "acc-1", "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed {
		t.Fatal("expected unseen message")
	}

	for i := 0; i < 3; i++ {
		if err := ledger.RecordProcessed(ctx, ledgerRecord("acc-1", "msg-1", models.ProcessingStatusSuccess)); err != nil {
			t.Fatalf("unexpected error on record %d: %v", i, err)
		}
	}

	processed, err = ledger.HasProcessed(ctx, "acc-1", "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !processed {
		t.Error("expected message to be processed")
	}

	count, err := ledger.CountByAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 ledger row, got %d", count)
	}
}

func TestLedgerRepository_ErrorRowIsReplacedBySuccess(t *testing.T) {
	db := newTestDB(t)
	accounts := NewAccountRepository(db)
	seedAccount(t, accounts, "acc-1", models.StatusAuthorized)
	ledger := NewLedgerRepository(db)
	ctx := context.Background()

	if err := ledger.RecordProcessed(ctx, ledgerRecord("acc-1", "msg-1", models.ProcessingStatusError)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed, _ := ledger.HasProcessed(ctx, "acc-1", "msg-1"); processed {
		t.Fatal("expected error row to leave the message unprocessed")
	}

	success := ledgerRecord("acc-1", "msg-1", models.ProcessingStatusSuccess)
	success.CodesFound = 1
	if err := ledger.RecordProcessed(ctx, success); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if processed, _ := ledger.HasProcessed(ctx, "acc-1", "msg-1"); !processed {
		t.Error("expected success to mark the message processed")
	}

	var rows []models.ProcessingRecord
	if err := db.Where("account_id = ?", "acc-1").Find(&rows).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Status != models.ProcessingStatusSuccess || rows[0].Error != nil || rows[0].CodesFound != 1 {
		t.Errorf("unexpected row after replacement: %+v", rows[0])
	}

	// a later error never downgrades a success
	if err := ledger.RecordProcessed(ctx, ledgerRecord("acc-1", "msg-1", models.ProcessingStatusError)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed, _ := ledger.HasProcessed(ctx, "acc-1", "msg-1"); !processed {
		t.Error("expected success row to be kept")
	}
}

func TestLedgerRepository_SameMessageDifferentAccounts(t *testing.T) {
	db := newTestDB(t)
	accounts := NewAccountRepository(db)
	seedAccount(t, accounts, "acc-1", models.StatusAuthorized)
	seedAccount(t, accounts, "acc-2", models.StatusAuthorized)
	ledger := NewLedgerRepository(db)
	ctx := context.Background()

	if err := ledger.RecordProcessed(ctx, ledgerRecord("acc-1", "shared", models.ProcessingStatusSuccess)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if processed, _ := ledger.HasProcessed(ctx, "acc-2", "shared"); processed {
		t.Error("expected ledger to be scoped per account")
	}
}
