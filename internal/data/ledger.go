package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInsufficientFunds is returned when a reservation exceeds the balance.
// Never retried: the caller surfaces it before any provider call is made.
var ErrInsufficientFunds = errors.New("insufficient credit balance")

// LedgerAccount is the GORM model for the credit_balances table. The balance
// is only ever mutated by single-statement conditional updates; no code path
// computes a balance with a read followed by a write.
type LedgerAccount struct {
	UserID    string    `gorm:"primaryKey;column:user_id;size:36"`
	Balance   int64     `gorm:"column:balance;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (LedgerAccount) TableName() string {
	return "credit_balances"
}

// LedgerRepo implements biz.CreditLedger interface.
type LedgerRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewLedgerRepo creates a new credit ledger repository.
func NewLedgerRepo(db *gorm.DB, logger log.Logger) *LedgerRepo {
	return &LedgerRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// Reserve earmarks credits against the user's balance atomically: the
// balance check and the debit run in one UPDATE guarded by balance >= amount.
// Zero rows affected with an existing account means insufficient funds.
func (r *LedgerRepo) Reserve(ctx context.Context, userID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("invalid reservation amount: %d", amount)
	}

	result := r.db.WithContext(ctx).
		Model(&LedgerAccount{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return "", fmt.Errorf("failed to reserve credits: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		r.logger.Warnw("credit reservation denied",
			"user_id", userID,
			"amount", amount)
		return "", ErrInsufficientFunds
	}

	reservationID := uuid.NewString()
	r.logger.Debugw("credits reserved",
		"user_id", userID,
		"amount", amount,
		"reservation_id", reservationID)
	return reservationID, nil
}

// Refund credits the balance back. Refunds are additive and deliberately not
// tied to the original reservation record, so re-issuing one is safe even
// after the reservation is long gone.
func (r *LedgerRepo) Refund(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&LedgerAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to refund credits: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("refund target account not found: %s", userID)
	}

	r.logger.Infow("credits refunded",
		"user_id", userID,
		"amount", amount)
	return nil
}

// Balance returns the current balance for a user.
func (r *LedgerRepo) Balance(ctx context.Context, userID string) (int64, error) {
	var account LedgerAccount
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("account not found: %s", userID)
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return account.Balance, nil
}
