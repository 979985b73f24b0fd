package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// GormDB is the subscription record store. It is the only writer of subscription status.
type GormDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

var _ models.Repository = (*GormDB)(nil)

func open(dialector gorm.Dialector, logger *logger.Logger) (*GormDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.PaymentClaim{},
		&models.DeadLetter{},
		&models.ReminderLog{},
		&models.AppLock{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return &GormDB{Conn: db, logger: logger}, nil
}

func (db *GormDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func (db *GormDB) EnsureUser(ctx context.Context, userID int64, locale string) error {
	user := models.User{UserID: userID, Locale: locale, CreatedAt: time.Now().UTC()}
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

func (db *GormDB) SetUserLocale(ctx context.Context, userID int64, locale string) error {
	user := models.User{UserID: userID, Locale: locale, CreatedAt: time.Now().UTC()}
	err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"locale"}),
	}).Create(&user).Error
	if err != nil {
		return fmt.Errorf("failed to set user locale: %w", err)
	}
	return nil
}

// GetUserLocale returns the stored locale, or an empty string for unknown users.
func (db *GormDB) GetUserLocale(ctx context.Context, userID int64) (string, error) {
	var user models.User
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get user locale: %w", err)
	}
	return user.Locale, nil
}

func (db *GormDB) AddSubscription(ctx context.Context, sub *models.Subscription) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND service_name = ?", sub.UserID, sub.ServiceName).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check subscription: %w", err)
		}
		if count > 0 {
			return models.ErrSubscriptionExists
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	})
}

func (db *GormDB) GetSubscription(ctx context.Context, userID int64, serviceName string) (*models.Subscription, error) {
	var sub models.Subscription
	err := db.Conn.WithContext(ctx).Where("user_id = ? AND service_name = ?", userID, serviceName).First(&sub).Error
	if err != nil {
		return nil, notFound(err, "failed to get subscription")
	}
	return &sub, nil
}

func (db *GormDB) GetSubscriptionByID(ctx context.Context, id uint64) (*models.Subscription, error) {
	var sub models.Subscription
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err, "failed to get subscription")
	}
	return &sub, nil
}

// ListUserSubscriptions returns the user's non-cancelled subscriptions, nearest due date first.
func (db *GormDB) ListUserSubscriptions(ctx context.Context, userID int64) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := db.Conn.WithContext(ctx).
		Where("user_id = ? AND status <> ?", userID, string(models.StatusCancelled)).
		Order("next_payment_date ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (db *GormDB) CancelSubscription(ctx context.Context, userID int64, serviceName string) error {
	res := db.Conn.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND service_name = ? AND status <> ?", userID, serviceName, string(models.StatusCancelled)).
		Updates(map[string]interface{}{"status": string(models.StatusCancelled), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := db.GetSubscription(ctx, userID, serviceName); err != nil {
			return err
		}
	}
	return nil
}

func (db *GormDB) GetClaim(ctx context.Context, txHash string) (*models.PaymentClaim, error) {
	var claim models.PaymentClaim
	if err := db.Conn.WithContext(ctx).Where("tx_hash = ?", txHash).First(&claim).Error; err != nil {
		return nil, notFound(err, "failed to get payment claim")
	}
	return &claim, nil
}

func (db *GormDB) BeginClaim(ctx context.Context, claim *models.PaymentClaim) (*models.PaymentClaim, bool, error) {
	var stored *models.PaymentClaim
	acquired := false
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		claim.State = models.ClaimVerifying
		claim.Runs = 1
		claim.UpdatedAt = now
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(claim)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			acquired = true
			stored = claim
			return nil
		}

		// a previous run never finished; take it over unless another instance still holds the lease
		res = tx.Model(&models.PaymentClaim{}).
			Where("tx_hash = ? AND state = ?", claim.TxHash, string(models.ClaimVerifying)).
			Where("user_id = ? AND subscription_id = ?", claim.UserID, claim.SubscriptionID).
			Where("(lease_until < ? OR lease_owner = ?)", now.Unix(), claim.LeaseOwner).
			Updates(map[string]interface{}{
				"runs":        gorm.Expr("runs + 1"),
				"lease_owner": claim.LeaseOwner,
				"lease_until": claim.LeaseUntil,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected > 0

		var existing models.PaymentClaim
		if err := tx.Where("tx_hash = ?", claim.TxHash).First(&existing).Error; err != nil {
			return err
		}
		stored = &existing
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin payment claim: %w", err)
	}
	return stored, acquired, nil
}

func (db *GormDB) ReleaseClaim(ctx context.Context, txHash, owner string) error {
	err := db.Conn.WithContext(ctx).Model(&models.PaymentClaim{}).
		Where("tx_hash = ? AND state = ? AND lease_owner = ?", txHash, string(models.ClaimVerifying), owner).
		Updates(map[string]interface{}{"lease_owner": "", "lease_until": 0, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to release payment claim: %w", err)
	}
	return nil
}

func (db *GormDB) ApplyVerdict(ctx context.Context, txHash string, verdict models.Verdict, transition models.Transition) (bool, error) {
	if !verdict.Terminal() {
		return false, fmt.Errorf("cannot apply non-terminal verdict %s", verdict.Kind)
	}
	applied := false
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"state":       string(verdict.ClaimState()),
			"reason":      string(verdict.Reason),
			"verified_at": now,
			"lease_owner": "",
			"lease_until": 0,
			"updated_at":  now,
		}
		if verdict.Kind == models.VerdictConfirmed {
			if verdict.Amount != nil {
				updates["amount"] = verdict.Amount.String()
			}
			updates["sender"] = verdict.Sender
			updates["recipient"] = verdict.Recipient
			updates["block_height"] = verdict.BlockHeight
		}
		res := tx.Model(&models.PaymentClaim{}).
			Where("tx_hash = ? AND state = ?", txHash, string(models.ClaimVerifying)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var claim models.PaymentClaim
		if err := tx.Where("tx_hash = ?", txHash).First(&claim).Error; err != nil {
			return err
		}

		subUpdates := map[string]interface{}{}
		if transition.ToStatus != nil {
			subUpdates["status"] = string(*transition.ToStatus)
		}
		if transition.NextPaymentDate != nil {
			subUpdates["next_payment_date"] = *transition.NextPaymentDate
		}
		if transition.ClearPastDue {
			subUpdates["past_due_flagged_for"] = nil
		}
		if len(subUpdates) > 0 {
			subUpdates["updated_at"] = now
			query := tx.Model(&models.Subscription{}).Where("id = ?", claim.SubscriptionID)
			if len(transition.FromStatuses) > 0 {
				query = query.Where("status IN ?", statusStrings(transition.FromStatuses))
			}
			if err := query.Updates(subUpdates).Error; err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply verdict: %w", err)
	}
	return applied, nil
}

func (db *GormDB) ListUnfinishedClaims(ctx context.Context) ([]*models.PaymentClaim, error) {
	var claims []*models.PaymentClaim
	err := db.Conn.WithContext(ctx).
		Where("state = ?", string(models.ClaimVerifying)).
		Order("submitted_at ASC").
		Find(&claims).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished claims: %w", err)
	}
	return claims, nil
}

func (db *GormDB) ReopenClaim(ctx context.Context, txHash string) (bool, error) {
	res := db.Conn.WithContext(ctx).
		Where("tx_hash = ? AND state = ?", txHash, string(models.ClaimTimedOut)).
		Delete(&models.PaymentClaim{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reopen claim: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := db.GetClaim(ctx, txHash); err != nil {
		return false, err
	}
	return false, models.ErrClaimNotReopenable
}

// ListOverdueSubscriptions returns pending or active subscriptions due before the given time
// whose current period has not been flagged yet.
func (db *GormDB) ListOverdueSubscriptions(ctx context.Context, before time.Time) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := db.Conn.WithContext(ctx).
		Where("status IN ? AND next_payment_date < ?", statusStrings(dueStatuses), before).
		Order("next_payment_date ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue subscriptions: %w", err)
	}
	overdue := subs[:0]
	for _, sub := range subs {
		if sub.PastDueFlaggedFor != nil && sub.PastDueFlaggedFor.Equal(sub.NextPaymentDate) {
			continue
		}
		overdue = append(overdue, sub)
	}
	return overdue, nil
}

// FlagPastDue moves the subscription to PastDue for its current period. It returns false when
// the subscription changed since it was read (paid, cancelled or already flagged).
func (db *GormDB) FlagPastDue(ctx context.Context, sub *models.Subscription) (bool, error) {
	period := sub.NextPaymentDate
	res := db.Conn.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status IN ?", sub.ID, statusStrings(dueStatuses)).
		Where("next_payment_date >= ? AND next_payment_date < ?", period, period.Add(24*time.Hour)).
		Updates(map[string]interface{}{
			"status":               string(models.StatusPastDue),
			"past_due_flagged_for": period,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to flag subscription past due: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *GormDB) ListSubscriptionsDueOn(ctx context.Context, day time.Time) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := db.Conn.WithContext(ctx).
		Where("status IN ? AND next_payment_date >= ? AND next_payment_date < ?", statusStrings(dueStatuses), day, day.Add(24*time.Hour)).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	return subs, nil
}

// RecordReminder stores the reminder marker and reports whether it is new.
func (db *GormDB) RecordReminder(ctx context.Context, subscriptionID uint64, period time.Time, daysBefore int) (bool, error) {
	entry := models.ReminderLog{
		SubscriptionID: subscriptionID,
		Period:         period,
		DaysBefore:     daysBefore,
		CreatedAt:      time.Now().UTC(),
	}
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record reminder: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *GormDB) AddDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	if err := db.Conn.WithContext(ctx).Create(letter).Error; err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

func (db *GormDB) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter
	query := db.Conn.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&letters).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// AcquireLock takes or renews the named lease. It succeeds when the lock is free, expired,
// or already held by instanceID.
func (db *GormDB) AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	lock := models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	res := db.Conn.WithContext(ctx).Model(&models.AppLock{}).
		Where("lock_name = ? AND (expires_at < ? OR instance_id = ?)", name, now.Unix(), instanceID).
		Updates(map[string]interface{}{
			"instance_id": lock.InstanceID,
			"acquired_at": lock.AcquiredAt,
			"expires_at":  lock.ExpiresAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew lock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	res = db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *GormDB) ReleaseLock(ctx context.Context, name, instanceID string) error {
	err := db.Conn.WithContext(ctx).
		Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (db *GormDB) GetLock(ctx context.Context, name string) (*models.AppLock, error) {
	var lock models.AppLock
	if err := db.Conn.WithContext(ctx).Where("lock_name = ?", name).First(&lock).Error; err != nil {
		return nil, notFound(err, "failed to get lock")
	}
	return &lock, nil
}

var dueStatuses = []models.SubscriptionStatus{models.StatusPending, models.StatusActive}

func statusStrings(statuses []models.SubscriptionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
