// Package testutil provides a migrated SQLite database and fixtures for package tests.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"vpnshop/internal/database"
	"vpnshop/internal/models"
)

// NewTestDB opens a fresh file-backed SQLite database with the full schema.
// A single connection keeps write transactions strictly serialized.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// Clock is a settable clock for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now.UTC()
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var telegramSeq int64
var telegramMu sync.Mutex

func CreateUser(t *testing.T, db *gorm.DB, vip bool) *models.User {
	t.Helper()
	telegramMu.Lock()
	telegramSeq++
	tgID := 100000 + telegramSeq
	telegramMu.Unlock()

	u := &models.User{TelegramID: tgID, Username: "user", IsVIP: vip}
	require.NoError(t, db.Create(u).Error)
	return u
}

func CreateTariff(t *testing.T, db *gorm.DB, duration time.Duration, limitMB int64) *models.Tariff {
	t.Helper()
	tariff := &models.Tariff{
		Name:           "Месяц",
		DurationSec:    int64(duration / time.Second),
		PriceRub:       decimal.NewFromInt(199),
		TrafficLimitMB: limitMB,
	}
	require.NoError(t, db.Create(tariff).Error)
	return tariff
}

func CreateServer(t *testing.T, db *gorm.DB, kind, name string) *models.Server {
	t.Helper()
	s := &models.Server{Name: name, Kind: kind, APIURL: "http://" + name + ".invalid", IsActive: true}
	require.NoError(t, db.Create(s).Error)
	return s
}

// PaymentOpts tweaks a fixture payment. Zero values take defaults.
type PaymentOpts struct {
	Status    models.PaymentStatus
	Protocol  string
	KeyType   string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

func CreatePayment(t *testing.T, db *gorm.DB, id string, user *models.User, tariff *models.Tariff, opts PaymentOpts) *models.Payment {
	t.Helper()
	if opts.Status == "" {
		opts.Status = models.PaymentPaid
	}
	if opts.Protocol == "" {
		opts.Protocol = "v2ray"
	}
	if opts.KeyType == "" {
		opts.KeyType = models.KeyTypeSubscription
	}
	if opts.Amount.IsZero() {
		opts.Amount = tariff.PriceRub
	}

	p := &models.Payment{
		ID:       id,
		UserID:   user.ID,
		TariffID: tariff.ID,
		Amount:   opts.Amount,
		Protocol: opts.Protocol,
		Status:   opts.Status,
		Metadata: datatypes.JSONMap{models.MetadataKeyType: opts.KeyType},
	}
	if !opts.CreatedAt.IsZero() {
		p.CreatedAt = opts.CreatedAt
		p.UpdatedAt = opts.CreatedAt
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func ReloadSubscription(t *testing.T, db *gorm.DB, id uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, db.First(&sub, id).Error)
	return &sub
}

func ReloadPayment(t *testing.T, db *gorm.DB, id string) *models.Payment {
	t.Helper()
	var p models.Payment
	require.NoError(t, db.Where("id = ?", id).Take(&p).Error)
	return &p
}
