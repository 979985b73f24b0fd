package notificator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/pkg/logger"
)

func newTestDB(t *testing.T) *repository.GormDB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repository.NewSQLiteDB(dsn, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// flakyMessenger fails the first failures calls.
type flakyMessenger struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []string
}

func (m *flakyMessenger) SendMessage(_ context.Context, userID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return errors.New("telegram unavailable")
	}
	m.sent = append(m.sent, fmt.Sprintf("%d:%s", userID, text))
	return nil
}

func (m *flakyMessenger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *recordingAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}

func testSettings() Settings {
	return Settings{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    time.Second,
		Workers:        2,
		QueueSize:      16,
	}
}

func deadLetters(t *testing.T, db models.Repository) []*models.DeadLetter {
	t.Helper()
	letters, err := db.ListDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	return letters
}

func TestNotifyRetriesUntilDelivered(t *testing.T) {
	db := newTestDB(t)
	messenger := &flakyMessenger{failures: 2}
	n := NewNotificator(logger.NewNopLogger(), db, messenger, nil, testSettings())
	n.Start()
	defer n.Stop()

	n.Notify(42, models.NotifyActivated, "hello")

	require.Eventually(t, func() bool { return messenger.Calls() == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, deadLetters(t, db))
	assert.Equal(t, []string{"42:hello"}, messenger.sent)
}

func TestNotifyDeadLettersAfterMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	messenger := &flakyMessenger{failures: 100}
	alerter := &recordingAlerter{}
	n := NewNotificator(logger.NewNopLogger(), db, messenger, alerter, testSettings())
	n.Start()
	defer n.Stop()

	n.Notify(42, models.NotifyRejected, "rejected")

	require.Eventually(t, func() bool { return alerter.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, messenger.Calls())

	letters := deadLetters(t, db)
	require.Len(t, letters, 1)
	assert.Equal(t, int64(42), letters[0].UserID)
	assert.Equal(t, models.NotifyRejected, letters[0].Kind)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "telegram unavailable")
}

func TestNotifyQueueOverflowDeadLetters(t *testing.T) {
	db := newTestDB(t)
	settings := testSettings()
	settings.QueueSize = 1
	n := NewNotificator(logger.NewNopLogger(), db, &flakyMessenger{}, nil, settings)

	// not started, so the first job stays queued
	n.Notify(1, models.NotifyReminder, "first")
	n.Notify(2, models.NotifyReminder, "second")

	letters := deadLetters(t, db)
	require.Len(t, letters, 1)
	assert.Equal(t, int64(2), letters[0].UserID)
	assert.Equal(t, "queue full", letters[0].LastError)
}

func TestStopDeadLettersQueuedJobs(t *testing.T) {
	db := newTestDB(t)
	messenger := &flakyMessenger{}
	n := NewNotificator(logger.NewNopLogger(), db, messenger, nil, testSettings())

	n.Notify(1, models.NotifyPastDue, "a")
	n.Notify(2, models.NotifyPastDue, "b")
	n.Stop()
	n.Notify(3, models.NotifyPastDue, "c")

	assert.Len(t, deadLetters(t, db), 3)
	assert.Zero(t, messenger.Calls())
}

func TestEmailAlert(t *testing.T) {
	e := NewEmailNotificator(logger.NewNopLogger(), "smtp.example.com", 587, "user", "pass", "bot@example.com", "ops@example.com")
	var gotAddr, gotMsg string
	var gotTo []string
	e.send = func(_ context.Context, addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}
	ctx := context.Background()
	require.NoError(t, e.Alert(ctx, "Undelivered\r\nBcc: x", "body"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Undelivered Bcc: x\r\n")

	e.send = func(context.Context, string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.Error(t, e.Alert(ctx, "s", "b"))
}

// silentSMTP accepts connections and never sends the greeting.
func silentSMTP(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestEmailAlertHonoursDeadline(t *testing.T) {
	host, port := silentSMTP(t)
	e := NewEmailNotificator(logger.NewNopLogger(), host, port, "user", "pass", "bot@example.com", "ops@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, e.Alert(ctx, "s", "b"))
	assert.Less(t, time.Since(start), time.Second)
}

// stuckMessenger holds every delivery until its context expires.
type stuckMessenger struct {
	mu    sync.Mutex
	calls int
}

func (m *stuckMessenger) SendMessage(ctx context.Context, _ int64, _ string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (m *stuckMessenger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestNotifyOverflowWithUnresponsiveMailServer(t *testing.T) {
	db := newTestDB(t)
	host, port := silentSMTP(t)
	alerter := NewEmailNotificator(logger.NewNopLogger(), host, port, "user", "pass", "bot@example.com", "ops@example.com")
	messenger := &stuckMessenger{}
	n := NewNotificator(logger.NewNopLogger(), db, messenger, alerter, Settings{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		CallTimeout:    200 * time.Millisecond,
		Workers:        1,
		QueueSize:      1,
	})
	n.Start()

	n.Notify(1, models.NotifyReminder, "first")
	require.Eventually(t, func() bool { return messenger.Calls() == 1 }, time.Second, 5*time.Millisecond)
	n.Notify(2, models.NotifyReminder, "second")

	for i := int64(3); i <= 5; i++ {
		start := time.Now()
		n.Notify(i, models.NotifyReminder, "overflow")
		assert.Less(t, time.Since(start), 500*time.Millisecond, "notify %d blocked", i)
	}

	stopped := make(chan struct{})
	go func() {
		n.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Len(t, deadLetters(t, db), 5)
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "ar", NormalizeLocale("ar-SA"))
	assert.Equal(t, "en", NormalizeLocale("fr"))
	assert.Equal(t, "en", NormalizeLocale(""))

	text := Text(LocaleEnglish, MsgActivated, map[string]string{"service": "<Netflix>", "date": "2025-04-01"})
	assert.Contains(t, text, "&lt;Netflix&gt;")
	assert.Contains(t, text, "2025-04-01")

	reminder := ReminderText(LocaleArabic, 3, map[string]string{"service": "Spotify", "cost": "1", "currency": "ETH", "date": "2025-03-04"})
	assert.Contains(t, reminder, "قريباً")
	assert.NotContains(t, reminder, "{")

	other := ReminderText(LocaleEnglish, 5, nil)
	assert.Contains(t, other, "In 5 days")
}

func TestTelegramCommands(t *testing.T) {
	db := newTestDB(t)
	tn := &TelegramNotificator{logger: logger.NewNopLogger(), db: db}
	ctx := context.Background()

	reply, withWebApp := tn.handleCommand(ctx, 7, "ar-EG", "/start")
	assert.True(t, withWebApp)
	assert.True(t, strings.HasPrefix(reply, "👋"))
	assert.Contains(t, reply, "مرحباً")

	reply, _ = tn.handleCommand(ctx, 7, "ar", "/language en")
	assert.Contains(t, reply, "English")
	locale, err := db.GetUserLocale(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "en", locale)

	reply, _ = tn.handleCommand(ctx, 7, "", "/language xx")
	assert.Contains(t, reply, "/language en")

	reply, _ = tn.handleCommand(ctx, 7, "", "hello")
	assert.Empty(t, reply)
}

func TestDrainWaitsForDelivery(t *testing.T) {
	db := newTestDB(t)
	messenger := &flakyMessenger{}
	n := NewNotificator(logger.NewNopLogger(), db, messenger, nil, testSettings())
	n.Start()
	defer n.Stop()

	for i := int64(1); i <= 3; i++ {
		n.Notify(i, models.NotifyReminder, "soon")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Drain(ctx))
	assert.Equal(t, 3, messenger.Calls())
}

func TestLogMessenger(t *testing.T) {
	m := NewLogMessenger(logger.NewNopLogger())
	assert.NoError(t, m.SendMessage(context.Background(), 1, "hello"))
}
