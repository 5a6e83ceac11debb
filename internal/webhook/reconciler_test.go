package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/seedream-bot/internal/ledger"
	"github.com/digkill/seedream-bot/internal/models"
)

type fakeTasks struct {
	mu      sync.Mutex
	byUUID  map[string]*models.Task
	results []models.TaskStatus
}

func newFakeTasks(tasks ...*models.Task) *fakeTasks {
	f := &fakeTasks{byUUID: make(map[string]*models.Task)}
	for _, t := range tasks {
		f.byUUID[t.TaskUUID] = t
	}
	return f
}

func (f *fakeTasks) FindByUUID(ctx context.Context, uuid string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byUUID[uuid]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTasks) SetResult(ctx context.Context, taskID int64, status models.TaskStatus, creditsUsed int, seed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, status)
	for _, t := range f.byUUID {
		if t.ID == taskID {
			t.Status = status
			t.CreditsUsed = creditsUsed
			t.Seed = seed
		}
	}
	return nil
}

func (f *fakeTasks) MarkDelivered(ctx context.Context, taskID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byUUID {
		if t.ID == taskID {
			if t.Delivered {
				return false, nil
			}
			t.Delivered = true
			return true, nil
		}
	}
	return false, nil
}

type fakeUserStore struct {
	mu   sync.Mutex
	user *models.User
}

func (f *fakeUserStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil || f.user.ID != id {
		return nil, nil
	}
	cp := *f.user
	return &cp, nil
}

func (f *fakeUserStore) DebitCredits(ctx context.Context, userID int64, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user.BalanceCredits -= amount
	if f.user.BalanceCredits < 0 {
		f.user.BalanceCredits = 0
	}
	return nil
}

func (f *fakeUserStore) AddCredits(ctx context.Context, userID int64, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user.BalanceCredits += amount
	return nil
}

func (f *fakeUserStore) balance() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user.BalanceCredits
}

type fakeFlow struct {
	mu        sync.Mutex
	completed []string
	failures  []string
}

func (f *fakeFlow) CompleteGeneration(ctx context.Context, chatID int64, seed string, resultURLs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, seed)
	return nil
}

func (f *fakeFlow) FailGeneration(ctx context.Context, chatID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, reason)
	return nil
}

type fakeSender struct {
	mu        sync.Mutex
	photos    int
	documents int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch c.(type) {
	case tgbotapi.PhotoConfig:
		f.photos++
	case tgbotapi.DocumentConfig:
		f.documents++
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (f *fakeSender) photoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photos
}

func (f *fakeSender) documentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.documents
}

type fakeDownloader struct {
	failAll  bool
	failURLs map[string]bool
}

func (f *fakeDownloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.failAll || f.failURLs[url] {
		return nil, fmt.Errorf("download failed")
	}
	return []byte("image-data"), nil
}

type reconcilerFixture struct {
	reconciler *Reconciler
	tasks      *fakeTasks
	users      *fakeUserStore
	flow       *fakeFlow
	sender     *fakeSender
	downloader *fakeDownloader
	ledger     *ledger.Ledger
	redis      *miniredis.Miniredis
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	log := slog.New(slog.NewTextHandler(nullWriter{}, nil))

	f := &reconcilerFixture{
		tasks: newFakeTasks(&models.Task{
			ID:       1,
			UserID:   10,
			TaskUUID: "task-1",
			Prompt:   "a cat",
			Status:   models.TaskStatusQueued,
		}),
		users:      &fakeUserStore{user: &models.User{ID: 10, ChatID: 100, BalanceCredits: 5, MaxImages: 1}},
		flow:       &fakeFlow{},
		sender:     &fakeSender{},
		downloader: &fakeDownloader{},
		ledger:     ledger.New(client, log),
		redis:      mr,
	}
	f.reconciler = NewReconciler(f.tasks, f.users, f.ledger, f.flow, f.sender, f.downloader, log, nil)
	return f
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func successEvent(urls ...string) Event {
	return Event{TaskID: "task-1", State: "success", ResultURLs: urls, Seed: "777"}
}

func TestReconcileSuccessDebitsAndDelivers(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	if err := f.reconciler.Process(ctx, successEvent("https://r/1.png")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := f.users.balance(); got != 4 {
		t.Fatalf("balance = %d, want 4", got)
	}
	if f.sender.photoCount() != 1 {
		t.Fatalf("photos sent = %d, want 1", f.sender.photoCount())
	}
	if f.sender.documentCount() != 1 {
		t.Fatalf("documents sent = %d, want 1", f.sender.documentCount())
	}
	if len(f.flow.completed) != 1 || f.flow.completed[0] != "777" {
		t.Fatalf("complete calls = %v", f.flow.completed)
	}
	task := f.tasks.byUUID["task-1"]
	if !task.Delivered || task.Status != models.TaskStatusCompleted || task.CreditsUsed != 1 {
		t.Fatalf("task after reconcile = %+v", task)
	}
}

func TestReconcileReplayIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	ev := successEvent("https://r/1.png")

	for i := 0; i < 3; i++ {
		if err := f.reconciler.Process(ctx, ev); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}

	if got := f.users.balance(); got != 4 {
		t.Fatalf("balance after replays = %d, want 4", got)
	}
	if f.sender.photoCount() != 1 {
		t.Fatalf("photos sent = %d, want exactly 1", f.sender.photoCount())
	}
	if len(f.flow.completed) != 1 {
		t.Fatalf("complete calls = %d, want 1", len(f.flow.completed))
	}
}

func TestReconcileDebitMatchesResultCount(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	ev := successEvent("https://r/1.png", "https://r/2.png", "https://r/3.png")
	if err := f.reconciler.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.users.balance(); got != 2 {
		t.Fatalf("balance = %d, want 2", got)
	}
	if f.sender.photoCount() != 3 {
		t.Fatalf("photos sent = %d, want 3", f.sender.photoCount())
	}
}

func TestReconcileBalanceFloorsAtZero(t *testing.T) {
	f := newReconcilerFixture(t)
	f.users.user.BalanceCredits = 1

	ev := successEvent("https://r/1.png", "https://r/2.png", "https://r/3.png")
	if err := f.reconciler.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.users.balance(); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestReconcileHeldLockSkipsProcessing(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	if ok, err := f.ledger.AcquireLock(ctx, "task-1"); err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}

	if err := f.reconciler.Process(ctx, successEvent("https://r/1.png")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.users.balance(); got != 5 {
		t.Fatalf("balance = %d, want untouched 5", got)
	}
	if f.sender.photoCount() != 0 {
		t.Fatal("delivery happened despite held lock")
	}
}

func TestReconcileDeliveredFlagSurvivesLockExpiry(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	if err := f.reconciler.Process(ctx, successEvent("https://r/1.png")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Lock TTL and debit marker both expire; the delivered flag on the task
	// row must still stop the replay.
	f.redis.FastForward(ledger.DebitedTTL * 2)

	if err := f.reconciler.Process(ctx, successEvent("https://r/1.png")); err != nil {
		t.Fatalf("replay after expiry: %v", err)
	}
	if got := f.users.balance(); got != 4 {
		t.Fatalf("balance = %d, want 4", got)
	}
	if f.sender.photoCount() != 1 {
		t.Fatalf("photos sent = %d, want 1", f.sender.photoCount())
	}
}

func TestReconcileUnknownTaskIgnored(t *testing.T) {
	f := newReconcilerFixture(t)

	ev := Event{TaskID: "task-nobody", State: "success", ResultURLs: []string{"https://r/1.png"}}
	if err := f.reconciler.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.users.balance(); got != 5 {
		t.Fatalf("balance = %d, want 5", got)
	}
}

func TestReconcileFailedStateNoDebit(t *testing.T) {
	f := newReconcilerFixture(t)

	ev := Event{TaskID: "task-1", State: "fail", FailMsg: "NSFW content"}
	if err := f.reconciler.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := f.users.balance(); got != 5 {
		t.Fatalf("balance = %d, want 5 (no debit on failure)", got)
	}
	if len(f.flow.failures) != 1 || !strings.Contains(f.flow.failures[0], "NSFW content") {
		t.Fatalf("failure reasons = %v", f.flow.failures)
	}
	task := f.tasks.byUUID["task-1"]
	if !task.Delivered || task.Status != models.TaskStatusFailed {
		t.Fatalf("task after failure = %+v", task)
	}
}

func TestReconcileUnknownStateFailsClosed(t *testing.T) {
	f := newReconcilerFixture(t)

	ev := Event{TaskID: "task-1", State: "definitely-new-state", ResultURLs: []string{"https://r/1.png"}}
	if err := f.reconciler.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.users.balance(); got != 5 {
		t.Fatalf("balance = %d, want 5", got)
	}
	if f.tasks.byUUID["task-1"].Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", f.tasks.byUUID["task-1"].Status)
	}
}

func TestReconcileEmptyResultsIsFailure(t *testing.T) {
	f := newReconcilerFixture(t)

	if err := f.reconciler.Process(context.Background(), successEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.users.balance(); got != 5 {
		t.Fatalf("balance = %d, want 5", got)
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
	if !f.tasks.byUUID["task-1"].Delivered {
		t.Fatal("task not closed after empty results")
	}
}

func TestReconcileTotalDownloadFailureRefunds(t *testing.T) {
	f := newReconcilerFixture(t)
	f.downloader.failAll = true
	ctx := context.Background()

	ev := successEvent("https://r/1.png", "https://r/2.png")
	if err := f.reconciler.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := f.users.balance(); got != 5 {
		t.Fatalf("balance = %d, want 5 after refund", got)
	}
	debited, err := f.ledger.IsDebited(ctx, "task-1")
	if err != nil {
		t.Fatalf("is debited: %v", err)
	}
	if debited {
		t.Fatal("debit marker kept after refund")
	}
	if f.sender.photoCount() != 0 {
		t.Fatal("photos sent despite total download failure")
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
}

func TestReconcilePartialDownloadDeliversRest(t *testing.T) {
	f := newReconcilerFixture(t)
	f.downloader.failURLs = map[string]bool{"https://r/2.png": true}

	ev := successEvent("https://r/1.png", "https://r/2.png", "https://r/3.png")
	if err := f.reconciler.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if f.sender.photoCount() != 2 {
		t.Fatalf("photos sent = %d, want 2", f.sender.photoCount())
	}
	// Debit follows the provider's result count, not the download outcome.
	if got := f.users.balance(); got != 2 {
		t.Fatalf("balance = %d, want 2", got)
	}
	if len(f.flow.completed) != 1 {
		t.Fatalf("complete calls = %d, want 1", len(f.flow.completed))
	}
}

func TestNormalizeState(t *testing.T) {
	completed := []string{"success", "SUCCESS", "completed", " complete "}
	for _, s := range completed {
		if normalizeState(s) != models.TaskStatusCompleted {
			t.Errorf("normalizeState(%q) != completed", s)
		}
	}
	failed := []string{"fail", "failed", "error", "", "queueing", "whatever"}
	for _, s := range failed {
		if normalizeState(s) != models.TaskStatusFailed {
			t.Errorf("normalizeState(%q) != failed", s)
		}
	}
}
