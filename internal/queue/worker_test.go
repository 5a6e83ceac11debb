package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/seedream-bot/internal/ledger"
	"github.com/digkill/seedream-bot/internal/models"
	"github.com/digkill/seedream-bot/internal/seedream"
)

type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("image-bytes-" + fileID), nil
}

type fakeRefStore struct {
	uploads int
}

func (f *fakeRefStore) UploadReference(ctx context.Context, data []byte) (string, error) {
	f.uploads++
	return fmt.Sprintf("https://cdn.example/ref-%d.png", f.uploads), nil
}

type fakeCreator struct {
	editReqs []seedream.EditRequest
	t2iReqs  []seedream.TextToImageRequest
	err      error
	taskID   string
}

func (f *fakeCreator) CreateEdit(ctx context.Context, req seedream.EditRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.editReqs = append(f.editReqs, req)
	return f.taskID, nil
}

func (f *fakeCreator) CreateTextToImage(ctx context.Context, req seedream.TextToImageRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.t2iReqs = append(f.t2iReqs, req)
	return f.taskID, nil
}

type fakeTaskStore struct {
	tasks []*models.Task
	err   error
}

func (f *fakeTaskStore) Create(ctx context.Context, task *models.Task) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeBalances struct {
	mu      sync.Mutex
	users   map[int64]*models.User
	credits map[int64]int
}

func (f *fakeBalances) FindByID(ctx context.Context, userID int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeBalances) AddCredits(ctx context.Context, userID int64, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credits == nil {
		f.credits = make(map[int64]int)
	}
	f.credits[userID] += amount
	return nil
}

type fakeFlow struct {
	failures []string
}

func (f *fakeFlow) FailGeneration(ctx context.Context, chatID int64, reason string) error {
	f.failures = append(f.failures, reason)
	return nil
}

type workerFixture struct {
	worker   *Worker
	fetcher  *fakeFetcher
	refs     *fakeRefStore
	creator  *fakeCreator
	tasks    *fakeTaskStore
	balances *fakeBalances
	flow     *fakeFlow
	ledger   *ledger.Ledger
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	log := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	f := &workerFixture{
		fetcher:  &fakeFetcher{},
		refs:     &fakeRefStore{},
		creator:  &fakeCreator{taskID: "task-abc"},
		tasks:    &fakeTaskStore{},
		balances: &fakeBalances{users: map[int64]*models.User{1: {ID: 1, ChatID: 100, BalanceCredits: 5, MaxImages: 2}}},
		flow:     &fakeFlow{},
		ledger:   ledger.New(client, log),
	}
	f.worker = NewWorker(
		WorkerConfig{CallbackURL: "https://bot.example/webhook/seedream?t=s3cret", CreditsPerImage: 1},
		f.fetcher, f.refs, f.creator, f.tasks, f.balances, f.ledger, f.flow, log, nil,
	)
	return f
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func jobTask(t *testing.T, job GenerationJob) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return asynq.NewTask(TypeGenerationProcess, payload)
}

func TestHandleGenerationEditFlow(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := GenerationJob{
		ChatID:           100,
		UserID:           1,
		Mode:             "edit",
		Prompt:           "make it night",
		ReferenceFileIDs: []string{"file-1", "file-2"},
		AspectRatio:      "9:16",
		Resolution:       "1K",
		MaxImages:        2,
	}
	if err := f.worker.HandleGeneration(ctx, jobTask(t, job)); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}

	if len(f.creator.editReqs) != 1 {
		t.Fatalf("edit requests = %d, want 1", len(f.creator.editReqs))
	}
	req := f.creator.editReqs[0]
	if len(req.ImageURLs) != 2 {
		t.Fatalf("image urls = %v", req.ImageURLs)
	}
	if req.CallbackURL == "" {
		t.Fatal("callback url not set")
	}
	if len(f.tasks.tasks) != 1 {
		t.Fatalf("persisted tasks = %d", len(f.tasks.tasks))
	}
	rec := f.tasks.tasks[0]
	if rec.TaskUUID != "task-abc" || rec.Status != models.TaskStatusQueued || rec.UserID != 1 {
		t.Fatalf("task record = %+v", rec)
	}
	if len(f.flow.failures) != 0 {
		t.Fatalf("unexpected failure notifications: %v", f.flow.failures)
	}
}

func TestHandleGenerationTextToImage(t *testing.T) {
	f := newWorkerFixture(t)

	job := GenerationJob{ChatID: 100, UserID: 1, Mode: "create", Prompt: "a cat", AspectRatio: "1:1", MaxImages: 1}
	if err := f.worker.HandleGeneration(context.Background(), jobTask(t, job)); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}

	if len(f.creator.t2iReqs) != 1 || len(f.creator.editReqs) != 0 {
		t.Fatalf("t2i=%d edit=%d", len(f.creator.t2iReqs), len(f.creator.editReqs))
	}
	if f.refs.uploads != 0 {
		t.Fatalf("uploads = %d, want 0", f.refs.uploads)
	}
}

func TestHandleGenerationReferenceFailureIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)
	f.fetcher.err = fmt.Errorf("telegram file gone")

	job := GenerationJob{ChatID: 100, UserID: 1, Mode: "edit", Prompt: "x y z", ReferenceFileIDs: []string{"file-1"}, MaxImages: 1}
	if err := f.worker.HandleGeneration(context.Background(), jobTask(t, job)); err != nil {
		t.Fatalf("terminal failure must not requeue, got %v", err)
	}

	if len(f.creator.editReqs)+len(f.creator.t2iReqs) != 0 {
		t.Fatal("remote task created despite unreachable reference")
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
}

func TestHandleGenerationProviderErrorIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)
	f.creator.err = &seedream.Error{Kind: seedream.KindValidation, Message: "bad prompt"}

	job := GenerationJob{ChatID: 100, UserID: 1, Mode: "create", Prompt: "a cat", MaxImages: 1}
	if err := f.worker.HandleGeneration(context.Background(), jobTask(t, job)); err != nil {
		t.Fatalf("terminal failure must not requeue, got %v", err)
	}
	if len(f.tasks.tasks) != 0 {
		t.Fatal("task persisted despite provider rejection")
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
}

func TestHandleGenerationRefundsOnPersistFailureWithDebit(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.tasks.err = fmt.Errorf("mysql down")

	// A prior crashed attempt already debited this task id.
	if _, err := f.ledger.MarkDebited(ctx, "task-abc"); err != nil {
		t.Fatalf("mark debited: %v", err)
	}

	job := GenerationJob{ChatID: 100, UserID: 1, Mode: "create", Prompt: "a cat", MaxImages: 2}
	if err := f.worker.HandleGeneration(ctx, jobTask(t, job)); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}

	if got := f.balances.credits[1]; got != 2 {
		t.Fatalf("refunded = %d, want 2", got)
	}
	debited, err := f.ledger.IsDebited(ctx, "task-abc")
	if err != nil {
		t.Fatalf("is debited: %v", err)
	}
	if debited {
		t.Fatal("debit marker not cleared after refund")
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
}

func TestHandleGenerationNoRefundWithoutDebitMarker(t *testing.T) {
	f := newWorkerFixture(t)
	f.tasks.err = fmt.Errorf("mysql down")

	job := GenerationJob{ChatID: 100, UserID: 1, Mode: "create", Prompt: "a cat", MaxImages: 2}
	if err := f.worker.HandleGeneration(context.Background(), jobTask(t, job)); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}
	if got := f.balances.credits[1]; got != 0 {
		t.Fatalf("refunded = %d, want 0", got)
	}
}

func TestHandleGenerationUnknownUserIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)

	job := GenerationJob{ChatID: 100, UserID: 42, Mode: "create", Prompt: "a cat", MaxImages: 1}
	if err := f.worker.HandleGeneration(context.Background(), jobTask(t, job)); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}
	if len(f.creator.t2iReqs) != 0 {
		t.Fatal("remote task created for unknown user")
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
}

func TestHandleGenerationInsufficientBalanceIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)
	f.balances.users[1].BalanceCredits = 1

	job := GenerationJob{ChatID: 100, UserID: 1, Mode: "create", Prompt: "a cat", MaxImages: 2}
	if err := f.worker.HandleGeneration(context.Background(), jobTask(t, job)); err != nil {
		t.Fatalf("HandleGeneration: %v", err)
	}
	if len(f.creator.t2iReqs) != 0 {
		t.Fatal("remote task created without funds")
	}
	if len(f.flow.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.flow.failures))
	}
}
