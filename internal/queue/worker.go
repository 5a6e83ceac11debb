package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/digkill/seedream-bot/internal/ledger"
	"github.com/digkill/seedream-bot/internal/metrics"
	"github.com/digkill/seedream-bot/internal/models"
	"github.com/digkill/seedream-bot/internal/seedream"
)

const pendingTTL = time.Hour

// FileFetcher pulls a Telegram-hosted file by its file id.
type FileFetcher interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// ReferenceStore publishes an image so the provider can fetch it.
type ReferenceStore interface {
	UploadReference(ctx context.Context, data []byte) (string, error)
}

// TaskCreator submits generation tasks to the provider.
type TaskCreator interface {
	CreateEdit(ctx context.Context, req seedream.EditRequest) (string, error)
	CreateTextToImage(ctx context.Context, req seedream.TextToImageRequest) (string, error)
}

// TaskStore persists accepted task records.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
}

// BalanceStore reads and refunds user balances.
type BalanceStore interface {
	FindByID(ctx context.Context, userID int64) (*models.User, error)
	AddCredits(ctx context.Context, userID int64, amount int) error
}

// FlowNotifier drives the conversation out of the generating state on worker
// failures.
type FlowNotifier interface {
	FailGeneration(ctx context.Context, chatID int64, reason string) error
}

type WorkerConfig struct {
	CallbackURL     string
	CreditsPerImage int
}

// Worker consumes generation jobs: it resolves reference images into public
// URLs, creates the remote task and records it. The queue redelivers on
// crash, so everything user-visible past this point is deduplicated by the
// webhook reconciler, not here.
type Worker struct {
	cfg      WorkerConfig
	files    FileFetcher
	refs     ReferenceStore
	creator  TaskCreator
	tasks    TaskStore
	balances BalanceStore
	ledger   *ledger.Ledger
	flow     FlowNotifier
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewWorker(cfg WorkerConfig, files FileFetcher, refs ReferenceStore, creator TaskCreator, tasks TaskStore, balances BalanceStore, led *ledger.Ledger, flow FlowNotifier, log *slog.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:      cfg,
		files:    files,
		refs:     refs,
		creator:  creator,
		tasks:    tasks,
		balances: balances,
		ledger:   led,
		flow:     flow,
		log:      log.With("component", "worker"),
		metrics:  m,
	}
}

// Register attaches the worker to an asynq mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeGenerationProcess, w.HandleGeneration)
}

// HandleGeneration processes one job. It returns nil on every handled
// outcome, including terminal failures already reported to the user; a
// non-nil return would make asynq redeliver and risk a duplicate remote task.
func (w *Worker) HandleGeneration(ctx context.Context, t *asynq.Task) error {
	var job GenerationJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		w.log.Error("malformed job payload", "error", err)
		w.countJob("malformed")
		return nil
	}
	log := w.log.With("chat_id", job.ChatID, "user_id", job.UserID)

	user, err := w.balances.FindByID(ctx, job.UserID)
	if err != nil {
		log.Error("load user", "error", err)
		w.countJob("user_lookup_failed")
		w.notifyFailure(ctx, job.ChatID, "внутренняя ошибка")
		return nil
	}
	if user == nil {
		w.countJob("unknown_user")
		w.notifyFailure(ctx, job.ChatID, "аккаунт не найден, начните с /start")
		return nil
	}
	if required := job.MaxImages * w.cfg.CreditsPerImage; user.BalanceCredits < required {
		// The balance could have been spent between enqueue and pickup.
		w.countJob("insufficient_balance")
		w.notifyFailure(ctx, job.ChatID, fmt.Sprintf("недостаточно кредитов: нужно %d, на балансе %d", required, user.BalanceCredits))
		return nil
	}

	referenceURLs, err := w.resolveReferences(ctx, job)
	if err != nil {
		log.Error("resolve references", "error", err)
		w.countJob("reference_failed")
		w.notifyFailure(ctx, job.ChatID, "не удалось загрузить исходные фото")
		return nil
	}

	taskID, err := w.createRemoteTask(ctx, job, referenceURLs)
	if err != nil {
		log.Error("create remote task", "error", err)
		w.countJob("create_failed")
		w.notifyFailure(ctx, job.ChatID, userFacingReason(err))
		return nil
	}
	log = log.With("task_id", taskID)

	record := &models.Task{
		UserID:   job.UserID,
		TaskUUID: taskID,
		Prompt:   job.Prompt,
		Status:   models.TaskStatusQueued,
	}
	if err := w.tasks.Create(ctx, record); err != nil {
		// The webhook will find no record for this task and ignore it, so
		// the request is lost; report it and undo any stray debit marker.
		log.Error("persist task record", "error", err)
		w.countJob("persist_failed")
		w.refundIfDebited(ctx, taskID, job.UserID, job.MaxImages)
		w.notifyFailure(ctx, job.ChatID, "внутренняя ошибка")
		return nil
	}

	if err := w.ledger.SetPending(ctx, taskID, pendingTTL); err != nil {
		log.Warn("set pending marker", "error", err)
	}

	log.Info("remote task created", "mode", job.Mode, "references", len(referenceURLs))
	w.countJob("submitted")
	return nil
}

func (w *Worker) resolveReferences(ctx context.Context, job GenerationJob) ([]string, error) {
	urls := append([]string(nil), job.ReferenceURLs...)
	for _, fileID := range job.ReferenceFileIDs {
		data, err := w.files.DownloadFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", fileID, err)
		}
		url, err := w.refs.UploadReference(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", fileID, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (w *Worker) createRemoteTask(ctx context.Context, job GenerationJob, referenceURLs []string) (string, error) {
	if len(referenceURLs) > 0 {
		return w.creator.CreateEdit(ctx, seedream.EditRequest{
			Prompt:      job.Prompt,
			ImageURLs:   referenceURLs,
			AspectRatio: job.AspectRatio,
			Resolution:  job.Resolution,
			MaxImages:   job.MaxImages,
			Seed:        job.Seed,
			CallbackURL: w.cfg.CallbackURL,
		})
	}
	return w.creator.CreateTextToImage(ctx, seedream.TextToImageRequest{
		Prompt:      job.Prompt,
		AspectRatio: job.AspectRatio,
		Resolution:  job.Resolution,
		MaxImages:   job.MaxImages,
		Seed:        job.Seed,
		CallbackURL: w.cfg.CallbackURL,
	})
}

// refundIfDebited restores credits only when a debit marker exists for a task
// that can no longer be delivered.
func (w *Worker) refundIfDebited(ctx context.Context, taskID string, userID int64, amount int) {
	debited, err := w.ledger.IsDebited(ctx, taskID)
	if err != nil || !debited {
		return
	}
	if err := w.balances.AddCredits(ctx, userID, amount); err != nil {
		w.log.Error("refund after failed persist", "task_id", taskID, "error", err)
		return
	}
	if err := w.ledger.ClearDebited(ctx, taskID); err != nil {
		w.log.Warn("clear debit marker after refund", "task_id", taskID, "error", err)
	}
	if w.metrics != nil {
		w.metrics.CreditsRefunded.Add(float64(amount))
	}
}

func (w *Worker) notifyFailure(ctx context.Context, chatID int64, reason string) {
	if err := w.flow.FailGeneration(ctx, chatID, reason); err != nil {
		w.log.Error("notify failure", "chat_id", chatID, "error", err)
	}
}

func (w *Worker) countJob(outcome string) {
	if w.metrics != nil {
		w.metrics.QueueJobs.WithLabelValues(outcome).Inc()
	}
}

func userFacingReason(err error) string {
	var seErr *seedream.Error
	if !errors.As(err, &seErr) {
		return "сервис генерации недоступен"
	}
	switch seErr.Kind {
	case seedream.KindValidation:
		return "запрос отклонён сервисом генерации"
	case seedream.KindRateLimited:
		return "сервис перегружен, попробуйте через минуту"
	case seedream.KindUnauthorized, seedream.KindInsufficientFunds, seedream.KindModelNotFound:
		return "сервис генерации временно недоступен"
	default:
		return "сервис генерации недоступен"
	}
}
