package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/seedream-bot/internal/ledger"
	"github.com/digkill/seedream-bot/internal/metrics"
	"github.com/digkill/seedream-bot/internal/models"
)

// Event is one provider callback, already authenticated and parsed.
type Event struct {
	TaskID     string
	State      string
	ResultURLs []string
	Seed       string
	FailCode   string
	FailMsg    string
}

// TaskDirectory is the durable task record side of reconciliation.
type TaskDirectory interface {
	FindByUUID(ctx context.Context, taskUUID string) (*models.Task, error)
	SetResult(ctx context.Context, taskID int64, status models.TaskStatus, creditsUsed int, seed string) error
	MarkDelivered(ctx context.Context, taskID int64) (bool, error)
}

// UserStore resolves task owners and moves credits.
type UserStore interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	DebitCredits(ctx context.Context, userID int64, amount int) error
	AddCredits(ctx context.Context, userID int64, amount int) error
}

// Flow drives the conversation out of the generating state.
type Flow interface {
	CompleteGeneration(ctx context.Context, chatID int64, seed string, resultURLs []string) error
	FailGeneration(ctx context.Context, chatID int64, reason string) error
}

// Messenger delivers result images to the chat.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Reconciler turns provider callbacks into at-most-once debit and delivery.
// A short redis lock serializes concurrent deliveries of the same task; the
// delivered flag on the task row is the durable idempotence boundary that
// survives lock expiry; the 24h debit marker dedupes the balance decrement
// independently of both.
type Reconciler struct {
	tasks      TaskDirectory
	users      UserStore
	ledger     *ledger.Ledger
	flow       Flow
	sender     Messenger
	downloader Downloader
	log        *slog.Logger
	metrics    *metrics.Metrics
}

func NewReconciler(tasks TaskDirectory, users UserStore, led *ledger.Ledger, flow Flow, sender Messenger, downloader Downloader, log *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		tasks:      tasks,
		users:      users,
		ledger:     led,
		flow:       flow,
		sender:     sender,
		downloader: downloader,
		log:        log.With("component", "reconciler"),
		metrics:    m,
	}
}

// Process handles one callback. Every return is a handled outcome; the HTTP
// layer answers 200 regardless, since the provider retries on non-2xx and a
// retry of a handled event must stay a no-op.
func (r *Reconciler) Process(ctx context.Context, ev Event) error {
	log := r.log.With("task_id", ev.TaskID)

	r.ledger.ClearPending(ctx, ev.TaskID)

	locked, err := r.ledger.AcquireLock(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		log.Info("task lock held, concurrent delivery in flight")
		r.countEvent("locked")
		return nil
	}
	defer r.ledger.ReleaseLock(ctx, ev.TaskID)

	task, err := r.tasks.FindByUUID(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		log.Warn("callback for unknown task")
		r.countEvent("unknown")
		return nil
	}
	if task.Delivered {
		log.Info("task already delivered, ignoring replay")
		r.countEvent("duplicate")
		return nil
	}

	user, err := r.users.FindByID(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		log.Error("task owner missing", "user_id", task.UserID)
		r.countEvent("orphan")
		return nil
	}

	if normalizeState(ev.State) == models.TaskStatusCompleted {
		return r.reconcileCompleted(ctx, log, task, user, ev)
	}
	return r.reconcileFailed(ctx, log, task, user, ev)
}

func (r *Reconciler) reconcileCompleted(ctx context.Context, log *slog.Logger, task *models.Task, user *models.User, ev Event) error {
	if len(ev.ResultURLs) == 0 {
		log.Warn("completed callback with no results")
		return r.finishFailed(ctx, log, task, user, "пустой результат генерации")
	}

	// Mark first, debit second: a replay after a crash between the two loses
	// at most one debit instead of charging the user twice.
	creditsUsed := len(ev.ResultURLs)
	won, err := r.ledger.MarkDebited(ctx, task.TaskUUID)
	if err != nil {
		return fmt.Errorf("mark debited: %w", err)
	}
	if won {
		if err := r.users.DebitCredits(ctx, user.ID, creditsUsed); err != nil {
			// Undo the marker so a provider retry can debit.
			if clearErr := r.ledger.ClearDebited(ctx, task.TaskUUID); clearErr != nil {
				log.Error("clear debit marker after failed debit", "error", clearErr)
			}
			return fmt.Errorf("debit credits: %w", err)
		}
		if r.metrics != nil {
			r.metrics.CreditsDebited.Add(float64(creditsUsed))
		}
	} else {
		log.Info("credits already debited for task, skipping")
	}

	assets, failed := r.downloadAssets(ctx, log, ev.ResultURLs)
	if len(assets) == 0 {
		// Nothing deliverable: give the credits back rather than keeping a
		// charge for images the user never saw.
		r.refund(ctx, log, task, user, creditsUsed)
		return r.finishFailed(ctx, log, task, user, "не удалось получить готовые изображения")
	}
	if failed > 0 {
		log.Warn("partial download failure", "delivered", len(assets), "failed", failed)
	}

	r.deliver(log, user.ChatID, assets)

	if err := r.tasks.SetResult(ctx, task.ID, models.TaskStatusCompleted, creditsUsed, ev.Seed); err != nil {
		log.Error("persist task result", "error", err)
	}
	if err := r.flow.CompleteGeneration(ctx, user.ChatID, ev.Seed, ev.ResultURLs); err != nil {
		log.Error("advance conversation to final menu", "error", err)
	}

	delivered, err := r.tasks.MarkDelivered(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if !delivered {
		log.Warn("delivered flag already set by a concurrent path")
	}
	r.countEvent("completed")
	return nil
}

func (r *Reconciler) reconcileFailed(ctx context.Context, log *slog.Logger, task *models.Task, user *models.User, ev Event) error {
	reason := strings.TrimSpace(ev.FailMsg)
	if reason == "" && ev.FailCode != "" {
		reason = "код " + ev.FailCode
	}
	log.Info("task failed upstream", "fail_code", ev.FailCode, "fail_msg", ev.FailMsg)
	return r.finishFailed(ctx, log, task, user, reason)
}

// finishFailed persists the failed status, pushes the conversation back to
// prompt entry and closes the task. No debit happens on this path.
func (r *Reconciler) finishFailed(ctx context.Context, log *slog.Logger, task *models.Task, user *models.User, reason string) error {
	if err := r.tasks.SetResult(ctx, task.ID, models.TaskStatusFailed, 0, ""); err != nil {
		log.Error("persist failed status", "error", err)
	}
	if err := r.flow.FailGeneration(ctx, user.ChatID, reason); err != nil {
		log.Error("reset conversation after failure", "error", err)
	}
	if _, err := r.tasks.MarkDelivered(ctx, task.ID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	r.countEvent("failed")
	return nil
}

func (r *Reconciler) refund(ctx context.Context, log *slog.Logger, task *models.Task, user *models.User, amount int) {
	if err := r.users.AddCredits(ctx, user.ID, amount); err != nil {
		log.Error("refund after total download failure", "error", err)
		return
	}
	if err := r.ledger.ClearDebited(ctx, task.TaskUUID); err != nil {
		log.Warn("clear debit marker after refund", "error", err)
	}
	if r.metrics != nil {
		r.metrics.CreditsRefunded.Add(float64(amount))
	}
}

type asset struct {
	url  string
	data []byte
}

func (r *Reconciler) downloadAssets(ctx context.Context, log *slog.Logger, urls []string) ([]asset, int) {
	var assets []asset
	failed := 0
	for _, url := range urls {
		data, err := r.downloader.Fetch(ctx, url)
		if err != nil {
			failed++
			log.Warn("download result asset", "url", url, "error", err)
			r.countDownload("error")
			continue
		}
		assets = append(assets, asset{url: url, data: data})
		r.countDownload("ok")
	}
	return assets, failed
}

func (r *Reconciler) deliver(log *slog.Logger, chatID int64, assets []asset) {
	for i, a := range assets {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  assetName(a.url, i),
			Bytes: a.data,
		})
		if _, err := r.sender.Send(photo); err != nil {
			log.Error("send result photo", "chat_id", chatID, "error", err)
		}
	}
	// Telegram recompresses photos, so each result also goes out untouched
	// as a file.
	for i, a := range assets {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
			Name:  assetName(a.url, i),
			Bytes: a.data,
		})
		doc.Caption = "Скачать в максимальном качестве"
		if _, err := r.sender.Send(doc); err != nil {
			log.Error("send result document", "chat_id", chatID, "error", err)
		}
	}
}

func assetName(url string, idx int) string {
	base := path.Base(url)
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	if base == "" || base == "." || base == "/" {
		return fmt.Sprintf("result-%d.png", idx+1)
	}
	return base
}

// normalizeState folds provider states into the two terminal statuses.
// Unrecognized states fail closed.
func normalizeState(state string) models.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "success", "completed", "complete":
		return models.TaskStatusCompleted
	default:
		return models.TaskStatusFailed
	}
}

func (r *Reconciler) countEvent(outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}
}

func (r *Reconciler) countDownload(status string) {
	if r.metrics != nil {
		r.metrics.AssetDownloads.WithLabelValues(status).Inc()
	}
}
