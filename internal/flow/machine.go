package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/seedream-bot/internal/models"
	"github.com/digkill/seedream-bot/internal/queue"
	"github.com/digkill/seedream-bot/internal/session"
)

const (
	maxPhotos        = 6
	minPromptLen     = 3
	maxPromptLen     = 2000
	maxEditPromptLen = 4000
	albumQuiescence  = 2 * time.Second
)

// Callback data values routed back into the machine by the update loop.
const (
	CallbackAspectPrefix = "aspect:"
	CallbackBack         = "back"
	CallbackStartOver    = "start_over"
	CallbackRegenerate   = "regenerate"
	CallbackCancel       = "cancel"
	CallbackSendFile     = "send_file"
)

var aspectRatios = []string{"1:1", "9:16", "16:9", "3:4", "4:3"}

// Messenger is the outbound side of the bot the machine talks through.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) error
}

// UserDirectory resolves chat ids to user records, creating them on first
// contact.
type UserDirectory interface {
	Ensure(ctx context.Context, chatID int64, username string, starterCredits int) (*models.User, bool, error)
}

type Config struct {
	StarterCredits  int
	CreditsPerImage int
	SupportContact  string
}

// Machine owns every conversation transition. All entry points serialize
// per chat, so a debounce finalize and a message handler for the same chat
// never interleave.
type Machine struct {
	cfg      Config
	sessions session.Store
	users    UserDirectory
	enqueuer queue.Enqueuer
	sender   Messenger
	log      *slog.Logger

	debounce  *debouncer
	chatLocks sync.Map
}

func NewMachine(cfg Config, sessions session.Store, users UserDirectory, enqueuer queue.Enqueuer, sender Messenger, log *slog.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		enqueuer: enqueuer,
		sender:   sender,
		log:      log.With("component", "flow"),
		debounce: newDebouncer(albumQuiescence),
	}
}

func (m *Machine) lockChat(chatID int64) func() {
	v, _ := m.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// StartCreate begins the text-to-image flow. Prior session state never leaks
// into a new flow, so the reset is unconditional.
func (m *Machine) StartCreate(ctx context.Context, chatID int64, username string) error {
	defer m.lockChat(chatID)()
	m.debounce.cancel(chatID)

	if _, _, err := m.users.Ensure(ctx, chatID, username, m.cfg.StarterCredits); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	sess := session.NewSession()
	sess.State = session.StateSelectingAspect
	sess.Mode = session.ModeCreate
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, "Создаём изображение с нуля. Выберите формат кадра:")
	msg.ReplyMarkup = aspectKeyboard()
	_, err := m.sender.Send(msg)
	return err
}

// StartEdit begins the image-edit flow: orientation, then reference photos,
// then the prompt.
func (m *Machine) StartEdit(ctx context.Context, chatID int64, username string) error {
	defer m.lockChat(chatID)()
	m.debounce.cancel(chatID)

	if _, _, err := m.users.Ensure(ctx, chatID, username, m.cfg.StarterCredits); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	sess := session.NewSession()
	sess.State = session.StateSelectingOrientation
	sess.Mode = session.ModeEdit
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, "Редактируем изображение. Выберите формат кадра:")
	msg.ReplyMarkup = aspectKeyboard()
	_, err := m.sender.Send(msg)
	return err
}

// SelectAspect stores the chosen ratio and advances the flow.
func (m *Machine) SelectAspect(ctx context.Context, chatID int64, ratio string) error {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if sess.State != session.StateSelectingAspect && sess.State != session.StateSelectingOrientation {
		m.sendText(chatID, "Начните с команды /create или /edit.")
		return nil
	}
	if !validAspect(ratio) {
		ratio = "1:1"
	}
	sess.AspectRatio = ratio

	if sess.Mode == session.ModeEdit {
		sess.State = session.StateUploadingImages
		if err := m.sessions.Put(ctx, chatID, sess); err != nil {
			return err
		}
		m.sendText(chatID, fmt.Sprintf("Формат %s. Пришлите от 1 до %d фото, которые нужно изменить.", ratio, maxPhotos))
		return nil
	}

	sess.State = session.StateWaitingPrompt
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		return err
	}
	m.sendText(chatID, fmt.Sprintf("Формат %s. Опишите, что нужно сгенерировать.", ratio))
	return nil
}

// AddPhoto accepts one reference image during uploading_images. Album members
// arrive as separate updates sharing a media group id; finalization waits for
// a quiescence window after the last one. A single non-album photo finalizes
// immediately. A caption is remembered as an auto-prompt that starts the
// generation right after finalization.
func (m *Machine) AddPhoto(ctx context.Context, chatID int64, username string, ref session.PhotoRef, albumID, caption string) error {
	unlock := m.lockChat(chatID)

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		unlock()
		return err
	}
	if sess.State != session.StateUploadingImages {
		unlock()
		if sess.State == session.StateGenerating {
			m.sendText(chatID, "Подождите, идёт генерация.")
		} else {
			m.sendText(chatID, "Сейчас фото не нужны. Начните с /edit, чтобы изменить изображение.")
		}
		return nil
	}
	if len(sess.Photos) >= maxPhotos {
		// The set is full; drop the extra photo and close out the upload step.
		m.debounce.cancel(chatID)
		unlock()
		m.sendText(chatID, fmt.Sprintf("Не больше %d фото, лишние не учитываются.", maxPhotos))
		m.finalizePhotos(ctx, chatID, username)
		return nil
	}

	sess.Photos = append(sess.Photos, ref)
	sess.AlbumID = albumID
	if caption != "" {
		sess.AutoPrompt = caption
	}
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		unlock()
		return err
	}
	unlock()

	if albumID == "" {
		m.finalizePhotos(ctx, chatID, username)
		return nil
	}
	m.debounce.schedule(chatID, func() {
		m.finalizePhotos(context.Background(), chatID, username)
	})
	return nil
}

func (m *Machine) finalizePhotos(ctx context.Context, chatID int64, username string) {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		m.log.Error("finalize photos: get session", "chat_id", chatID, "error", err)
		return
	}
	if sess.State != session.StateUploadingImages || len(sess.Photos) == 0 {
		return
	}
	sess.Finalized = true
	sess.State = session.StateWaitingPrompt

	if auto := strings.TrimSpace(sess.AutoPrompt); len([]rune(auto)) >= minPromptLen {
		prompt := truncateRunes(auto, maxPromptLen)
		sess.BasePrompt = prompt
		sess.Prompt = prompt
		sess.Edits = nil
		sess.AutoPrompt = ""
		if err := m.sessions.Put(ctx, chatID, sess); err != nil {
			m.log.Error("finalize photos: put session", "chat_id", chatID, "error", err)
			return
		}
		if err := m.startGeneration(ctx, chatID, username, sess, nil); err != nil {
			m.log.Error("finalize photos: start generation", "chat_id", chatID, "error", err)
		}
		return
	}
	sess.AutoPrompt = ""

	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		m.log.Error("finalize photos: put session", "chat_id", chatID, "error", err)
		return
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Принято фото: %d. Теперь опишите, что изменить.", len(sess.Photos)))
	msg.ReplyMarkup = backKeyboard()
	if _, err := m.sender.Send(msg); err != nil {
		m.log.Error("finalize photos: send", "chat_id", chatID, "error", err)
	}
}

// Back returns from prompt entry to photo upload with the photo set cleared.
func (m *Machine) Back(ctx context.Context, chatID int64) error {
	defer m.lockChat(chatID)()
	m.debounce.cancel(chatID)

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if sess.State != session.StateWaitingPrompt || sess.Mode != session.ModeEdit {
		return nil
	}
	sess.Photos = nil
	sess.AlbumID = ""
	sess.Finalized = false
	sess.State = session.StateUploadingImages
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		return err
	}
	m.sendText(chatID, fmt.Sprintf("Фото сброшены. Пришлите от 1 до %d новых.", maxPhotos))
	return nil
}

// HandleText routes free text by the current state: a new prompt, a cumulative
// edit instruction, or a hint when no input is expected.
func (m *Machine) HandleText(ctx context.Context, chatID int64, username, text string) error {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}

	switch sess.State {
	case session.StateWaitingPrompt:
		prompt := strings.TrimSpace(text)
		if len([]rune(prompt)) < minPromptLen {
			m.sendText(chatID, "Промпт слишком короткий, нужно хотя бы 3 символа. Попробуйте ещё раз.")
			return nil
		}
		prompt = truncateRunes(prompt, maxPromptLen)
		sess.BasePrompt = prompt
		sess.Prompt = prompt
		sess.Edits = nil
		return m.startGeneration(ctx, chatID, username, sess, nil)

	case session.StateFinalMenu:
		edit := strings.TrimSpace(text)
		if len([]rune(edit)) < minPromptLen {
			m.sendText(chatID, "Уточнение слишком короткое, нужно хотя бы 3 символа.")
			return nil
		}
		sess.Edits = append(sess.Edits, edit)
		sess.Prompt = truncateRunes(cumulativePrompt(sess.BasePrompt, sess.Edits), maxEditPromptLen)
		return m.startGeneration(ctx, chatID, username, sess, sess.ResultURLs)

	case session.StateGenerating:
		m.sendText(chatID, "Подождите, идёт генерация. Я пришлю результат, как только он будет готов.")
		return nil

	case session.StateUploadingImages:
		m.sendText(chatID, "Сначала пришлите фото, потом промпт.")
		return nil

	default:
		m.sendText(chatID, "Начните с команды /create или /edit.")
		return nil
	}
}

// Regenerate resubmits the current prompt with the last seed for a similar
// result.
func (m *Machine) Regenerate(ctx context.Context, chatID int64, username string) error {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if sess.State != session.StateFinalMenu || sess.Prompt == "" {
		m.sendText(chatID, "Пока нечего повторять. Начните с /create или /edit.")
		return nil
	}
	return m.startGeneration(ctx, chatID, username, sess, nil)
}

// StartOver restarts the same flow family from scratch.
func (m *Machine) StartOver(ctx context.Context, chatID int64, username string) error {
	mode := session.ModeCreate
	if sess, err := m.sessions.Get(ctx, chatID); err == nil && sess.Mode == session.ModeEdit {
		mode = session.ModeEdit
	}
	if mode == session.ModeEdit {
		return m.StartEdit(ctx, chatID, username)
	}
	return m.StartCreate(ctx, chatID, username)
}

// Cancel clears the session entirely.
func (m *Machine) Cancel(ctx context.Context, chatID int64) error {
	defer m.lockChat(chatID)()
	m.debounce.cancel(chatID)

	if err := m.sessions.Clear(ctx, chatID); err != nil {
		return err
	}
	m.sendText(chatID, "Сессия сброшена. /create — новое изображение, /edit — редактирование.")
	return nil
}

// SendResultFiles re-sends the last results as documents, without
// Telegram's photo recompression.
func (m *Machine) SendResultFiles(ctx context.Context, chatID int64) error {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if sess.State != session.StateFinalMenu || len(sess.ResultURLs) == 0 {
		m.sendText(chatID, "Нет готовых результатов.")
		return nil
	}
	for _, url := range sess.ResultURLs {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(url))
		if _, err := m.sender.Send(doc); err != nil {
			m.log.Error("send result file", "chat_id", chatID, "error", err)
		}
	}
	return nil
}

// startGeneration verifies the balance covers the request and enqueues the
// job. The session enters generating only after a successful enqueue.
// Callers hold the chat lock.
func (m *Machine) startGeneration(ctx context.Context, chatID int64, username string, sess *session.Session, referenceURLs []string) error {
	user, _, err := m.users.Ensure(ctx, chatID, username, m.cfg.StarterCredits)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	required := user.MaxImages * m.cfg.CreditsPerImage
	if user.BalanceCredits < required {
		m.sendText(chatID, fmt.Sprintf(
			"Недостаточно кредитов: нужно %d, на балансе %d. Пополните баланс через /buy.",
			required, user.BalanceCredits,
		))
		return nil
	}

	job := queue.GenerationJob{
		ChatID:        chatID,
		UserID:        user.ID,
		Mode:          string(sess.Mode),
		Prompt:        sess.Prompt,
		ReferenceURLs: referenceURLs,
		AspectRatio:   sess.AspectRatio,
		Resolution:    user.ImageResolution,
		MaxImages:     user.MaxImages,
	}
	if len(referenceURLs) == 0 {
		for _, p := range sess.Photos {
			job.ReferenceFileIDs = append(job.ReferenceFileIDs, p.FileID)
		}
	}
	if sess.LastSeed != "" {
		if seed, err := strconv.ParseInt(sess.LastSeed, 10, 64); err == nil {
			job.Seed = &seed
		}
	}

	waitMsg, err := m.sender.Send(tgbotapi.NewMessage(chatID, "Генерация началась, обычно это занимает до двух минут…"))
	if err != nil {
		m.log.Error("send wait message", "chat_id", chatID, "error", err)
	}
	job.WaitMessageID = waitMsg.MessageID

	if err := m.enqueuer.EnqueueGeneration(ctx, job); err != nil {
		m.log.Error("enqueue generation", "chat_id", chatID, "error", err)
		m.clearWaitMessage(chatID, waitMsg.MessageID)
		m.sendText(chatID, "Не удалось запустить генерацию, попробуйте позже.")
		return nil
	}

	sess.WaitMsgID = waitMsg.MessageID
	sess.State = session.StateGenerating
	return m.sessions.Put(ctx, chatID, sess)
}

// CompleteGeneration is the reconciler's success entry point: the results are
// already delivered, the session moves to the final menu.
func (m *Machine) CompleteGeneration(ctx context.Context, chatID int64, seed string, resultURLs []string) error {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	m.clearWaitMessage(chatID, sess.WaitMsgID)
	sess.WaitMsgID = 0
	sess.LastSeed = seed
	sess.ResultURLs = resultURLs
	sess.State = session.StateFinalMenu
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, "Готово! Что дальше?\nМожно прислать текстом уточнение к результату.")
	msg.ReplyMarkup = finalMenuKeyboard()
	_, err = m.sender.Send(msg)
	return err
}

// FailGeneration is the reconciler's failure entry point: back to prompt
// entry, aspect ratio and photos preserved.
func (m *Machine) FailGeneration(ctx context.Context, chatID int64, reason string) error {
	defer m.lockChat(chatID)()

	sess, err := m.sessions.Get(ctx, chatID)
	if err != nil {
		return err
	}
	m.clearWaitMessage(chatID, sess.WaitMsgID)
	sess.WaitMsgID = 0
	sess.State = session.StateWaitingPrompt
	if err := m.sessions.Put(ctx, chatID, sess); err != nil {
		return err
	}

	text := "Генерация не удалась."
	if reason != "" {
		text = fmt.Sprintf("Генерация не удалась: %s.", reason)
	}
	text += " Попробуйте другой промпт"
	if m.cfg.SupportContact != "" {
		text += fmt.Sprintf(" или напишите в поддержку %s", m.cfg.SupportContact)
	}
	text += "."
	m.sendText(chatID, text)
	return nil
}

func (m *Machine) sendText(chatID int64, text string) {
	if _, err := m.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		m.log.Error("send text", "chat_id", chatID, "error", err)
	}
}

func (m *Machine) clearWaitMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if err := m.sender.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		m.log.Warn("delete wait message", "chat_id", chatID, "error", err)
	}
}

func aspectKeyboard() tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(aspectRatios))
	for _, r := range aspectRatios {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(r, CallbackAspectPrefix+r),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func backKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Другие фото", CallbackBack),
		),
	)
}

func finalMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔁 Похожий вариант", CallbackRegenerate),
			tgbotapi.NewInlineKeyboardButtonData("📄 Файлом", CallbackSendFile),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🆕 Начать заново", CallbackStartOver),
			tgbotapi.NewInlineKeyboardButtonData("✖️ Отмена", CallbackCancel),
		),
	)
}

func validAspect(ratio string) bool {
	for _, r := range aspectRatios {
		if r == ratio {
			return true
		}
	}
	return false
}

func cumulativePrompt(base string, edits []string) string {
	parts := append([]string{base}, edits...)
	return strings.Join(parts, ". ")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
