package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/seedream-bot/internal/config"
	"github.com/digkill/seedream-bot/internal/flow"
	"github.com/digkill/seedream-bot/internal/repository"
	"github.com/digkill/seedream-bot/internal/service"
	"github.com/digkill/seedream-bot/internal/session"
)

const (
	callbackResolutionPrefix = "res:"
	callbackMaxImagesPrefix  = "count:"
)

// Bot is the long-polling update loop. It owns no conversation logic; every
// update is routed to the flow machine, the payment service, or a settings
// handler.
type Bot struct {
	cfg      config.Config
	api      *tgbotapi.BotAPI
	sender   *Sender
	machine  *flow.Machine
	payments *service.PaymentService
	users    *repository.UserRepository
	log      *slog.Logger
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, sender *Sender, machine *flow.Machine, payments *service.PaymentService, users *repository.UserRepository, log *slog.Logger) *Bot {
	return &Bot{
		cfg:      cfg,
		api:      api,
		sender:   sender,
		machine:  machine,
		payments: payments,
		users:    users,
		log:      log.With("component", "bot"),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			} else if update.PreCheckoutQuery != nil {
				if err := b.payments.HandlePreCheckout(update.PreCheckoutQuery); err != nil {
					b.log.Error("pre-checkout failed", "error", err)
				}
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	username := usernameOf(msg.From)

	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		b.handleUpload(ctx, msg)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	if err := b.machine.HandleText(ctx, chatID, username, msg.Text); err != nil {
		b.log.Error("handle text", "chat_id", chatID, "error", err)
		b.sendText(chatID, "Что-то пошло не так, попробуйте ещё раз.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	username := usernameOf(msg.From)

	var err error
	switch msg.Command() {
	case "start":
		err = b.handleStart(ctx, chatID, username)
	case "create":
		err = b.machine.StartCreate(ctx, chatID, username)
	case "edit", "gen":
		err = b.machine.StartEdit(ctx, chatID, username)
	case "cancel":
		err = b.machine.Cancel(ctx, chatID)
	case "balance":
		err = b.handleBalance(ctx, chatID, username)
	case "buy":
		err = b.payments.SendPackOptions(chatID)
	case "settings":
		err = b.handleSettings(ctx, chatID, username)
	default:
		b.sendText(chatID, "Неизвестная команда. /create — новое изображение, /edit — редактирование.")
	}
	if err != nil {
		b.log.Error("handle command", "command", msg.Command(), "chat_id", chatID, "error", err)
		b.sendText(chatID, "Что-то пошло не так, попробуйте ещё раз.")
	}
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, username string) error {
	user, created, err := b.users.Ensure(ctx, chatID, username, b.cfg.StarterCredits)
	if err != nil {
		return err
	}
	greeting := fmt.Sprintf(
		"Привет! Я генерирую и редактирую изображения.\n\nБаланс: %d кредитов.\n\nКоманды:\n/create — изображение с нуля\n/edit — изменить фото\n/balance — баланс\n/buy — купить кредиты\n/settings — качество и число вариантов",
		user.BalanceCredits,
	)
	if created {
		greeting += fmt.Sprintf("\n\nНа старте начислено %d бесплатных кредитов.", b.cfg.StarterCredits)
	}
	b.sendText(chatID, greeting)
	return nil
}

func (b *Bot) handleBalance(ctx context.Context, chatID int64, username string) error {
	user, _, err := b.users.Ensure(ctx, chatID, username, b.cfg.StarterCredits)
	if err != nil {
		return err
	}
	b.sendText(chatID, fmt.Sprintf("Баланс: %d кредитов.\nОдна картинка стоит %d кредит(ов).", user.BalanceCredits, b.cfg.CreditsPerImage))
	return nil
}

func (b *Bot) handleSettings(ctx context.Context, chatID int64, username string) error {
	user, _, err := b.users.Ensure(ctx, chatID, username, b.cfg.StarterCredits)
	if err != nil {
		return err
	}

	resRow := make([]tgbotapi.InlineKeyboardButton, 0, 3)
	for _, res := range []string{"1K", "2K", "4K"} {
		label := res
		if res == user.ImageResolution {
			label = "✅ " + res
		}
		resRow = append(resRow, tgbotapi.NewInlineKeyboardButtonData(label, callbackResolutionPrefix+res))
	}
	countRow := make([]tgbotapi.InlineKeyboardButton, 0, 6)
	for n := 1; n <= 6; n++ {
		label := strconv.Itoa(n)
		if n == user.MaxImages {
			label = "✅ " + label
		}
		countRow = append(countRow, tgbotapi.NewInlineKeyboardButtonData(label, callbackMaxImagesPrefix+strconv.Itoa(n)))
	}

	msg := tgbotapi.NewMessage(chatID, "Настройки генерации.\nПервый ряд — разрешение, второй — число вариантов за запрос.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(resRow, countRow)
	_, err = b.sender.Send(msg)
	return err
}

func (b *Bot) handleUpload(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	var ref session.PhotoRef
	switch {
	case len(msg.Photo) > 0:
		ref = session.PhotoRef{Type: "photo", FileID: msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			b.sendText(chatID, "Это не изображение. Пришлите фото или картинку файлом.")
			return
		}
		ref = session.PhotoRef{Type: "document", FileID: msg.Document.FileID}
	default:
		return
	}

	if err := b.machine.AddPhoto(ctx, chatID, usernameOf(msg.From), ref, msg.MediaGroupID, msg.Caption); err != nil {
		b.log.Error("add photo", "chat_id", chatID, "error", err)
		b.sendText(chatID, "Не удалось принять фото, попробуйте ещё раз.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	username := usernameOf(cb.From)
	data := cb.Data

	ack := func(text string) {
		if err := b.sender.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
			b.log.Error("callback ack", "error", err)
		}
	}

	var err error
	switch {
	case strings.HasPrefix(data, flow.CallbackAspectPrefix):
		ack("")
		err = b.machine.SelectAspect(ctx, chatID, strings.TrimPrefix(data, flow.CallbackAspectPrefix))
	case data == flow.CallbackBack:
		ack("")
		err = b.machine.Back(ctx, chatID)
	case data == flow.CallbackStartOver:
		ack("")
		err = b.machine.StartOver(ctx, chatID, username)
	case data == flow.CallbackRegenerate:
		ack("Повторяю…")
		err = b.machine.Regenerate(ctx, chatID, username)
	case data == flow.CallbackCancel:
		ack("")
		err = b.machine.Cancel(ctx, chatID)
	case data == flow.CallbackSendFile:
		ack("Отправляю файлы…")
		err = b.machine.SendResultFiles(ctx, chatID)
	case strings.HasPrefix(data, service.CallbackBuyPrefix):
		err = b.handleBuyCallback(ctx, chatID, username, data, ack)
	case strings.HasPrefix(data, callbackResolutionPrefix):
		err = b.handleResolutionCallback(ctx, chatID, username, strings.TrimPrefix(data, callbackResolutionPrefix), ack)
	case strings.HasPrefix(data, callbackMaxImagesPrefix):
		err = b.handleMaxImagesCallback(ctx, chatID, username, strings.TrimPrefix(data, callbackMaxImagesPrefix), ack)
	default:
		ack("Неизвестный выбор")
	}
	if err != nil {
		b.log.Error("handle callback", "data", data, "chat_id", chatID, "error", err)
		b.sendText(chatID, "Что-то пошло не так, попробуйте ещё раз.")
	}
}

func (b *Bot) handleBuyCallback(ctx context.Context, chatID int64, username, data string, ack func(string)) error {
	rub, err := strconv.Atoi(strings.TrimPrefix(data, service.CallbackBuyPrefix))
	if err != nil {
		ack("Неизвестный пакет")
		return nil
	}
	user, _, err := b.users.Ensure(ctx, chatID, username, b.cfg.StarterCredits)
	if err != nil {
		return err
	}
	ack("")
	return b.payments.StartPurchase(ctx, user, chatID, rub)
}

func (b *Bot) handleResolutionCallback(ctx context.Context, chatID int64, username, res string, ack func(string)) error {
	switch res {
	case "1K", "2K", "4K":
	default:
		ack("Неизвестное разрешение")
		return nil
	}
	user, _, err := b.users.Ensure(ctx, chatID, username, b.cfg.StarterCredits)
	if err != nil {
		return err
	}
	if err := b.users.UpdateResolution(ctx, user.ID, res); err != nil {
		return err
	}
	ack("Разрешение: " + res)
	return nil
}

func (b *Bot) handleMaxImagesCallback(ctx context.Context, chatID int64, username, raw string, ack func(string)) error {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 6 {
		ack("Неверное число")
		return nil
	}
	user, _, err := b.users.Ensure(ctx, chatID, username, b.cfg.StarterCredits)
	if err != nil {
		return err
	}
	if err := b.users.UpdateMaxImages(ctx, user.ID, n); err != nil {
		return err
	}
	ack(fmt.Sprintf("Вариантов за запрос: %d", n))
	return nil
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	user, _, err := b.users.Ensure(ctx, chatID, usernameOf(msg.From), b.cfg.StarterCredits)
	if err != nil {
		b.log.Error("ensure user for payment", "chat_id", chatID, "error", err)
		return
	}
	if err := b.payments.HandleSuccessfulPayment(ctx, user, msg.SuccessfulPayment); err != nil {
		b.log.Error("process successful payment", "chat_id", chatID, "error", err)
		b.sendText(chatID, "Оплата получена, но начисление не прошло. Напишите в поддержку "+b.cfg.SupportContact+".")
		return
	}
	b.sendText(chatID, "Оплата получена, кредиты зачислены! /balance — проверить баланс.")
}

func (b *Bot) sendText(chatID int64, text string) {
	if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error("send text", "chat_id", chatID, "error", err)
	}
}

func usernameOf(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}
	return from.UserName
}
