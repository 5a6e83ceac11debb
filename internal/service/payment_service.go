package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/digkill/seedream-bot/internal/config"
	"github.com/digkill/seedream-bot/internal/models"
	"github.com/digkill/seedream-bot/internal/repository"
)

// CreditPack is one fixed top-up option.
type CreditPack struct {
	RubAmount int
	Credits   int
}

// Packs are the selectable top-up options, priced in whole rubles.
var Packs = []CreditPack{
	{RubAmount: 149, Credits: 50},
	{RubAmount: 290, Credits: 100},
	{RubAmount: 690, Credits: 300},
	{RubAmount: 990, Credits: 500},
}

// CallbackBuyPrefix routes pack selection callbacks to StartPurchase.
const CallbackBuyPrefix = "buy:"

func PackByRubAmount(rub int) *CreditPack {
	for i := range Packs {
		if Packs[i].RubAmount == rub {
			return &Packs[i]
		}
	}
	return nil
}

// Messenger is the outbound bot surface the service needs.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) error
}

// PaymentService sells credit packs through YooKassa checkout links or
// Telegram invoices. Crediting is idempotent per provider transaction id:
// a payment row moves to succeeded exactly once, and credits move with it.
type PaymentService struct {
	cfg      config.Config
	payments *repository.PaymentRepository
	users    *repository.UserRepository
	sender   Messenger
	client   *http.Client
	log      *slog.Logger
}

func NewPaymentService(cfg config.Config, payments *repository.PaymentRepository, users *repository.UserRepository, sender Messenger, log *slog.Logger) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		payments: payments,
		users:    users,
		sender:   sender,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With("component", "payments"),
	}
}

// SendPackOptions shows the pack keyboard.
func (s *PaymentService) SendPackOptions(chatID int64) error {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(Packs))
	for _, p := range Packs {
		label := fmt.Sprintf("%d кредитов — %d ₽", p.Credits, p.RubAmount)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s%d", CallbackBuyPrefix, p.RubAmount)),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "Выберите пакет кредитов:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	_, err := s.sender.Send(msg)
	return err
}

// StartPurchase begins checkout for the selected pack with the configured
// provider.
func (s *PaymentService) StartPurchase(ctx context.Context, user *models.User, chatID int64, rubAmount int) error {
	pack := PackByRubAmount(rubAmount)
	if pack == nil {
		return fmt.Errorf("unknown pack: %d rub", rubAmount)
	}

	switch strings.ToLower(s.cfg.PaymentProvider) {
	case "telegram":
		return s.sendTelegramInvoice(pack, chatID)
	case "yookassa", "":
		return s.startYooKassaPayment(ctx, pack, user, chatID)
	default:
		return fmt.Errorf("unsupported payment provider: %s", s.cfg.PaymentProvider)
	}
}

func (s *PaymentService) sendTelegramInvoice(pack *CreditPack, chatID int64) error {
	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("%d кредитов", pack.Credits),
			Amount: pack.RubAmount * 100,
		},
	}

	payload, _ := json.Marshal(map[string]any{
		"rub_amount": pack.RubAmount,
	})

	invoice := tgbotapi.NewInvoice(chatID,
		fmt.Sprintf("%d кредитов", pack.Credits),
		"Пополнение баланса генераций",
		string(payload),
		s.cfg.TelegramPaymentProviderToken,
		"topup",
		s.cfg.PaymentCurrency,
		prices,
	)

	if _, err := s.sender.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *PaymentService) startYooKassaPayment(ctx context.Context, pack *CreditPack, user *models.User, chatID int64) error {
	record := &models.Payment{
		UserID:    user.ID,
		Provider:  "yookassa",
		Currency:  s.cfg.PaymentCurrency,
		RubAmount: pack.RubAmount,
		Credits:   pack.Credits,
		Status:    "pending",
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	payment, err := s.createYooKassaPayment(ctx, pack)
	if err != nil {
		return err
	}
	if err := s.payments.SetExternalID(ctx, record.ID, payment.ID, payment.Confirmation.URL); err != nil {
		return fmt.Errorf("store payment id: %w", err)
	}

	text := fmt.Sprintf(
		"Пакет: %d кредитов за %d ₽.\nСсылка на оплату: %s\nКредиты зачислятся автоматически после оплаты.",
		pack.Credits, pack.RubAmount, payment.Confirmation.URL,
	)
	if _, err := s.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

// HandlePreCheckout approves every pre-checkout query; validation happened at
// invoice creation.
func (s *PaymentService) HandlePreCheckout(query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if err := s.sender.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment credits a Telegram-invoice payment, keyed by the
// provider charge id so a redelivered update cannot credit twice.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, user *models.User, payment *tgbotapi.SuccessfulPayment) error {
	existing, err := s.payments.FindByExternalID(ctx, "telegram", payment.ProviderPaymentChargeID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if existing != nil {
		s.log.Info("telegram payment already processed", "ext_id", payment.ProviderPaymentChargeID)
		return nil
	}

	var payload struct {
		RubAmount int `json:"rub_amount"`
	}
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		return fmt.Errorf("parse payment payload: %w", err)
	}
	pack := PackByRubAmount(payload.RubAmount)
	if pack == nil {
		return fmt.Errorf("payment for unknown pack: %d rub", payload.RubAmount)
	}

	record := &models.Payment{
		UserID:       user.ID,
		Provider:     "telegram",
		ExtPaymentID: payment.ProviderPaymentChargeID,
		Currency:     payment.Currency,
		RubAmount:    pack.RubAmount,
		Credits:      pack.Credits,
		Status:       "succeeded",
		RawPayload:   string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if err := s.users.AddCredits(ctx, user.ID, pack.Credits); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	s.log.Info("credits purchased", "user_id", user.ID, "credits", pack.Credits, "provider", "telegram")
	return nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, pack *CreditPack) (*yooPaymentResponse, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%d.00", pack.RubAmount),
			"currency": s.cfg.PaymentCurrency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": s.cfg.YooKassaReturnURL,
		},
		"capture":     true,
		"description": fmt.Sprintf("%d кредитов генерации", pack.Credits),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.yookassa.ru/v3/payments", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	var parsed yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return &parsed, nil
}

// HandleYooKassaWebhook processes payment status updates. The succeeded
// transition credits the user once; replays see the stored status and stop.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByExternalID(ctx, "yookassa", evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for id=%s", evt.Object.ID)
	}
	if pmt.Status == "succeeded" {
		return nil
	}

	if evt.Object.Status == "succeeded" {
		if err := s.users.AddCredits(ctx, pmt.UserID, pmt.Credits); err != nil {
			return fmt.Errorf("add credits: %w", err)
		}
		if err := s.payments.UpdateStatus(ctx, pmt.ID, "succeeded", string(payload)); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		s.log.Info("credits purchased", "user_id", pmt.UserID, "credits", pmt.Credits, "provider", "yookassa")
		return nil
	}

	if err := s.payments.UpdateStatus(ctx, pmt.ID, evt.Object.Status, string(payload)); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
