package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/seedream-bot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	const query = `
SELECT id, chat_id, COALESCE(username, ''), balance_credits, image_resolution, max_images, is_admin, created_at, updated_at
FROM users WHERE chat_id = ?`
	row := r.db.QueryRowContext(ctx, query, chatID)
	var u models.User
	var admin int
	if err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.BalanceCredits, &u.ImageResolution, &u.MaxImages, &admin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.IsAdmin = admin != 0
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	const query = `
SELECT id, chat_id, COALESCE(username, ''), balance_credits, image_resolution, max_images, is_admin, created_at, updated_at
FROM users WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var u models.User
	var admin int
	if err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.BalanceCredits, &u.ImageResolution, &u.MaxImages, &admin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.IsAdmin = admin != 0
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (chat_id, username, balance_credits, image_resolution, max_images)
VALUES (?, NULLIF(?, ''), ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, user.ChatID, user.Username, user.BalanceCredits, user.ImageResolution, user.MaxImages)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

// Ensure returns the user for chatID, creating it with the starter balance on
// first contact.
func (r *UserRepository) Ensure(ctx context.Context, chatID int64, username string, starterCredits int) (*models.User, bool, error) {
	user, err := r.FindByChatID(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}
	newUser := &models.User{
		ChatID:          chatID,
		Username:        username,
		BalanceCredits:  starterCredits,
		ImageResolution: "1K",
		MaxImages:       1,
	}
	created, err := r.Create(ctx, newUser)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// DebitCredits decrements the balance by amount, clamping at zero.
func (r *UserRepository) DebitCredits(ctx context.Context, userID int64, amount int) error {
	const query = `UPDATE users SET balance_credits = GREATEST(balance_credits - ?, 0), updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	return nil
}

func (r *UserRepository) AddCredits(ctx context.Context, userID int64, amount int) error {
	const query = `UPDATE users SET balance_credits = balance_credits + ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateResolution(ctx context.Context, userID int64, resolution string) error {
	const query = `UPDATE users SET image_resolution = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, resolution, userID); err != nil {
		return fmt.Errorf("update resolution: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdateMaxImages(ctx context.Context, userID int64, maxImages int) error {
	const query = `UPDATE users SET max_images = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, maxImages, userID); err != nil {
		return fmt.Errorf("update max images: %w", err)
	}
	return nil
}
