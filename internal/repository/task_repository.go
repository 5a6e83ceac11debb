package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/seedream-bot/internal/models"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	const query = `
INSERT INTO tasks (user_id, task_uuid, prompt, status, delivered)
VALUES (?, ?, ?, ?, 0)`
	res, err := r.db.ExecContext(ctx, query, task.UserID, task.TaskUUID, task.Prompt, task.Status)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	task.ID = id
	return nil
}

func (r *TaskRepository) FindByUUID(ctx context.Context, taskUUID string) (*models.Task, error) {
	const query = `
SELECT id, user_id, task_uuid, prompt, status, credits_used, COALESCE(seed, ''), delivered, created_at
FROM tasks WHERE task_uuid = ?`
	row := r.db.QueryRowContext(ctx, query, taskUUID)
	var t models.Task
	var delivered int
	if err := row.Scan(&t.ID, &t.UserID, &t.TaskUUID, &t.Prompt, &t.Status, &t.CreditsUsed, &t.Seed, &delivered, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Delivered = delivered != 0
	return &t, nil
}

// SetResult records the normalized terminal status together with the credit
// count and seed reported by the provider.
func (r *TaskRepository) SetResult(ctx context.Context, taskID int64, status models.TaskStatus, creditsUsed int, seed string) error {
	const query = `UPDATE tasks SET status = ?, credits_used = ?, seed = NULLIF(?, '') WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, creditsUsed, seed, taskID); err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	return nil
}

// MarkDelivered flips the terminal delivered flag. Returns false when the task
// was already delivered, so callers can detect a lost race.
func (r *TaskRepository) MarkDelivered(ctx context.Context, taskID int64) (bool, error) {
	const query = `UPDATE tasks SET delivered = 1 WHERE id = ? AND delivered = 0`
	res, err := r.db.ExecContext(ctx, query, taskID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delivered rows affected: %w", err)
	}
	return affected > 0, nil
}
