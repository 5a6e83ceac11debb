package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// TypeGenerationProcess identifies the single task type this bot enqueues.
const TypeGenerationProcess = "generation:process"

// GenerationJob is the payload handed from the conversation flow to the
// worker. Reference images travel as Telegram file ids (fresh uploads) or as
// public URLs (regeneration from previous results); the worker resolves both
// into provider-reachable URLs.
type GenerationJob struct {
	ChatID           int64    `json:"chat_id"`
	UserID           int64    `json:"user_id"`
	Mode             string   `json:"mode"`
	Prompt           string   `json:"prompt"`
	ReferenceFileIDs []string `json:"reference_file_ids,omitempty"`
	ReferenceURLs    []string `json:"reference_urls,omitempty"`
	AspectRatio      string   `json:"aspect_ratio"`
	Resolution       string   `json:"resolution"`
	MaxImages        int      `json:"max_images"`
	Seed             *int64   `json:"seed,omitempty"`
	WaitMessageID    int      `json:"wait_message_id,omitempty"`
}

// Enqueuer pushes generation jobs onto the queue.
type Enqueuer interface {
	EnqueueGeneration(ctx context.Context, job GenerationJob) error
}

// Client is the asynq-backed Enqueuer used in production.
type Client struct {
	client *asynq.Client
	log    *slog.Logger
}

func NewClient(redisAddr, redisPassword string, redisDB int, log *slog.Logger) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		}),
		log: log.With("component", "queue"),
	}
}

func (c *Client) EnqueueGeneration(ctx context.Context, job GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal generation job: %w", err)
	}
	task := asynq.NewTask(TypeGenerationProcess, payload)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("enqueue generation job: %w", err)
	}
	c.log.Info("generation job enqueued", "queue", info.Queue, "task_id", info.ID, "chat_id", job.ChatID)
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
