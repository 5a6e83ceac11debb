package database

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    chat_id BIGINT NOT NULL UNIQUE,
    username VARCHAR(64),
    balance_credits INT NOT NULL DEFAULT 0,
    image_resolution VARCHAR(10) NOT NULL DEFAULT '1K',
    max_images INT NOT NULL DEFAULT 1,
    is_admin TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,

	`CREATE TABLE IF NOT EXISTS tasks (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    task_uuid VARCHAR(64) NOT NULL UNIQUE,
    prompt TEXT NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'queued',
    credits_used INT NOT NULL DEFAULT 0,
    seed VARCHAR(64),
    delivered TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_tasks_delivered (delivered),
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,

	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    provider VARCHAR(64) NOT NULL,
    ext_payment_id VARCHAR(128),
    currency VARCHAR(8) NOT NULL,
    rub_amount INT NOT NULL,
    credits INT NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    confirmation_url VARCHAR(512),
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_payments_ext (ext_payment_id),
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,
}
