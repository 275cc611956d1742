package sqlstore

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS prompt (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	prompt_str TEXT NOT NULL,
	created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS prompt_response (
	prompt_id TEXT NOT NULL REFERENCES prompt(id) ON DELETE CASCADE,
	given_id TEXT NOT NULL,
	text_id TEXT NOT NULL,
	text TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	response_full TEXT NOT NULL DEFAULT '',
	response_text TEXT NOT NULL DEFAULT '',
	num_errors INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (prompt_id, given_id, text_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_response_given ON prompt_response(prompt_id, given_id)`,
	`CREATE TABLE IF NOT EXISTS embedding (
	model_name TEXT NOT NULL,
	text_id TEXT NOT NULL,
	text TEXT NOT NULL,
	embedding TEXT NOT NULL DEFAULT '',
	num_errors INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (model_name, text_id)
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS prompt (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	prompt_str TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS prompt_response (
	prompt_id TEXT NOT NULL REFERENCES prompt(id) ON DELETE CASCADE,
	given_id TEXT NOT NULL,
	text_id TEXT NOT NULL,
	text TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	response_full TEXT NOT NULL DEFAULT '',
	response_text TEXT NOT NULL DEFAULT '',
	num_errors INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (prompt_id, given_id, text_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_response_given ON prompt_response(prompt_id, given_id)`,
	`CREATE TABLE IF NOT EXISTS embedding (
	model_name TEXT NOT NULL,
	text_id TEXT NOT NULL,
	text TEXT NOT NULL,
	embedding TEXT NOT NULL DEFAULT '',
	num_errors INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (model_name, text_id)
)`,
}
