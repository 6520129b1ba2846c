package db

// Schema defines the SQLite schema for the install journal. Each row is one
// install session from start to its terminal status.
const Schema = `
CREATE TABLE IF NOT EXISTS installs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL UNIQUE,
    install_dir TEXT NOT NULL,
    payload_size INTEGER NOT NULL,
    scratch_size INTEGER NOT NULL,
    wipe_scratch INTEGER NOT NULL DEFAULT 0,
    strategy TEXT,
    status TEXT NOT NULL CHECK(status IN ('started', 'streaming', 'bootable', 'failed', 'aborted')),
    error_code TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_installs_status ON installs(status);
CREATE INDEX IF NOT EXISTS idx_installs_created_at ON installs(created_at);
`

// Status constants
const (
	StatusStarted   = "started"
	StatusStreaming = "streaming"
	StatusBootable  = "bootable"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Install represents one journaled install session
type Install struct {
	ID           int64
	SessionID    string
	InstallDir   string
	PayloadSize  int64
	ScratchSize  int64
	WipeScratch  bool
	Strategy     string
	Status       string
	ErrorCode    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Terminal reports whether the session has ended.
func (i *Install) Terminal() bool {
	switch i.Status {
	case StatusBootable, StatusFailed, StatusAborted:
		return true
	}
	return false
}
