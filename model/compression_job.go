package model

import "time"

// Compression job types.
const (
	JobTypeCompress   = "COMPRESS"
	JobTypeDecompress = "DECOMPRESS"
)

// Compression job statuses.
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
)

// jobTransitions lists the legal status transitions. COMPLETED, FAILED and
// CANCELLED are terminal and reject any further mutation. PROCESSING may
// fall back to PENDING when a transient failure is requeued.
var jobTransitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPending},
	JobStatusCompleted:  {},
	JobStatusFailed:     {},
	JobStatusCancelled:  {},
}

// CanTransitionJob reports whether from -> to is in the transition table.
func CanTransitionJob(from, to string) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalJobStatus reports whether a job status admits no transitions.
func IsTerminalJobStatus(status string) bool {
	return len(jobTransitions[status]) == 0
}

type CompressionJob struct {
	ID uint64 `gorm:"primaryKey" json:"id"`

	UserID uint64 `gorm:"column:user_id;not null;index" json:"user_id"`
	User   User   `gorm:"foreignKey:UserID;references:ID" json:"-"`

	Type   string `gorm:"column:type;size:16;not null" json:"type"`
	Format string `gorm:"column:format;size:16;not null" json:"format"`

	// InputPaths 为 JSON 数组 压缩时是文件ID列表 解压时是单个文件ID
	InputPaths string `gorm:"column:input_paths;size:2048;not null" json:"-"`
	OutputPath string `gorm:"column:output_path;size:512;not null;default:''" json:"output_path,omitempty"`

	TargetFolderID *uint64 `gorm:"column:target_folder_id" json:"target_folder_id,omitempty"`

	Status      string `gorm:"column:status;size:16;not null;default:'PENDING';index" json:"status"`
	Progress    int    `gorm:"column:progress;not null;default:0" json:"progress"`
	CurrentFile string `gorm:"column:current_file;size:512;not null;default:''" json:"current_file,omitempty"`
	ErrorMsg    string `gorm:"column:error_msg;size:512;not null;default:''" json:"error,omitempty"`

	RetryCount int `gorm:"column:retry_count;not null;default:0" json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

// TableName returns the database table name.
func (CompressionJob) TableName() string {
	return "compression_job"
}
