package puddlesbot

import (
	"errors"
	"log/slog"

	"gorm.io/gorm"
)

var columnRuntimeConfigPaused = "paused"

// RuntimeConfig is bot configuration stored in the database, so it can
// be changed at runtime (via the dashboard API) without a restart.
// Exactly one row exists; [PuddlesBot] caches it in memory and reloads
// on [DBNotifier] signal.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from processing task commands. Already
	// in-flight commands finish normally.
	Paused bool `json:"paused" gorm:"default:false"`

	// RemindersEnabled toggles the due-date reminder scheduler's
	// dispatch. Scans still run, so reminders resume immediately when
	// re-enabled.
	RemindersEnabled bool `json:"reminders_enabled" gorm:"default:true"`

	// ResetReminderStagesOnDueEdit clears previously-sent reminder
	// stages when a task's due date is edited. When false, a stage once
	// sent is never re-sent.
	ResetReminderStagesOnDueEdit bool `json:"reset_reminder_stages_on_due_edit" gorm:"default:false"`

	// AdminUsername is the dashboard API login
	AdminUsername string `json:"admin_username" log:"[redacted]"`

	// AdminPassword is the argon2id hash of the dashboard API password
	AdminPassword string `json:"-" log:"[redacted]"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DefaultRuntimeConfig returns the RuntimeConfig created on first startup
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Paused:                       false,
		RemindersEnabled:             true,
		ResetReminderStagesOnDueEdit: false,
	}
}

// getOrCreateRuntimeConfig loads the RuntimeConfig row, creating it with
// defaults if it doesn't exist yet.
func getOrCreateRuntimeConfig(db *gorm.DB) (RuntimeConfig, error) {
	var config RuntimeConfig
	err := db.Last(&config).Error
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return config, err
	}
	config = DefaultRuntimeConfig()
	if createErr := db.Create(&config).Error; createErr != nil {
		return config, createErr
	}
	return config, nil
}
