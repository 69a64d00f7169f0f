// Package builtin provides the tasks registered at startup.
package builtin

import (
	"context"
	"os"
	"strings"
	"time"

	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	logx "cronhub/pkg/logx"
)

// SMTP holds outgoing mail settings. An empty Addr means messages are
// logged instead of sent.
type SMTP struct {
	Addr     string
	Username string
	Password string
	From     string
}

// Uploader stores a finished backup file somewhere off the host.
type Uploader interface {
	Upload(ctx context.Context, key, path string) (string, error)
}

// Snapshotter writes a consistent copy of the job store to dst.
type Snapshotter interface {
	Backup(ctx context.Context, dst string) error
}

// Deps are the collaborators built-in tasks need.
type Deps struct {
	Log      logx.Logger
	SMTP     SMTP
	TempRoot string
	// BackupDir is the default backup_path; empty makes the param required.
	BackupDir string
	// Database is nil when the store cannot be copied (memory, postgres).
	Database Snapshotter
	// Uploader is nil when no object storage is configured.
	Uploader Uploader
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if strings.TrimSpace(d.TempRoot) == "" {
		d.TempRoot = os.TempDir()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Table returns the built-in task descriptors.
func Table(deps Deps) []registry.Task {
	deps = deps.withDefaults()
	log := deps.Log.With(logx.String("comp", "tasks"))
	return []registry.Task{
		{
			Name:        "send_email",
			Description: "Send an email to one recipient",
			Params: []registry.Param{
				{Name: "recipient_email", Type: registry.TypeEmail, Required: true, Description: "Recipient address"},
				{Name: "subject", Type: registry.TypeString, Required: true, Description: "Subject line"},
				{Name: "message", Type: registry.TypeString, Required: true, Description: "Plain text body"},
				{Name: "sender_email", Type: registry.TypeEmail, Description: "Sender address; defaults to the configured From"},
			},
			Timeout: time.Minute,
			Run:     (&mailer{cfg: deps.SMTP, log: log, now: deps.Now}).run,
		},
		spreadsheetTask("process_excel", "Add tax columns to a purchases workbook (.xlsx or .csv) and report totals", log),
		spreadsheetTask("process_spreadsheet", "Alias of process_excel", log),
		{
			Name:        "cleanup_temp_folder",
			Description: "Delete files older than a number of days",
			Params: []registry.Param{
				{Name: "temp_path", Type: registry.TypeString, Default: deps.TempRoot, Description: "Directory to clean"},
				{Name: "days_old", Type: registry.TypeInteger, Default: 7, Description: "Minimum file age in days"},
				{Name: "file_extensions", Type: registry.TypeObject, Description: "JSON array of extensions to match, e.g. [\".tmp\"]"},
				{Name: "dry_run", Type: registry.TypeBoolean, Default: false, Description: "Only report what would be deleted"},
			},
			Run: func(ctx context.Context, p model.Params) (any, error) {
				return cleanupTempFolder(ctx, log, deps.Now(), p)
			},
		},
		{
			Name:        "backup_database",
			Description: "Copy the job store to a backup directory",
			Params: []registry.Param{
				backupPathParam(deps.BackupDir),
				{Name: "backup_name", Type: registry.TypeString, Description: "File name without extension"},
				{Name: "compress", Type: registry.TypeBoolean, Default: true, Description: "gzip the backup"},
			},
			Timeout: 30 * time.Minute,
			Run:     (&backup{db: deps.Database, up: deps.Uploader, log: log, now: deps.Now}).run,
		},
	}
}

// spreadsheetTask picks the file format from each path's extension:
// .xlsx/.xlsm are workbooks, anything else is CSV.
func spreadsheetTask(name, desc string, log logx.Logger) registry.Task {
	return registry.Task{
		Name:        name,
		Description: desc,
		Params: []registry.Param{
			{Name: "input_file_path", Type: registry.TypeString, Required: true, Description: "Workbook or CSV to read"},
			{Name: "output_file_path", Type: registry.TypeString, Required: true, Description: "Workbook or CSV to write"},
			{Name: "tax_rate", Type: registry.TypeFloat, Default: 0.1, Description: "Tax rate applied to Price"},
		},
		Run: func(ctx context.Context, p model.Params) (any, error) {
			return processSpreadsheet(ctx, log, p)
		},
	}
}

func backupPathParam(dir string) registry.Param {
	p := registry.Param{Name: "backup_path", Type: registry.TypeString, Description: "Directory receiving the backup"}
	if strings.TrimSpace(dir) == "" {
		p.Required = true
	} else {
		p.Default = dir
	}
	return p
}
