package builtin

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronhub/internal/task/model"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

type backup struct {
	db  Snapshotter
	up  Uploader
	log logx.Logger
	now func() time.Time
}

type backupResult struct {
	BackupPath string `json:"backup_path"`
	SizeBytes  int64  `json:"backup_size_bytes"`
	Compressed bool   `json:"compressed"`
	Location   string `json:"location,omitempty"`
}

func (b *backup) run(ctx context.Context, p model.Params) (any, error) {
	if b.db == nil {
		return nil, retry.NoRetry(errors.New("the configured store does not support backups"))
	}
	dir, err := requireStr(p, "backup_path")
	if err != nil {
		return nil, err
	}
	name := str(p, "backup_name")
	if name == "" {
		name = "backup_" + b.now().UTC().Format("20060102_150405")
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, retry.NoRetry(fmt.Errorf("backup_name %q must not contain path separators", name))
	}
	compress := boolean(p, "compress", true)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	raw := filepath.Join(dir, name+".db")
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(raw); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := b.db.Backup(ctx, raw); err != nil {
		return nil, err
	}

	final := raw
	if compress {
		final = raw + ".gz"
		if err := gzipFile(ctx, raw, final); err != nil {
			_ = os.Remove(final)
			return nil, err
		}
		if err := os.Remove(raw); err != nil {
			b.log.Warn("backup: remove uncompressed copy", logx.String("path", raw), logx.Err(err))
		}
	}
	fi, err := os.Stat(final)
	if err != nil {
		return nil, err
	}
	res := backupResult{BackupPath: final, SizeBytes: fi.Size(), Compressed: compress}

	if b.up != nil {
		loc, err := b.up.Upload(ctx, filepath.Base(final), final)
		if err != nil {
			return nil, fmt.Errorf("upload backup: %w", err)
		}
		res.Location = loc
	}
	b.log.Info("backup written", logx.String("path", final), logx.Int64("bytes", res.SizeBytes), logx.String("location", res.Location))
	return res, nil
}

func gzipFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		_ = out.Close()
		return err
	}
	_, err = io.Copy(zw, ctxReader{ctx: ctx, r: in})
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
