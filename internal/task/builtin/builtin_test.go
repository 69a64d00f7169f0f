package builtin

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

var now = time.Date(2026, 5, 10, 8, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestTableRegisters(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	if err := reg.Register(Table(Deps{TempRoot: t.TempDir()})...); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	var names []string
	for _, task := range reg.List() {
		names = append(names, task.Name)
	}
	want := "backup_database,cleanup_temp_folder,process_excel,process_spreadsheet,send_email"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("tasks = %s, want %s", got, want)
	}

	_, err := reg.Validate("send_email", model.Params{"subject": "s", "message": "m"})
	var verr *registry.ParameterValidationError
	if !errors.As(err, &verr) || verr.Fields[0].Param != "recipient_email" {
		t.Fatalf("Validate() error = %v, want recipient_email required", err)
	}

	bound, err := reg.Validate("process_excel", model.Params{"input_file_path": "a", "output_file_path": "b"})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if bound["tax_rate"] != 0.1 {
		t.Fatalf("tax_rate = %v, want default 0.1", bound["tax_rate"])
	}
}

func TestSendEmail(t *testing.T) {
	t.Parallel()

	params := model.Params{"recipient_email": "ops@example.com", "subject": "nightly", "message": "line1\nline2"}

	dry := &mailer{log: logx.Nop(), now: clock}
	out, err := dry.run(context.Background(), params)
	if err != nil {
		t.Fatalf("dry run error: %v", err)
	}
	if res := out.(emailResult); res.Delivered || res.Recipient != "ops@example.com" {
		t.Fatalf("dry result = %+v, want undelivered to ops@example.com", res)
	}

	var gotAddr, gotFrom string
	var gotMsg []byte
	m := &mailer{
		cfg: SMTP{Addr: "smtp.example.com:587", Username: "u", Password: "p", From: "cron@example.com"},
		log: logx.Nop(),
		now: clock,
		send: func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotMsg = addr, from, msg
			return nil
		},
	}
	out, err = m.run(context.Background(), params)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !out.(emailResult).Delivered {
		t.Fatalf("Delivered = false, want true")
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "cron@example.com" {
		t.Fatalf("addr/from = %s/%s", gotAddr, gotFrom)
	}
	if !strings.Contains(string(gotMsg), "Subject: nightly\r\n") || !strings.Contains(string(gotMsg), "line1\r\nline2") {
		t.Fatalf("message = %q", gotMsg)
	}

	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 try later") }
	if _, err := m.run(context.Background(), params); err == nil || retry.IsNoRetry(err) {
		t.Fatalf("send failure error = %v, want retryable error", err)
	}
}

func TestProcessSpreadsheet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "purchases.csv")
	data := "Customer Name,Product Name,Price,Purchase Date\n" +
		"Ann,Lamp,100,2026-01-02\n" +
		"Bob,Lamp,50.5,2026-01-03\n" +
		"Ann,Desk,20,2026-01-04\n"
	if err := os.WriteFile(in, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out", "taxed.csv")

	got, err := processSpreadsheet(context.Background(), logx.Nop(), model.Params{
		"input_file_path": in, "output_file_path": out, "tax_rate": 0.1,
	})
	if err != nil {
		t.Fatalf("processSpreadsheet() error: %v", err)
	}
	stats := got.(spreadsheetResult).Statistics
	want := spreadsheetStats{
		TotalRecords: 3, TotalAmount: 170.5, TotalTax: 17.05, TotalWithTax: 187.55,
		TaxRate: 0.1, UniqueCustomers: 2, UniqueProducts: 2,
	}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][4] != "Tax" || rows[0][5] != "Total with Tax" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[2][4] != "5.05" || rows[2][5] != "55.55" {
		t.Fatalf("row 2 = %v, want tax 5.05 total 55.55", rows[2])
	}
}

func TestProcessExcelWorkbook(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "purchases.xlsx")
	wb := excelize.NewFile()
	rows := [][]any{
		{"Customer Name", "Product Name", "Price", "Purchase Date"},
		{"Ann", "Lamp", 100, "2026-01-02"},
		{"Bob", "Lamp", 50.5, "2026-01-03"},
		{"Ann", "Desk", 20, "2026-01-04"},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := wb.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("SetSheetRow() error: %v", err)
		}
	}
	if err := wb.SaveAs(in); err != nil {
		t.Fatalf("SaveAs() error: %v", err)
	}
	_ = wb.Close()

	out := filepath.Join(dir, "out", "taxed.xlsx")
	got, err := processSpreadsheet(context.Background(), logx.Nop(), model.Params{
		"input_file_path": in, "output_file_path": out, "tax_rate": 0.1,
	})
	if err != nil {
		t.Fatalf("processSpreadsheet() error: %v", err)
	}
	stats := got.(spreadsheetResult).Statistics
	if stats.TotalRecords != 3 || stats.TotalWithTax != 187.55 || stats.UniqueCustomers != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	res, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatalf("OpenFile(out) error: %v", err)
	}
	defer res.Close()
	sheet, err := res.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("GetRows() error: %v", err)
	}
	if len(sheet) != 4 || sheet[0][4] != "Tax" || sheet[0][5] != "Total with Tax" {
		t.Fatalf("rows = %v", sheet)
	}
	if sheet[2][4] != "5.05" || sheet[2][5] != "55.55" {
		t.Fatalf("row 2 = %v, want tax 5.05 total 55.55", sheet[2])
	}
	if _, err := os.Stat(out + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestProcessSpreadsheetRejectsBadInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	noPrice := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(noPrice, []byte("Customer Name,Product Name,Purchase Date\nA,B,C\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"missing file":   filepath.Join(dir, "nope.csv"),
		"missing column": noPrice,
	}
	for name, in := range cases {
		_, err := processSpreadsheet(context.Background(), logx.Nop(), model.Params{
			"input_file_path": in, "output_file_path": filepath.Join(dir, "o.csv"),
		})
		if !retry.IsNoRetry(err) {
			t.Fatalf("%s: error = %v, want no-retry error", name, err)
		}
	}
}

func TestCleanupTempFolder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := now.Add(-10 * 24 * time.Hour)
	write := func(rel string, mod time.Time) string {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("12345"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatal(err)
		}
		return p
	}
	oldTmp := write("a/b/old.tmp", old)
	oldLog := write("old.log", old)
	fresh := write("fresh.tmp", now)

	params := model.Params{"temp_path": root, "days_old": int64(7), "file_extensions": []any{"tmp"}, "dry_run": true}
	got, err := cleanupTempFolder(context.Background(), logx.Nop(), now, params)
	if err != nil {
		t.Fatalf("dry run error: %v", err)
	}
	res := got.(cleanupResult)
	if res.DeletedFilesCount != 1 || res.DeletedFiles[0].Deleted || res.TotalSizeFreed != 5 {
		t.Fatalf("dry result = %+v", res)
	}
	if _, err := os.Stat(oldTmp); err != nil {
		t.Fatalf("dry run removed %s", oldTmp)
	}

	params["dry_run"] = false
	got, err = cleanupTempFolder(context.Background(), logx.Nop(), now, params)
	if err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	res = got.(cleanupResult)
	if res.DeletedFilesCount != 1 || res.DeletedDirsCount != 2 {
		t.Fatalf("result = %+v, want 1 file and 2 dirs", res)
	}
	if _, err := os.Stat(oldTmp); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("%s still exists", oldTmp)
	}
	for _, keep := range []string{oldLog, fresh} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("%s was removed", keep)
		}
	}

	_, err = cleanupTempFolder(context.Background(), logx.Nop(), now, model.Params{"temp_path": filepath.Join(root, "missing")})
	if !retry.IsNoRetry(err) {
		t.Fatalf("missing dir error = %v, want no-retry error", err)
	}
}

type fakeSnapshot struct{ content string }

func (f fakeSnapshot) Backup(_ context.Context, dst string) error {
	return os.WriteFile(dst, []byte(f.content), 0o644)
}

type fakeUploader struct{ key string }

func (f *fakeUploader) Upload(_ context.Context, key, _ string) (string, error) {
	f.key = key
	return "s3://bucket/" + key, nil
}

func TestBackupDatabase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := &fakeUploader{}
	b := &backup{db: fakeSnapshot{content: "sqlite bytes"}, up: up, log: logx.Nop(), now: clock}

	got, err := b.run(context.Background(), model.Params{"backup_path": dir, "compress": true})
	if err != nil {
		t.Fatalf("run() error: %v", err)
	}
	res := got.(backupResult)
	wantPath := filepath.Join(dir, "backup_20260510_083000.db.gz")
	if res.BackupPath != wantPath || !res.Compressed {
		t.Fatalf("result = %+v, want %s", res, wantPath)
	}
	if up.key != "backup_20260510_083000.db.gz" || res.Location != "s3://bucket/"+up.key {
		t.Fatalf("uploaded key = %q, location = %q", up.key, res.Location)
	}
	f, err := os.Open(wantPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != "sqlite bytes" {
		t.Fatalf("backup content = %q", body)
	}
	if _, err := os.Stat(filepath.Join(dir, "backup_20260510_083000.db")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("uncompressed copy left behind")
	}

	got, err = b.run(context.Background(), model.Params{"backup_path": dir, "backup_name": "plain", "compress": false})
	if err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if res := got.(backupResult); res.BackupPath != filepath.Join(dir, "plain.db") || res.SizeBytes != 12 {
		t.Fatalf("result = %+v", res)
	}

	none := &backup{log: logx.Nop(), now: clock}
	if _, err := none.run(context.Background(), model.Params{"backup_path": dir}); !retry.IsNoRetry(err) {
		t.Fatalf("no store error = %v, want no-retry error", err)
	}
}

func TestS3UploaderDisabledWithoutBucket(t *testing.T) {
	t.Parallel()

	up, err := NewS3Uploader(S3Config{})
	if err != nil || up != nil {
		t.Fatalf("NewS3Uploader(empty) = %v, %v; want nil, nil", up, err)
	}
	if _, err := NewS3Uploader(S3Config{Bucket: "b"}); err == nil {
		t.Fatalf("NewS3Uploader without keys should fail")
	}
	up, err = NewS3Uploader(S3Config{Bucket: "b", Prefix: "/cron/", AccessKey: "k", SecretKey: "s", Endpoint: "http://localhost:9000", PathStyle: true})
	if err != nil || up.prefix != "cron" {
		t.Fatalf("NewS3Uploader() = %+v, %v", up, err)
	}
}

func TestBackupPathDefaultsToBackupDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := registry.New()
	if err := reg.Register(Table(Deps{BackupDir: dir})...); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	bound, err := reg.Validate("backup_database", model.Params{})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if bound["backup_path"] != dir || bound["compress"] != true {
		t.Fatalf("bound = %v, want backup_path %s and compress true", bound, dir)
	}
}
