package builtin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"cronhub/internal/task/model"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

var purchaseColumns = []string{"Customer Name", "Product Name", "Price", "Purchase Date"}

type spreadsheetStats struct {
	TotalRecords    int     `json:"total_records"`
	TotalAmount     float64 `json:"total_amount"`
	TotalTax        float64 `json:"total_tax"`
	TotalWithTax    float64 `json:"total_with_tax"`
	TaxRate         float64 `json:"tax_rate"`
	UniqueCustomers int     `json:"unique_customers"`
	UniqueProducts  int     `json:"unique_products"`
}

type spreadsheetResult struct {
	InputFile  string           `json:"input_file"`
	OutputFile string           `json:"output_file"`
	Statistics spreadsheetStats `json:"statistics"`
}

// rowSource yields rows as strings and io.EOF after the last one.
type rowSource interface {
	next() ([]string, error)
	close() error
}

// rowSink receives the header once, then one call per data row.
type rowSink interface {
	header(cols []string) error
	row(rec []string, price, tax, total float64) error
	// commit flushes the finished sheet to the writer the sink was made with.
	commit() error
	close() error
}

func isWorkbook(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return false
}

func processSpreadsheet(ctx context.Context, log logx.Logger, p model.Params) (any, error) {
	in, err := requireStr(p, "input_file_path")
	if err != nil {
		return nil, err
	}
	out, err := requireStr(p, "output_file_path")
	if err != nil {
		return nil, err
	}
	rate := num(p, "tax_rate", 0.1)
	if rate < 0 || math.IsNaN(rate) {
		return nil, retry.NoRetry(fmt.Errorf("tax_rate must be a non-negative number, got %v", rate))
	}

	src, err := openRows(in)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, retry.NoRetry(err)
		}
		return nil, err
	}
	defer src.close()

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, err
	}
	tmp := out + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	var sink rowSink
	if isWorkbook(out) {
		sink = newXLSXSink(dst)
	} else {
		sink = &csvSink{w: csv.NewWriter(dst)}
	}
	defer sink.close()
	stats, err := addTax(ctx, src, sink, rate)
	if err == nil {
		err = sink.commit()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, out); err != nil {
		return nil, err
	}

	log.Info("spreadsheet processed", logx.String("input", in), logx.String("output", out), logx.Int("records", stats.TotalRecords))
	return spreadsheetResult{InputFile: in, OutputFile: out, Statistics: stats}, nil
}

// addTax copies src to sink with Tax and "Total with Tax" columns appended.
func addTax(ctx context.Context, src rowSource, sink rowSink, rate float64) (spreadsheetStats, error) {
	stats := spreadsheetStats{TaxRate: rate}
	header, err := src.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return stats, retry.NoRetry(errors.New("input file is empty"))
		}
		return stats, retry.NoRetry(fmt.Errorf("read header: %w", err))
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, c := range purchaseColumns {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return stats, retry.NoRetry(fmt.Errorf("missing columns in input file: %s", strings.Join(missing, ", ")))
	}

	if err := sink.header(append(header, "Tax", "Total with Tax")); err != nil {
		return stats, err
	}
	customers := map[string]struct{}{}
	products := map[string]struct{}{}
	for line := 2; ; line++ {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		rec, err := src.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, retry.NoRetry(err)
		}
		// Workbooks drop trailing empty cells.
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		raw := rec[idx["Price"]]
		price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return stats, retry.NoRetry(fmt.Errorf("line %d: invalid Price %q", line, raw))
		}
		tax := price * rate
		if err := sink.row(rec, price, tax, price+tax); err != nil {
			return stats, err
		}
		stats.TotalRecords++
		stats.TotalAmount += price
		stats.TotalTax += tax
		customers[rec[idx["Customer Name"]]] = struct{}{}
		products[rec[idx["Product Name"]]] = struct{}{}
	}

	stats.TotalWithTax = round2(stats.TotalAmount + stats.TotalTax)
	stats.TotalAmount = round2(stats.TotalAmount)
	stats.TotalTax = round2(stats.TotalTax)
	stats.UniqueCustomers = len(customers)
	stats.UniqueProducts = len(products)
	return stats, nil
}

func openRows(path string) (rowSource, error) {
	if isWorkbook(path) {
		src, err := openXLSX(path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return &csvSource{f: f, r: r}, nil
}

// ---- CSV ----

type csvSource struct {
	f     *os.File
	r     *csv.Reader
	width int
}

func (s *csvSource) next() ([]string, error) {
	rec, err := s.r.Read()
	if err != nil {
		return nil, err
	}
	if s.width == 0 {
		s.width = len(rec)
	} else if len(rec) != s.width {
		line, _ := s.r.FieldPos(0)
		return nil, fmt.Errorf("line %d: %d fields, want %d", line, len(rec), s.width)
	}
	return rec, nil
}

func (s *csvSource) close() error { return s.f.Close() }

type csvSink struct {
	w *csv.Writer
}

func (s *csvSink) header(cols []string) error { return s.w.Write(cols) }

func (s *csvSink) row(rec []string, _, tax, total float64) error {
	return s.w.Write(append(rec, money(tax), money(total)))
}

func (s *csvSink) commit() error {
	s.w.Flush()
	return s.w.Error()
}

func (s *csvSink) close() error { return nil }

// ---- XLSX ----

type xlsxSource struct {
	f    *excelize.File
	rows *excelize.Rows
}

func openXLSX(path string) (*xlsxSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, retry.NoRetry(errors.New("workbook has no sheets"))
	}
	rows, err := f.Rows(f.GetSheetName(f.GetActiveSheetIndex()))
	if err != nil {
		_ = f.Close()
		return nil, retry.NoRetry(fmt.Errorf("read workbook: %w", err))
	}
	return &xlsxSource{f: f, rows: rows}, nil
}

func (s *xlsxSource) next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.rows.Columns()
}

func (s *xlsxSource) close() error {
	_ = s.rows.Close()
	return s.f.Close()
}

const xlsxSheet = "Sheet1"

type xlsxSink struct {
	out      io.Writer
	f        *excelize.File
	sw       *excelize.StreamWriter
	err      error
	n        int
	priceCol int
}

func newXLSXSink(out io.Writer) *xlsxSink {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	return &xlsxSink{out: out, f: f, sw: sw, err: err, priceCol: -1}
}

func (s *xlsxSink) setRow(cells []any) error {
	if s.err != nil {
		return s.err
	}
	s.n++
	cell, err := excelize.CoordinatesToCellName(1, s.n)
	if err != nil {
		return err
	}
	return s.sw.SetRow(cell, cells)
}

func (s *xlsxSink) header(cols []string) error {
	cells := make([]any, len(cols))
	for i, c := range cols {
		cells[i] = c
		if strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")) == "Price" {
			s.priceCol = i
		}
	}
	return s.setRow(cells)
}

// row keeps Price, Tax and the total numeric so the sheet can sum them.
func (s *xlsxSink) row(rec []string, price, tax, total float64) error {
	cells := make([]any, 0, len(rec)+2)
	for i, v := range rec {
		if i == s.priceCol {
			cells = append(cells, price)
			continue
		}
		cells = append(cells, v)
	}
	return s.setRow(append(cells, round2(tax), round2(total)))
}

func (s *xlsxSink) close() error { return s.f.Close() }

func (s *xlsxSink) commit() error {
	if s.err != nil {
		return s.err
	}
	if err := s.sw.Flush(); err != nil {
		return err
	}
	return s.f.Write(s.out)
}

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
