package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{
	"run_id", "kind", "record_id", "status", "class", "overdue", "detail",
	"fiat_ref", "fiat_amount", "chain_tx_id", "token_amount", "created_at",
}

// writeReport stores the findings of a run as CSV and Parquet under dir.
func writeReport(dir string, report *Report) ([]string, error) {
	runDir := filepath.Join(dir, fmt.Sprintf("%s_%s", report.Start.Format("20060102T1504"), report.End.Format("20060102T1504")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	base := filepath.Join(runDir, "findings_"+report.RunID[:8])
	csvPath := base + ".csv"
	if err := writeCSV(csvPath, report); err != nil {
		return nil, err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, report); err != nil {
		return nil, err
	}
	return []string{csvPath, parquetPath}, nil
}

func writeCSV(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, f := range report.Findings {
		record := []string{
			report.RunID,
			f.Kind,
			f.RecordID,
			f.Status,
			string(f.Class),
			strconv.FormatBool(f.Overdue),
			f.Detail,
			f.FiatRef,
			f.FiatAmount,
			f.ChainTxID,
			f.TokenAmount,
			formatTime(f.CreatedAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RunID       string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind        string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordID    string `parquet:"name=record_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Class       string `parquet:"name=class, type=BYTE_ARRAY, convertedtype=UTF8"`
	Overdue     bool   `parquet:"name=overdue, type=BOOLEAN"`
	Detail      string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatRef     string `parquet:"name=fiat_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatAmount  string `parquet:"name=fiat_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainTxID   string `parquet:"name=chain_tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenAmount string `parquet:"name=token_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, report *Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, f := range report.Findings {
		row := &parquetRow{
			RunID:       report.RunID,
			Kind:        f.Kind,
			RecordID:    f.RecordID,
			Status:      f.Status,
			Class:       string(f.Class),
			Overdue:     f.Overdue,
			Detail:      f.Detail,
			FiatRef:     f.FiatRef,
			FiatAmount:  f.FiatAmount,
			ChainTxID:   f.ChainTxID,
			TokenAmount: f.TokenAmount,
			CreatedAt:   formatTime(f.CreatedAt),
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
