// Package export 將結果列表輸出為 CSV
//
// 格式：一行不加引號的固定表頭，之後每筆結果一行，每個欄位都以雙引號包住，
// 欄位內的雙引號重複一次；行與行之間以 "\n" 連接，檔尾不加換行。
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

// Columns 固定的欄位順序
var Columns = []string{
	"run_id",
	"timestamp",
	"subject",
	"location",
	"status",
	"featured_seller",
	"is_own_seller",
	"quantity_available",
	"retry_count",
	"notes",
	"url",
}

// Row 一筆結果對應的欄位值，順序同 Columns
func Row(r types.Result) []string {
	return []string{
		r.RunID,
		r.Timestamp.UTC().Format(time.RFC3339),
		string(r.Subject),
		string(r.Location),
		string(r.Status),
		r.FeaturedSeller,
		strconv.FormatBool(r.IsOwnSeller),
		r.QuantityAvailable,
		strconv.Itoa(r.RetryCount),
		r.Notes,
		r.URL,
	}
}

// Quote 以雙引號包住欄位並將內部的雙引號加倍
func Quote(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

// CSV 產生完整的 CSV 內容
func CSV(results []types.Result) string {
	lines := make([]string, 0, len(results)+1)
	lines = append(lines, strings.Join(Columns, ","))
	for _, r := range results {
		row := Row(r)
		for i, f := range row {
			row[i] = Quote(f)
		}
		lines = append(lines, strings.Join(row, ","))
	}
	return strings.Join(lines, "\n")
}

// Write 將結果寫入 w，回傳寫入的資料列數
func Write(w io.Writer, results []types.Result) (int, error) {
	if _, err := io.WriteString(w, CSV(results)); err != nil {
		return 0, fmt.Errorf("write csv: %w", err)
	}
	return len(results), nil
}

// DefaultFilename geo-sampler_<YYYY-MM-DD>.csv
func DefaultFilename(now time.Time) string {
	return fmt.Sprintf("geo-sampler_%s.csv", now.Format("2006-01-02"))
}
