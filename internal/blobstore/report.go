package blobstore

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"time"

	"github.com/xuri/excelize/v2"
)

// DiscoveryHeader 发现结果表头
var DiscoveryHeader = []string{"Name", "Model", "IpAddress"}

// DiscoveryRow 发现结果中的一行
type DiscoveryRow struct {
	Name      string
	Model     string
	IPAddress string
}

func (r DiscoveryRow) cells() []string {
	return []string{r.Name, r.Model, r.IPAddress}
}

// DiscoveryBlobName 例如 "Camera Discovery 20240501-100000.csv"
func DiscoveryBlobName(t time.Time, ext string) string {
	return fmt.Sprintf("Camera Discovery %s.%s", t.UTC().Format("20060102-150405"), ext)
}

// SnapshotBlobName 例如 "cam-1/20240501-100000.jpg"
func SnapshotBlobName(deviceID string, t time.Time) string {
	return path.Join(deviceID, t.UTC().Format("20060102-150405")+".jpg")
}

// DiscoveryCSV 生成发现结果 CSV
func DiscoveryCSV(rows []DiscoveryRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(DiscoveryHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(r.cells()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write discovery csv: %w", err)
	}
	return buf.Bytes(), nil
}

// DiscoveryWorkbook 生成发现结果 Excel
func DiscoveryWorkbook(rows []DiscoveryRow, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()

	sheetName := "Camera Discovery"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range DiscoveryHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}
	if err := f.SetColWidth(sheetName, "A", "C", 24); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	for i, r := range rows {
		for col, v := range r.cells() {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	f.SetDocProps(&excelize.DocProperties{
		Title:   "Camera Discovery",
		Created: generatedAt.UTC().Format(time.RFC3339),
	})

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	f.Close()
	return buf.Bytes(), nil
}
