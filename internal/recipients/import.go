// Package recipients reads recipient lists uploaded as CSV or XLSX.
package recipients

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/360EntSecGroup-Skylar/excelize"
	"github.com/gocarina/gocsv"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/phone"
)

// phoneColumns are the accepted headers of the number column, case insensitive.
var phoneColumns = []string{"phone", "phone_number", "number", "mobile", "recipient"}

// Recipient one row of an uploaded list.
type Recipient struct {
	Phone string `json:"phone" csv:"phone"`
	Name  string `json:"name" csv:"name"`
}

// List is a parsed upload, split into normalized and rejected numbers.
type List struct {
	Rows    []Recipient `json:"rows"`
	Valid   []string    `json:"valid"`
	Invalid []string    `json:"invalid"`
}

// Parse reads a CSV or XLSX upload, picking the format from the file name.
func Parse(filename string, r io.Reader) (*List, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return ParseCSV(r)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, &domain.ValidationError{Field: "file", Reason: "unsupported file type " + filepath.Ext(filename)}
	}
}

// ParseCSV reads a CSV with a header row.
func ParseCSV(r io.Reader) (*List, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	rows, err := gocsv.CSVToMaps(bytes.NewReader(data))
	if err != nil {
		return nil, &domain.ValidationError{Field: "file", Reason: fmt.Sprintf("read csv: %v", err)}
	}
	return fromMaps(rows)
}

// ParseXLSX reads the first sheet of a workbook; the first row is the header.
func ParseXLSX(r io.Reader) (*List, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &domain.ValidationError{Field: "file", Reason: fmt.Sprintf("read xlsx: %v", err)}
	}
	sheet := f.GetSheetName(1)
	if sheet == "" {
		return nil, &domain.ValidationError{Field: "file", Reason: "workbook has no sheets"}
	}
	grid := f.GetRows(sheet)
	if len(grid) == 0 {
		return nil, &domain.ValidationError{Field: "file", Reason: "empty sheet"}
	}
	header := grid[0]
	rows := make([]map[string]string, 0, len(grid)-1)
	for _, line := range grid[1:] {
		m := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(line) {
				m[h] = line[i]
			}
		}
		rows = append(rows, m)
	}
	return fromMaps(rows)
}

func fromMaps(rows []map[string]string) (*List, error) {
	if len(rows) == 0 {
		return nil, &domain.ValidationError{Field: "file", Reason: "no rows"}
	}
	phoneKey, nameKey := "", ""
	for k := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "name" {
			nameKey = k
		}
		for _, c := range phoneColumns {
			if key == c && phoneKey == "" {
				phoneKey = k
			}
		}
	}
	if phoneKey == "" {
		return nil, &domain.ValidationError{Field: "file", Reason: "missing phone column"}
	}

	list := &List{}
	raws := make([]string, 0, len(rows))
	for _, row := range rows {
		p := strings.TrimSpace(row[phoneKey])
		if p == "" {
			continue
		}
		list.Rows = append(list.Rows, Recipient{Phone: p, Name: strings.TrimSpace(row[nameKey])})
		raws = append(raws, p)
	}
	list.Valid, list.Invalid = phone.Split(raws)
	return list, nil
}

// WriteCSV renders recipients as CSV, the format the upload accepts.
func WriteCSV(w io.Writer, rows []Recipient) error {
	ptrs := make([]*Recipient, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
	}
	return gocsv.Marshal(ptrs, w)
}

// WriteXLSX renders recipients as a single sheet workbook.
func WriteXLSX(w io.Writer, rows []Recipient) error {
	f := excelize.NewFile()
	const sheet = "Sheet1"
	f.SetCellValue(sheet, "A1", "phone")
	f.SetCellValue(sheet, "B1", "name")
	for i, r := range rows {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", i+2), r.Phone)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", i+2), r.Name)
	}
	return f.Write(w)
}
