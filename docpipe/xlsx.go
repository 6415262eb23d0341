package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// XLSXParser reads the first worksheet of a workbook. The first non-empty
// row is the header; other sheets are ignored. Cells are read as displayed,
// except date-formatted numbers, which become 2006-01-02 (plus 15:04:05
// when the serial carries a time of day).
type XLSXParser struct{}

func (XLSXParser) Parse(ctx context.Context, a Artifact) (*RecordSet, error) {
	f, err := excelize.OpenReader(bytes.NewReader(a.Data))
	if err != nil {
		return nil, newError(ErrParse, FormatXLSX, -1, "open workbook").wrap(err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, newError(ErrNoExtractableData, FormatXLSX, -1, "workbook has no sheets")
	}
	sheet := sheets[0]
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, newError(ErrParse, FormatXLSX, -1, "read sheet "+sheet).wrap(err)
	}
	dates, err := newDateCells(f, sheet)
	if err != nil {
		return nil, newError(ErrParse, FormatXLSX, -1, "read sheet "+sheet).wrap(err)
	}

	var fields []string
	b := newBuilder(FormatXLSX)
	for i, row := range rows {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		if blankRow(row) {
			continue
		}
		loc := func(col int) string { return cellName(sheet, col, i+1) }
		if fields == nil {
			fields, err = normalizeHeader(FormatXLSX, trimTrailingBlank(row), loc)
			if err != nil {
				return nil, err
			}
			for _, name := range fields {
				b.addField(name)
			}
			continue
		}
		values := make(map[string]Value, len(fields))
		for col, cell := range row {
			if col >= len(fields) {
				if strings.TrimSpace(cell) != "" {
					return nil, newError(ErrStructural, FormatXLSX, -1,
						fmt.Sprintf("value beyond the %d header columns", len(fields))).at(loc(col))
				}
				continue
			}
			if cell == "" {
				values[fields[col]] = Null()
			} else {
				values[fields[col]] = String(dates.value(i, col, cell))
			}
		}
		b.addRow(values)
	}
	if fields == nil {
		return nil, newError(ErrNoExtractableData, FormatXLSX, -1, "sheet "+sheet+" is empty")
	}
	return b.build()
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimTrailingBlank(row []string) []string {
	n := len(row)
	for n > 0 && strings.TrimSpace(row[n-1]) == "" {
		n--
	}
	return row[:n]
}

func cellName(sheet string, col, row int) string {
	name, err := excelize.CoordinatesToCellName(col+1, row)
	if err != nil {
		return fmt.Sprintf("%s row %d", sheet, row)
	}
	return sheet + "!" + name
}

// dateCells resolves date-formatted cells to ISO dates. The displayed text
// of such a cell follows the workbook's number format ("01-02-24" for the
// built-in short date), which no date rule can rely on.
type dateCells struct {
	f        *excelize.File
	sheet    string
	raw      [][]string
	date1904 bool
	isDate   map[int]bool // style index
}

func newDateCells(f *excelize.File, sheet string) (*dateCells, error) {
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, err
	}
	d := &dateCells{f: f, sheet: sheet, raw: raw, isDate: make(map[int]bool)}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		d.date1904 = *props.Date1904
	}
	return d, nil
}

// value returns shown unless the cell at row, col (zero-based) holds a
// serial number under a date format.
func (d *dateCells) value(row, col int, shown string) string {
	if row >= len(d.raw) || col >= len(d.raw[row]) {
		return shown
	}
	raw := d.raw[row][col]
	if raw == shown {
		return shown
	}
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return shown
	}
	name, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return shown
	}
	style, err := d.f.GetCellStyle(d.sheet, name)
	if err != nil || !d.dateStyle(style) {
		return shown
	}
	t, err := excelize.ExcelDateToTime(serial, d.date1904)
	if err != nil {
		return shown
	}
	t = t.Round(time.Second)
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:04:05")
}

func (d *dateCells) dateStyle(idx int) bool {
	if v, ok := d.isDate[idx]; ok {
		return v
	}
	v := false
	if st, err := d.f.GetStyle(idx); err == nil {
		if st.CustomNumFmt != nil {
			v = isDateFormatCode(*st.CustomNumFmt)
		} else {
			v = isDateNumFmt(st.NumFmt)
		}
	}
	d.isDate[idx] = v
	return v
}

// isDateNumFmt reports built-in formats that show a calendar date. Pure
// time and duration formats are left as displayed.
func isDateNumFmt(id int) bool {
	switch {
	case id >= 14 && id <= 17, id == 22:
		return true
	case id >= 27 && id <= 31, id >= 50 && id <= 58:
		return true
	}
	return false
}

// isDateFormatCode reports custom formats with a year or day token outside
// literals and bracketed sections.
func isDateFormatCode(code string) bool {
	var quoted, bracketed, escaped bool
	for _, r := range strings.ToLower(code) {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '[':
			bracketed = true
		case r == ']':
			bracketed = false
		case bracketed:
		case r == 'y', r == 'd':
			return true
		}
	}
	return false
}
