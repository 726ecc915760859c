// Package feed reads company names out of pension filing extracts. The
// surrounding pipeline hands the resolver either an XLSX sheet or a CSV
// export; both carry a company-name column and optional plan-code context.
package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pension-etl/internal/model"
)

// Options configures how a feed file is read.
type Options struct {
	SheetIndex int    // XLSX only, default 0
	SheetName  string // XLSX only, overrides SheetIndex when set
	SkipRows   int    // header rows to skip
	NameCol    int    // column holding the company name, default 0
	PlanCol    int    // column holding the plan code, -1 to disable
}

// Read loads name inputs from an XLSX or CSV file, dispatching on extension.
// Rows with an empty name cell are skipped. SourceRowRef records the file
// and 1-based row number so results can be tied back to the source record.
func Read(path string, opts Options) ([]model.NameInput, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return readXLSX(path, opts)
	case ".csv":
		return readCSV(path, opts)
	default:
		return nil, eris.Errorf("feed: unsupported file type %q", filepath.Ext(path))
	}
}

func readXLSX(path string, opts Options) ([]model.NameInput, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "feed: open xlsx")
	}

	sheet, err := pickSheet(f, opts)
	if err != nil {
		return nil, err
	}

	var inputs []model.NameInput
	for i, row := range sheet.Rows {
		if i < opts.SkipRows {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		if in, ok := rowInput(cells, path, i+1, opts); ok {
			inputs = append(inputs, in)
		}
	}
	return inputs, nil
}

func readCSV(path string, opts Options) ([]model.NameInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "feed: open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var inputs []model.NameInput
	for i := 0; ; i++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "feed: read csv row %d", i+1)
		}
		if i < opts.SkipRows {
			continue
		}
		if in, ok := rowInput(record, path, i+1, opts); ok {
			inputs = append(inputs, in)
		}
	}
	return inputs, nil
}

func pickSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("feed: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("feed: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowInput(cells []string, path string, rowNum int, opts Options) (model.NameInput, bool) {
	if opts.NameCol >= len(cells) {
		return model.NameInput{}, false
	}
	name := strings.TrimSpace(cells[opts.NameCol])
	if name == "" {
		return model.NameInput{}, false
	}

	in := model.NameInput{
		RawName:      name,
		SourceRowRef: fmt.Sprintf("%s:%d", filepath.Base(path), rowNum),
	}
	if opts.PlanCol >= 0 && opts.PlanCol < len(cells) {
		in.PlanCode = strings.TrimSpace(cells[opts.PlanCol])
	}
	return in, true
}
