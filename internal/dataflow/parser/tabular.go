package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

// Only the first sheet is read.
func parseXlsx(ctx context.Context, r io.Reader) ([]ParsedRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rowsToRecords(ctx, rows)
}

func parseCsv(ctx context.Context, r io.Reader) ([]ParsedRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rowsToRecords(ctx, rows)
}

// rowsToRecords treats the first row as the header and serializes every following non-empty row as a
// JSON object keyed by header, in column order. Empty cells and cells beyond the header are left out.
func rowsToRecords(ctx context.Context, rows [][]string) ([]ParsedRecord, error) {
	if len(rows) == 0 {
		return []ParsedRecord{}, nil
	}
	header := make([]string, len(rows[0]))
	for i, name := range rows[0] {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("column%d", i+1)
		}
		header[i] = name
	}

	records := make([]ParsedRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if i%1000 == 0 && ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		payload, ok, err := rowToJson(header, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		records = append(records, ParsedRecord{Sequence: len(records), Payload: payload})
	}
	return records, nil
}

func rowToJson(header []string, row []string) ([]byte, bool, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	written := 0
	for i, cell := range row {
		if i >= len(header) || cell == "" {
			continue
		}
		key, err := json.Marshal(header[i])
		if err != nil {
			return nil, false, errors.WithStack(err)
		}
		value, err := json.Marshal(cell)
		if err != nil {
			return nil, false, errors.WithStack(err)
		}
		if written > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
		written++
	}
	buf.WriteByte('}')
	return buf.Bytes(), written > 0, nil
}
