// Package parser turns an uploaded file into an ordered list of JSON records.
package parser

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

// ParsedRecord is one logical record of a file. Sequence is its zero-based position in the file.
type ParsedRecord struct {
	Sequence int
	Payload  []byte
}

// DetectFileType maps a file name to the parser used for it.
func DetectFileType(fileName string) (domain.FileType, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".json":
		return domain.FileTypeJson, nil
	case ".xlsx", ".csv":
		return domain.FileTypeTabular, nil
	default:
		return "", errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "fileName",
			Value:   fileName,
			Message: "unsupported file extension; expected .json, .xlsx or .csv",
		})
	}
}

// Parse reads the whole of r. Any failure is an ErrNonRetryable: the same file will never parse.
func Parse(ctx context.Context, fileType domain.FileType, fileName string, r io.Reader) ([]ParsedRecord, error) {
	var records []ParsedRecord
	var err error
	switch fileType {
	case domain.FileTypeJson:
		records, err = parseJson(ctx, r)
	case domain.FileTypeTabular:
		if strings.EqualFold(filepath.Ext(fileName), ".csv") {
			records, err = parseCsv(ctx, r)
		} else {
			records, err = parseXlsx(ctx, r)
		}
	default:
		err = errors.Errorf("file type %q is not supported", fileType)
	}
	if err != nil {
		return nil, errors.WithStack(&dataflowerrors.ErrNonRetryable{Reason: "failed to parse " + fileName, Err: err})
	}
	return records, nil
}
