package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// A top-level array yields one record per element and a top-level object yields a single record.
// Arrays are streamed element by element. Element bytes are kept as they appear in the file.
func parseJson(ctx context.Context, r io.Reader) ([]ParsedRecord, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, errors.New("file is empty")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	dec := json.NewDecoder(br)
	var records []ParsedRecord
	switch first {
	case '[':
		if _, err := dec.Token(); err != nil {
			return nil, errors.WithStack(err)
		}
		for dec.More() {
			if len(records)%1000 == 0 && ctx.Err() != nil {
				return nil, errors.WithStack(ctx.Err())
			}
			var element json.RawMessage
			if err := dec.Decode(&element); err != nil {
				return nil, errors.WithStack(err)
			}
			records = append(records, ParsedRecord{Sequence: len(records), Payload: element})
		}
		if _, err := dec.Token(); err != nil {
			return nil, errors.WithStack(err)
		}
	case '{':
		var object json.RawMessage
		if err := dec.Decode(&object); err != nil {
			return nil, errors.WithStack(err)
		}
		records = []ParsedRecord{{Sequence: 0, Payload: object}}
	default:
		return nil, errors.New("top-level json value must be an array or an object")
	}

	if _, err := dec.Token(); err != io.EOF {
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return nil, errors.New("unexpected data after top-level json value")
	}
	if records == nil {
		records = []ParsedRecord{}
	}
	return records, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
		default:
			return b, br.UnreadByte()
		}
	}
}
