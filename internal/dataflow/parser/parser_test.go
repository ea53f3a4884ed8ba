package parser

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

func payloads(records []ParsedRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.Payload)
	}
	return out
}

func TestDetectFileType(t *testing.T) {
	tests := map[string]struct {
		fileName string
		want     domain.FileType
		wantErr  bool
	}{
		"json":           {fileName: "leads.json", want: domain.FileTypeJson},
		"upper case":     {fileName: "LEADS.JSON", want: domain.FileTypeJson},
		"xlsx":           {fileName: "leads.xlsx", want: domain.FileTypeTabular},
		"csv":            {fileName: "leads.csv", want: domain.FileTypeTabular},
		"unknown":        {fileName: "leads.txt", wantErr: true},
		"no extension":   {fileName: "leads", wantErr: true},
		"legacy xls":     {fileName: "leads.xls", wantErr: true},
		"json elsewhere": {fileName: "leads.json.gz", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fileType, err := DetectFileType(tc.fileName)
			if tc.wantErr {
				var invalid *dataflowerrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, fileType)
		})
	}
}

func TestParse_JsonArray(t *testing.T) {
	input := `[ {"name":"a", "n": 1}, {"name":"b"}, 3 ]`
	records, err := Parse(context.Background(), domain.FileTypeJson, "leads.json", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{`{"name":"a", "n": 1}`, `{"name":"b"}`, `3`}, payloads(records))
	for i, r := range records {
		assert.Equal(t, i, r.Sequence)
	}
}

func TestParse_JsonObject(t *testing.T) {
	records, err := Parse(context.Background(), domain.FileTypeJson, "lead.json", strings.NewReader("\n {\"name\":\"a\"}\n"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Sequence)
	assert.Equal(t, `{"name":"a"}`, string(records[0].Payload))
}

func TestParse_JsonEmptyArray(t *testing.T) {
	records, err := Parse(context.Background(), domain.FileTypeJson, "leads.json", strings.NewReader("[]"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestParse_JsonReadFailureAndCancellation(t *testing.T) {
	r := io.MultiReader(strings.NewReader(`[{"n":1},{"n":2},`), iotest.ErrReader(errors.New("connection reset")))
	_, err := Parse(context.Background(), domain.FileTypeJson, "leads.json", r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Parse(ctx, domain.FileTypeJson, "leads.json", strings.NewReader(`[1,2,3]`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_JsonErrorsAreNonRetryable(t *testing.T) {
	for name, input := range map[string]string{
		"scalar":    `"hello"`,
		"malformed": `[{"name":`,
		"empty":     ``,
		"bad obj":   `{"a":}`,
		"unclosed":  `[1, 2`,
		"trailing":  `[1] [2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(context.Background(), domain.FileTypeJson, "leads.json", strings.NewReader(input))
			assert.True(t, dataflowerrors.IsNonRetryable(err))
		})
	}
}

func TestParse_Csv(t *testing.T) {
	input := "name,email,,phone\n" +
		"Ann,ann@example.com,x,555\n" +
		",,,\n" +
		"Bob,,y\n" +
		"Cy,cy@example.com,z,1,extra\n"
	records, err := Parse(context.Background(), domain.FileTypeTabular, "leads.csv", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{
		`{"name":"Ann","email":"ann@example.com","column3":"x","phone":"555"}`,
		`{"name":"Bob","column3":"y"}`,
		`{"name":"Cy","email":"cy@example.com","column3":"z","phone":"1"}`,
	}, payloads(records))
	assert.Equal(t, 2, records[2].Sequence)
}

func TestParse_CsvHeaderOnly(t *testing.T) {
	records, err := Parse(context.Background(), domain.FileTypeTabular, "leads.csv", strings.NewReader("name,email\n"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestParse_Xlsx(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetList()[0]
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"name", "score"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"Ann", 10}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]interface{}{"Bob", "n/a"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := Parse(context.Background(), domain.FileTypeTabular, "leads.xlsx", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{
		`{"name":"Ann","score":"10"}`,
		`{"name":"Bob","score":"n/a"}`,
	}, payloads(records))
	assert.Equal(t, 0, records[0].Sequence)
	assert.Equal(t, 1, records[1].Sequence)
}

func TestParse_MalformedXlsx(t *testing.T) {
	_, err := Parse(context.Background(), domain.FileTypeTabular, "leads.xlsx", strings.NewReader("not a zip"))
	assert.True(t, dataflowerrors.IsNonRetryable(err))
}
