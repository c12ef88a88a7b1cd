// Package bulkimport creates accounts in bulk from CSV or XLSX uploads.
package bulkimport

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/cases"
	textunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/bcef-innovation/identity-core/internal/shared"
)

// Format identifies the tabular encoding of an upload.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromFilename picks the format from the file extension.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}
	return "", shared.InvalidField("file", "unsupported file type, expected .csv or .xlsx")
}

// Row is one data row keyed by canonical column name.
type Row struct {
	// Line is the 1-based physical line; the header is line 1.
	Line   int
	Values map[string]string
}

// Get returns the trimmed cell for column.
func (r Row) Get(column string) string {
	return r.Values[column]
}

// Blank reports whether every cell is empty.
func (r Row) Blank() bool {
	for _, v := range r.Values {
		if v != "" {
			return false
		}
	}
	return true
}

// Table is a parsed upload.
type Table struct {
	Columns []string
	Rows    []Row
}

// HasColumn reports whether the header contains column.
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// MissingColumns returns the required columns absent from the header.
func (t *Table) MissingColumns(required []string) []string {
	var missing []string
	for _, c := range required {
		if !t.HasColumn(CanonicalColumn(c)) {
			missing = append(missing, CanonicalColumn(c))
		}
	}
	return missing
}

// columnAliases maps folded locale header names to canonical columns.
var columnAliases = map[string]string{
	"nom":             "last_name",
	"lastname":        "last_name",
	"prenom":          "first_name",
	"firstname":       "first_name",
	"mail":            "email",
	"e_mail":          "email",
	"courriel":        "email",
	"telephone":       "phone",
	"tel":             "phone",
	"filiere":         "field_of_study",
	"specialite":      "specialty",
	"speciality":      "specialty",
	"universite":      "university",
	"adresse":         "address",
	"role":            "role",
	"email_encadrant": "supervisor_email",
	"encadrant":       "supervisor_email",
}

// CanonicalColumn folds case and accents, joins words with underscores and
// resolves locale aliases.
func CanonicalColumn(header string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), header)
	if err != nil {
		stripped = header
	}
	folded := cases.Fold().String(strings.TrimSpace(stripped))
	folded = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return '_'
		}
		return r
	}, folded)
	if alias, ok := columnAliases[folded]; ok {
		return alias
	}
	return folded
}

// Parse reads a table in the given format.
func Parse(format Format, r io.Reader) (*Table, error) {
	switch format {
	case FormatCSV:
		return ParseCSV(r)
	case FormatXLSX:
		return ParseXLSX(r)
	}
	return nil, shared.InvalidField("file", "unsupported file type")
}

// ParseCSV reads comma or semicolon separated text, with or without a UTF-8
// byte order mark.
func ParseCSV(r io.Reader) (*Table, error) {
	decoded := transform.NewReader(r, textunicode.BOMOverride(textunicode.UTF8.NewDecoder()))
	br := bufio.NewReader(decoded)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("bulkimport: read csv: %w", err)
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.Comma = sniffDelimiter(head)

	var (
		records [][]string
		lines   []int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, shared.InvalidField("file", "malformed csv: "+err.Error())
		}
		// Physical line of the record start; blank lines are skipped.
		line, _ := reader.FieldPos(0)
		records = append(records, record)
		lines = append(lines, line)
	}
	return buildTable(records, lines)
}

func sniffDelimiter(head []byte) rune {
	firstLine, _, _ := bytes.Cut(head, []byte("\n"))
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		return ';'
	}
	return ','
}

// ParseXLSX reads the first worksheet of a workbook.
func ParseXLSX(r io.Reader) (*Table, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, shared.InvalidField("file", "unreadable spreadsheet")
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, shared.InvalidField("file", "spreadsheet has no worksheet")
	}
	records, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, shared.InvalidField("file", "unreadable worksheet")
	}
	return buildTable(records, nil)
}

// buildTable keys rows by lines[i] when given, else by worksheet row.
func buildTable(records [][]string, lines []int) (*Table, error) {
	if len(records) == 0 {
		return nil, shared.InvalidField("file", "file is empty")
	}
	columns := make([]string, len(records[0]))
	for i, h := range records[0] {
		columns[i] = CanonicalColumn(h)
	}
	table := &Table{Columns: columns, Rows: make([]Row, 0, len(records)-1)}
	for i, record := range records[1:] {
		values := make(map[string]string, len(columns))
		for j, col := range columns {
			if col == "" {
				continue
			}
			cell := ""
			if j < len(record) {
				cell = strings.TrimSpace(record[j])
			}
			if _, dup := values[col]; dup && cell == "" {
				continue
			}
			values[col] = cell
		}
		line := i + 2
		if lines != nil {
			line = lines[i+1]
		}
		table.Rows = append(table.Rows, Row{Line: line, Values: values})
	}
	return table, nil
}
