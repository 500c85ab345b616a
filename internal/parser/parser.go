package parser

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"local-qa-bot/internal/models"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyDocument     = errors.New("document has no text")
	ErrNoDocuments       = errors.New("no readable documents found")
)

var (
	docxParagraphRe = regexp.MustCompile(`</w:p>`)
	docxTextRe      = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	pptxTextRe      = regexp.MustCompile(`<a:t>([^<]*)</a:t>`)
	blankLinesRe    = regexp.MustCompile(`\n{3,}`)
)

// LoadDir reads every file under dir whose name ends with one of extensions.
// Files that cannot be read or decoded are logged and skipped; the run fails
// only when the directory is unreadable or nothing usable was found.
func LoadDir(dir string, extensions []string, encoding string) ([]models.Document, error) {
	paths, err := ListFiles(dir, extensions)
	if err != nil {
		return nil, err
	}

	var docs []models.Document
	for _, p := range paths {
		doc, err := Read(p, encoding)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Skipping document")
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s (extensions %v)", ErrNoDocuments, dir, extensions)
	}
	return docs, nil
}

// ListFiles walks dir and returns matching regular files in lexical order.
func ListFiles(dir string, extensions []string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if HasExtension(path, extensions) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return paths, nil
}

// HasExtension reports whether path ends with one of the suffixes, ignoring case.
func HasExtension(path string, extensions []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range extensions {
		if ext != "" && strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Read extracts the text of a single file. Binary office formats and PDF are
// handled by their libraries; everything else is decoded as text using the
// given encoding.
func Read(path, encoding string) (models.Document, error) {
	var (
		text string
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err = parsePDF(path)
	case ".docx":
		text, err = parseDOCX(path)
	case ".pptx":
		text, err = parsePPTX(path)
	case ".xlsx":
		text, err = parseXLSX(path)
	case ".xlsm", ".xltx", ".xltm":
		text, err = parseExcelize(path)
	case ".doc", ".ppt", ".xls":
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	case ".md", ".markdown":
		text, err = parseMarkdown(path, encoding)
	default:
		text, err = parseText(path, encoding)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if strings.TrimSpace(text) == "" {
		return models.Document{}, fmt.Errorf("%s: %w", path, ErrEmptyDocument)
	}
	return models.Document{Source: path, Content: text}, nil
}

func parseText(path, encoding string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Decode(data, encoding)
}

func parsePDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}
	return text.String(), nil
}

func parseDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	return extractDocxText(r.Editable().GetContent()), nil
}

func extractDocxText(xmlContent string) string {
	var text strings.Builder
	for _, para := range docxParagraphRe.Split(xmlContent, -1) {
		var line strings.Builder
		for _, m := range docxTextRe.FindAllStringSubmatch(para, -1) {
			line.WriteString(m[1])
		}
		if line.Len() > 0 {
			text.WriteString(unescapeXML(line.String()))
			text.WriteString("\n")
		}
	}
	return text.String()
}

func parsePPTX(path string) (string, error) {
	f, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var text strings.Builder
	for _, file := range f.File {
		if !strings.HasPrefix(file.Name, "ppt/slides/slide") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		slide := extractTextFromXML(string(data))
		if strings.TrimSpace(slide) != "" {
			text.WriteString(slide)
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

func extractTextFromXML(xmlContent string) string {
	var parts []string
	for _, m := range pptxTextRe.FindAllStringSubmatch(xmlContent, -1) {
		parts = append(parts, m[1])
	}
	return unescapeXML(strings.Join(parts, " "))
}

func parseXLSX(path string) (string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, sheet := range f.Sheets {
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			text.WriteString(strings.Join(cells, "\t"))
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

func parseExcelize(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var text strings.Builder
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return "", fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}

func collapseBlankLines(s string) string {
	return blankLinesRe.ReplaceAllString(strings.TrimSpace(s), "\n\n")
}

// bytesTrimBOM is shared by the text decoders.
func bytesTrimBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
}
