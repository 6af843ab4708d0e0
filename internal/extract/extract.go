// Package extract pulls plain text out of uploaded files so their content
// can be fed to the language model as part of a conversation.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// MIME types accepted by the ingestion pipeline, grouped the way the
// validation rules treat them.
var (
	ImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	TextTypes  = []string{"text/plain", "text/markdown", "text/csv"}

	TypePDF  = "application/pdf"
	TypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	TypePptx = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
)

// Text extracts plain text from the given file bytes according to its MIME
// type. Formats the model consumes directly (PDF, images) and formats with no
// reliable text representation (PPTX) yield a Hebrew placeholder note instead
// of content. Unsupported types return an error.
func Text(fileType, fileName string, data []byte) (string, error) {
	switch {
	case fileType == TypeDocx:
		text, err := docxText(data)
		if err != nil {
			return "", fmt.Errorf("failed to extract docx text: %w", err)
		}
		return strings.TrimSpace(text), nil

	case fileType == TypeXlsx:
		text, err := xlsxText(data)
		if err != nil {
			return "", fmt.Errorf("failed to extract xlsx text: %w", err)
		}
		return strings.TrimSpace(text), nil

	case fileType == TypePptx:
		return fmt.Sprintf("[קובץ PowerPoint: %s]\nהקובץ מכיל מצגת שאינה ניתנת לעיבוד טקסט אוטומטי.", fileName), nil

	case fileType == TypePDF:
		return fmt.Sprintf("[קובץ PDF: %s]\nהקובץ יועבר ישירות למודל לעיבוד.", fileName), nil

	case contains(TextTypes, fileType):
		return strings.TrimSpace(string(data)), nil

	case contains(ImageTypes, fileType):
		return fmt.Sprintf("[תמונה: %s]\nהתמונה תועבר למודל לניתוח ויזואלי.", fileName), nil

	default:
		return "", fmt.Errorf("סוג קובץ לא נתמך לעיבוד טקסט: %s", fileType)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// xlsxText renders each sheet as comma-separated rows under a sheet header,
// mirroring the per-sheet CSV sections the browser app produced.
func xlsxText(data []byte) (string, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer wb.Close()

	var sections []string
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, row := range rows {
			sb.WriteString(strings.Join(row, ","))
			sb.WriteString("\n")
		}
		if strings.TrimSpace(sb.String()) != "" {
			sections = append(sections, fmt.Sprintf("=== %s ===\n%s", sheet, sb.String()))
		}
	}
	return strings.Join(sections, "\n\n"), nil
}

// docxText reads the text runs out of word/document.xml. A docx file is a zip
// archive; <w:t> elements hold the text and </w:p> closes a paragraph.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return "", err
			}
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("word/document.xml not found")
	}
	defer doc.Close()

	dec := xml.NewDecoder(doc)
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}
