package report

import (
	"encoding/xml"
	"path"
	"strings"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// CheckstyleError is one <error> of a checked file.
type CheckstyleError struct {
	Description  string `json:"description"`
	Severity     string `json:"severity"`
	LineNumber   *int   `json:"line_number,omitempty"`
	ColumnNumber *int   `json:"column_number,omitempty"`
	SourceLine   string `json:"source_line,omitempty"`
	Check        string `json:"check,omitempty"`
}

// Totals counts checkstyle findings.
type Totals struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Issues   int `json:"issues"`
}

func (t *Totals) add(o Totals) {
	t.Errors += o.Errors
	t.Warnings += o.Warnings
	t.Issues += o.Issues
}

// CheckstyleFile is one <file> with its findings.
type CheckstyleFile struct {
	Name   string            `json:"name"`
	Errors []CheckstyleError `json:"errors"`
	Totals Totals            `json:"totals"`
}

// CheckstyleReport aggregates all checked files.
type CheckstyleReport struct {
	Files  []CheckstyleFile `json:"files"`
	Totals Totals           `json:"totals"`
}

type xmlCheckstyleError struct {
	Line     *int   `xml:"line,attr"`
	Column   *int   `xml:"column,attr"`
	Severity string `xml:"severity,attr"`
	Message  string `xml:"message,attr"`
	Source   string `xml:"source,attr"`
}

type xmlCheckstyleFile struct {
	Name   string               `xml:"name,attr"`
	Errors []xmlCheckstyleError `xml:"error"`
}

// ParseCheckstyle parses the <file> elements of one checkstyle XML document.
// sources maps solution file basenames to their contents and is used to quote
// the offending line; inputMount is stripped from reported file names.
func ParseCheckstyle(data []byte, sources map[string]string, inputMount string) (CheckstyleReport, error) {
	var rep CheckstyleReport
	err := decodeElements(data, "file", func(d *xml.Decoder, start xml.StartElement) error {
		var raw xmlCheckstyleFile
		if err := d.DecodeElement(&raw, &start); err != nil {
			return err
		}
		file := raw.toFile(sources, inputMount)
		rep.Files = append(rep.Files, file)
		rep.Totals.add(file.Totals)
		return nil
	})
	if err != nil {
		return CheckstyleReport{}, err
	}
	return rep, nil
}

func (raw xmlCheckstyleFile) toFile(sources map[string]string, inputMount string) CheckstyleFile {
	file := CheckstyleFile{
		Name:   stripMount(raw.Name, inputMount),
		Errors: make([]CheckstyleError, 0, len(raw.Errors)),
	}
	var lines []string
	if src, ok := sources[path.Base(file.Name)]; ok {
		lines = strings.Split(src, "\n")
	}
	for _, e := range raw.Errors {
		ce := CheckstyleError{
			Description:  e.Message,
			Severity:     normalizeSeverity(e.Severity),
			LineNumber:   e.Line,
			ColumnNumber: e.Column,
			Check:        checkName(e.Source),
		}
		if e.Line != nil && *e.Line >= 1 && *e.Line <= len(lines) {
			ce.SourceLine = strings.TrimRight(lines[*e.Line-1], "\r")
		}
		if ce.Severity == SeverityError {
			file.Totals.Errors++
		} else {
			file.Totals.Warnings++
		}
		file.Errors = append(file.Errors, ce)
	}
	file.Totals.Issues = file.Totals.Errors + file.Totals.Warnings
	return file
}

func stripMount(name, mount string) string {
	if mount == "" {
		return name
	}
	mount = strings.TrimSuffix(mount, "/") + "/"
	return strings.TrimPrefix(name, mount)
}

func normalizeSeverity(s string) string {
	if strings.EqualFold(s, SeverityError) {
		return SeverityError
	}
	return SeverityWarning
}

// checkName shortens "com.puppycrawl.tools.checkstyle.checks.naming.MemberNameCheck"
// to "MemberNameCheck".
func checkName(source string) string {
	if i := strings.LastIndexByte(source, '.'); i >= 0 {
		return source[i+1:]
	}
	return source
}
