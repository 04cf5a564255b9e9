// Package report turns the JUnit and Checkstyle XML files a check leaves
// behind into render-ready values.
package report

import (
	"path"
	"sort"

	"inloop/pkg/errors"
)

const (
	JUnitPattern      = "TEST-*.xml"
	CheckstylePattern = "checkstyle*.xml"
)

// Report is the parsed view of a check result.
type Report struct {
	TestSuites []TestSuite       `json:"test_suites"`
	Checkstyle *CheckstyleReport `json:"checkstyle,omitempty"`
}

// Empty reports whether nothing was parsed.
func (r Report) Empty() bool {
	return len(r.TestSuites) == 0 && r.Checkstyle == nil
}

// Parse builds a report from the collected outputs of a check. outputs maps
// file names to contents; sources maps solution basenames to contents.
// Files are visited in name order so that equal inputs give equal reports.
func Parse(outputs, sources map[string]string, inputMount string) (Report, error) {
	var rep Report
	for _, name := range matching(outputs, JUnitPattern) {
		suites, err := ParseJUnit([]byte(outputs[name]))
		if err != nil {
			return Report{}, errors.Wrapf(err, errors.ReportParseFailed, "parse %s: %v", name, err)
		}
		rep.TestSuites = append(rep.TestSuites, suites...)
	}
	for _, name := range matching(outputs, CheckstylePattern) {
		cs, err := ParseCheckstyle([]byte(outputs[name]), sources, inputMount)
		if err != nil {
			return Report{}, errors.Wrapf(err, errors.ReportParseFailed, "parse %s: %v", name, err)
		}
		if rep.Checkstyle == nil {
			rep.Checkstyle = &CheckstyleReport{}
		}
		rep.Checkstyle.Files = append(rep.Checkstyle.Files, cs.Files...)
		rep.Checkstyle.Totals.add(cs.Totals)
	}
	return rep, nil
}

func matching(outputs map[string]string, pattern string) []string {
	var names []string
	for name := range outputs {
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
