package report

import (
	"encoding/xml"
	"regexp"
	"strings"
)

// Complaint is a <failure> or <error> of a test case.
type Complaint struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	ExceptionType string `json:"exception_type"`
	Stacktrace    string `json:"stacktrace"`
}

// TestCase is one <testcase>.
type TestCase struct {
	ClassName string      `json:"classname"`
	Name      string      `json:"name"`
	Time      string      `json:"time"`
	Failures  []Complaint `json:"failures"`
	Errors    []Complaint `json:"errors"`
	DidPass   bool        `json:"did_pass"`
}

// TestSuite is one <testsuite> with its cases.
type TestSuite struct {
	Name      string     `json:"name"`
	Tests     int        `json:"tests"`
	Failures  int        `json:"failures"`
	Errors    int        `json:"errors"`
	Skipped   int        `json:"skipped"`
	Passed    int        `json:"passed"`
	Time      string     `json:"time"`
	SystemOut string     `json:"system_out"`
	SystemErr string     `json:"system_err"`
	Cases     []TestCase `json:"testcases"`
}

type xmlComplaint struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type xmlTestCase struct {
	ClassName string         `xml:"classname,attr"`
	Name      string         `xml:"name,attr"`
	Time      string         `xml:"time,attr"`
	Failures  []xmlComplaint `xml:"failure"`
	Errors    []xmlComplaint `xml:"error"`
}

type xmlTestSuite struct {
	Name      string        `xml:"name,attr"`
	Tests     int           `xml:"tests,attr"`
	Failures  int           `xml:"failures,attr"`
	Errors    int           `xml:"errors,attr"`
	Skipped   int           `xml:"skipped,attr"`
	Time      string        `xml:"time,attr"`
	SystemOut string        `xml:"system-out"`
	SystemErr string        `xml:"system-err"`
	Cases     []xmlTestCase `xml:"testcase"`
}

// Frames of the JVM reflection layer and of the test framework itself.
var stacktraceFilters = []*regexp.Regexp{
	regexp.MustCompile(`^\s*at (java\.base/)?(jdk\.internal\.reflect|java\.lang\.reflect|sun\.reflect)\.`),
	regexp.MustCompile(`^\s*at (org\.junit|org\.opentest4j|org\.gradle|worker\.org\.gradle|org\.apache\.maven\.surefire)\.`),
	regexp.MustCompile(`^\s*at (com\.sun\.proxy|jdk\.proxy\d*)[./]`),
	regexp.MustCompile(`\((NativeMethodAccessorImpl|DelegatingMethodAccessorImpl|DirectMethodHandleAccessor|Method|ReflectionUtils)\.java:\d+\)\s*$`),
}

// FilterStacktrace drops framework-internal frames from a Java stacktrace.
func FilterStacktrace(trace string) string {
	lines := strings.Split(trace, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isInternalFrame(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isInternalFrame(line string) bool {
	for _, re := range stacktraceFilters {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// ParseJUnit parses the <testsuite> elements of one JUnit XML document.
func ParseJUnit(data []byte) ([]TestSuite, error) {
	var suites []TestSuite
	err := decodeElements(data, "testsuite", func(d *xml.Decoder, start xml.StartElement) error {
		var raw xmlTestSuite
		if err := d.DecodeElement(&raw, &start); err != nil {
			return err
		}
		suites = append(suites, raw.toSuite())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return suites, nil
}

func (raw xmlTestSuite) toSuite() TestSuite {
	suite := TestSuite{
		Name:      raw.Name,
		Tests:     raw.Tests,
		Failures:  raw.Failures,
		Errors:    raw.Errors,
		Skipped:   raw.Skipped,
		Passed:    raw.Tests - raw.Failures - raw.Errors,
		Time:      raw.Time,
		SystemOut: raw.SystemOut,
		SystemErr: raw.SystemErr,
		Cases:     make([]TestCase, 0, len(raw.Cases)),
	}
	for _, c := range raw.Cases {
		tc := TestCase{
			ClassName: c.ClassName,
			Name:      c.Name,
			Time:      c.Time,
			Failures:  toComplaints("failure", c.Failures),
			Errors:    toComplaints("error", c.Errors),
		}
		tc.DidPass = len(tc.Failures) == 0 && len(tc.Errors) == 0
		suite.Cases = append(suite.Cases, tc)
	}
	return suite
}

func toComplaints(kind string, raw []xmlComplaint) []Complaint {
	out := make([]Complaint, 0, len(raw))
	for _, r := range raw {
		out = append(out, Complaint{
			Kind:          kind,
			Message:       r.Message,
			ExceptionType: r.Type,
			Stacktrace:    FilterStacktrace(r.Body),
		})
	}
	return out
}
