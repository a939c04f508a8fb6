package report

import (
	"encoding/xml"
	"fmt"
	"io"
)

type junitSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	XMLName xml.Name     `xml:"testsuite"`
	Name    string       `xml:"name,attr"`
	Cases   []junitCase  `xml:"testcase"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitCase struct {
	Name      string    `xml:"name,attr"`
	Classname string    `xml:"classname,attr"`
	Failures  []xmlNode `xml:"failure"`
	Errors    []xmlNode `xml:"error"`
	Skipped   *xmlNode  `xml:"skipped"`
}

type xmlNode struct {
	Message string `xml:"message,attr"`
}

// ParseJUnit counts test cases in a JUnit XML document. Both <testsuites>
// and bare <testsuite> roots are accepted, and nested suites are flattened.
func ParseJUnit(r io.Reader) (TestSummary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return TestSummary{}, fmt.Errorf("read junit: %w", err)
	}

	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return TestSummary{}, fmt.Errorf("parse junit: %w", err)
	}

	var suites []junitSuite
	switch root.XMLName.Local {
	case "testsuites":
		var doc junitSuites
		if err := xml.Unmarshal(data, &doc); err != nil {
			return TestSummary{}, fmt.Errorf("parse junit: %w", err)
		}
		suites = doc.Suites
	case "testsuite":
		var doc junitSuite
		if err := xml.Unmarshal(data, &doc); err != nil {
			return TestSummary{}, fmt.Errorf("parse junit: %w", err)
		}
		suites = []junitSuite{doc}
	default:
		return TestSummary{}, fmt.Errorf("parse junit: unexpected root element <%s>", root.XMLName.Local)
	}

	var summary TestSummary
	for _, suite := range suites {
		summary = summary.Add(countSuite(suite))
	}
	return summary, nil
}

func countSuite(suite junitSuite) TestSummary {
	var s TestSummary
	for _, tc := range suite.Cases {
		s.Total++
		switch {
		case len(tc.Failures) > 0 || len(tc.Errors) > 0:
			s.Failed++
		case tc.Skipped != nil:
			s.Skipped++
		default:
			s.Passed++
		}
	}
	for _, nested := range suite.Suites {
		s = s.Add(countSuite(nested))
	}
	return s
}
