// Package review is the automated pre-check run on every deliverable before
// an employer sees it. Evaluate is a pure function of its input.
package review

import (
	"fmt"
	"strings"

	"escrowline/internal/integrity"
)

const DefaultMaxSizeMB = 50

const (
	ReasonIntegrity = "integrity check failed"
	ReasonPolicy    = "submission failed automated review"

	IssueEmpty          = "File is empty"
	IssueTypeNotAllowed = "File type not allowed. Please use common document, image, or code files."
	IssueDangerousName  = "File name contains potentially dangerous content"
)

var allowedExtensions = []string{
	".pdf", ".zip", ".tar.gz", ".rar",
	".png", ".jpg", ".jpeg", ".gif", ".webp",
	".txt", ".md", ".doc", ".docx",
	".py", ".js", ".ts", ".html", ".css",
	".json", ".xml", ".csv",
}

var dangerousPatterns = []string{"../", `..\`, "<script", "javascript:"}

type Input struct {
	FileName     string
	SizeBytes    int64
	Integrity    integrity.Result
	MaxSizeBytes int64
}

type Verdict struct {
	Approved bool     `json:"approved"`
	Reason   string   `json:"reason,omitempty"`
	Issues   []string `json:"issues"`
}

// Evaluate runs the checks in order. Only an integrity failure stops early;
// every other check contributes to the issue list.
func Evaluate(in Input) Verdict {
	if !in.Integrity.Valid() {
		return Verdict{Reason: ReasonIntegrity, Issues: []string{in.Integrity.Reason()}}
	}
	max := in.MaxSizeBytes
	if max <= 0 {
		max = DefaultMaxSizeMB << 20
	}
	issues := []string{}
	if in.SizeBytes <= 0 {
		issues = append(issues, IssueEmpty)
	}
	if in.SizeBytes > max {
		issues = append(issues, fmt.Sprintf("File size exceeds %dMB limit", max>>20))
	}
	name := strings.ToLower(in.FileName)
	if !hasAllowedExtension(name) {
		issues = append(issues, IssueTypeNotAllowed)
	}
	for _, p := range dangerousPatterns {
		if strings.Contains(name, p) {
			issues = append(issues, IssueDangerousName)
			break
		}
	}
	if len(issues) > 0 {
		return Verdict{Reason: ReasonPolicy, Issues: issues}
	}
	return Verdict{Approved: true, Issues: issues}
}

func hasAllowedExtension(name string) bool {
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// AllowedExtensions returns a copy of the extension allow-list.
func AllowedExtensions() []string {
	return append([]string(nil), allowedExtensions...)
}
