package syntax

import (
	"path/filepath"
	"strings"
)

// CommentSyntax describes how a comment is written in a given file type.
// Block-style languages set Start and End; line-style languages set Line.
type CommentSyntax struct {
	Start string
	End   string
	Line  string
}

// IsBlock returns true if the syntax wraps the header in a single block comment
func (s CommentSyntax) IsBlock() bool {
	return s.End != ""
}

var (
	slashes = CommentSyntax{Line: "//"}
	hash    = CommentSyntax{Line: "#"}
	html    = CommentSyntax{Start: "<!--", End: "-->"}
	css     = CommentSyntax{Start: "/*", End: "*/"}
)

var table = map[string]CommentSyntax{
	".js":   slashes,
	".jsx":  slashes,
	".ts":   slashes,
	".tsx":  slashes,
	".py":   hash,
	".java": slashes,
	".cpp":  slashes,
	".h":    slashes,
	".c":    slashes,
	".cs":   slashes,
	".html": html,
	".css":  css,
	".yml":  hash,
	".yaml": hash,
	".sh":   hash,
}

// SupportedExtensions are the file extensions that can carry a header, in
// the order they are documented.
var SupportedExtensions = []string{
	".js", ".jsx", ".ts", ".tsx", ".py", ".java", ".cpp", ".h", ".c",
	".cs", ".html", ".css", ".yml", ".yaml", ".sh",
}

// Lookup returns the comment syntax for path. The second return value is
// false when the extension is not supported.
func Lookup(path string) (CommentSyntax, bool) {
	s, ok := table[strings.ToLower(filepath.Ext(path))]
	return s, ok
}

// Supported returns true if the file has an extension that can carry a header
func Supported(path string) bool {
	_, ok := Lookup(path)
	return ok
}
