package header

import (
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/copyrightd/internal/syntax"
)

// Marker identifies a file that already carries a header
const Marker = "Copyright Header"

// scanLines is how many leading lines HasHeader inspects
const scanLines = 10

const (
	yearPlaceholder = "{{YEAR}}"
	datePlaceholder = "{{DATE}}"
	ownerIDPrefix   = "OWNER_ID: "
)

// HasHeader returns true if Marker appears within the first ten lines of content
func HasHeader(content string) bool {
	lines := strings.SplitN(content, "\n", scanLines+1)
	if len(lines) > scanLines {
		lines = lines[:scanLines]
	}
	for _, line := range lines {
		if strings.Contains(line, Marker) {
			return true
		}
	}
	return false
}

// Composer builds header blocks. Now is called once per Compose; dates are
// rendered in UTC.
type Composer struct {
	Now func() time.Time
}

// NewComposer creates a composer using the wall clock
func NewComposer() *Composer {
	return &Composer{Now: time.Now}
}

// render substitutes {{YEAR}} and {{DATE}} in template
func render(template string, now time.Time) string {
	return strings.NewReplacer(
		yearPlaceholder, strconv.Itoa(now.Year()),
		datePlaceholder, now.Format(time.DateOnly),
	).Replace(template)
}

// Compose returns the header block for path, or false when the file type
// has no known comment syntax. Each fragment is emitted on its own
// OWNER_ID line, in order.
func (c *Composer) Compose(path, template, actor string, fragments []string) (string, bool) {
	s, ok := syntax.Lookup(path)
	if !ok {
		return "", false
	}

	now := c.now()

	lines := []string{Marker}
	lines = append(lines, strings.Split(render(template, now), "\n")...)
	lines = append(lines,
		"Created date : "+now.Format(time.DateOnly),
		"Created by : "+actor,
	)
	for _, f := range fragments {
		lines = append(lines, ownerIDPrefix+f)
	}

	var b strings.Builder
	if s.IsBlock() {
		b.WriteString(s.Start + "\n")
		for _, line := range lines {
			b.WriteString(line + "\n")
		}
		b.WriteString(s.End + "\n")
	} else {
		for _, line := range lines {
			if line == "" {
				b.WriteString(s.Line + "\n")
				continue
			}
			b.WriteString(s.Line + " " + line + "\n")
		}
	}
	b.WriteString("\n")

	return b.String(), true
}

// Prepend places header in front of content without touching content
func Prepend(header, content string) string {
	return header + content
}

func (c *Composer) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}
