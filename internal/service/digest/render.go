package digest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/huavcjj/mailnote/internal/service/transform"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var converter = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Render builds the digest for one message: a section per attachment, OCR
// text as a paragraph and export rows as a list of "annotation (location)".
// Outputs keep the order they were fetched in.
func Render(outputs []*transform.Output) (string, error) {
	var md strings.Builder

	for _, out := range outputs {
		if out == nil {
			continue
		}
		if out.Attachment != nil && out.Attachment.Name != "" {
			fmt.Fprintf(&md, "### %s\n\n", escape(out.Attachment.Name))
		}

		switch out.Kind {
		case transform.KindImage:
			writeText(&md, out)
		case transform.KindTabular:
			writeRecords(&md, out.Records)
		}
	}

	var buf bytes.Buffer
	if err := converter.Convert([]byte(md.String()), &buf); err != nil {
		return "", fmt.Errorf("failed to render digest: %w", err)
	}
	return buf.String(), nil
}

func writeText(md *strings.Builder, out *transform.Output) {
	if out.TimedOut {
		md.WriteString("_Text recognition timed out._\n\n")
		return
	}

	lines := make([]string, 0, len(out.Lines))
	for _, line := range out.Lines {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, escape(line))
		}
	}
	if len(lines) == 0 {
		md.WriteString("_No text found._\n\n")
		return
	}

	md.WriteString(strings.Join(lines, "\n"))
	md.WriteString("\n\n")
}

func writeRecords(md *strings.Builder, records []transform.Record) {
	written := 0
	for _, r := range records {
		if r.Annotation == "" {
			continue
		}
		md.WriteString("- ")
		md.WriteString(escape(flatten(r.Annotation)))
		if r.Location != "" {
			md.WriteString(" (")
			md.WriteString(escape(r.Location))
			md.WriteString(")")
		}
		md.WriteString("\n")
		written++
	}
	if written == 0 {
		md.WriteString("_No annotations._\n")
	}
	md.WriteString("\n")
}

// escape backslash-escapes ASCII punctuation so extracted text is never
// interpreted as markdown or raw HTML.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune("\\`*_{}[]()<>#+-.!|~&\"'=:$%^/;?@,", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
