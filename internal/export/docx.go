package export

import (
	"strings"

	"baliance.com/gooxml/document"
	"baliance.com/gooxml/measurement"
)

// RenderDOCX writes a Word document with a bold title, the metadata block
// and one paragraph per transcript line.
func RenderDOCX(doc Document, path string) error {
	out := document.New()

	heading := out.AddParagraph().AddRun()
	heading.Properties().SetBold(true)
	heading.Properties().SetSize(16 * measurement.Point)
	heading.AddText(title)

	for _, line := range doc.lines() {
		out.AddParagraph().AddRun().AddText(line)
	}

	label := out.AddParagraph().AddRun()
	label.Properties().SetBold(true)
	label.AddText("Transcript")

	for _, para := range strings.Split(doc.Text, "\n") {
		out.AddParagraph().AddRun().AddText(para)
	}

	return out.SaveToFile(path)
}
