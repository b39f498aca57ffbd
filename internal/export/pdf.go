package export

import (
	"github.com/go-pdf/fpdf"
)

// RenderPDF writes an A4 report using the built-in Helvetica font. Text
// outside cp1252 is replaced by the translator.
func RenderPDF(doc Document, path string) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(false)
	pdf.SetCreationDate(doc.createdAt())
	pdf.SetTitle(title, true)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, title)
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range doc.lines() {
		pdf.Cell(0, 6, tr(line))
		pdf.Ln(6)
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Transcript")
	pdf.Ln(10)
	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, tr(doc.Text), "", "L", false)

	return pdf.OutputFileAndClose(path)
}
