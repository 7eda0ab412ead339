package tickets

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"

	"haven/models"
)

// Render draws an A4 ticket with the event details, the party and a QR
// code holding the signed payload.
func Render(site string, ev models.Event, reg models.EventRegistration, payload string) ([]byte, error) {
	qrPNG, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("qr code: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 20)
	pdf.CellFormat(0, 12, tr(site), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, tr(ev.Title), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	when := ev.Date
	if ev.StartTime != "" {
		when += " " + ev.StartTime
		if ev.EndTime != "" {
			when += " - " + ev.EndTime
		}
	}
	lines := []string{
		"Name: " + reg.Name,
		"When: " + when,
	}
	if ev.Location != "" {
		lines = append(lines, "Where: "+ev.Location)
	}
	lines = append(lines, fmt.Sprintf("Party: %d adult(s), %d child(ren)", reg.Adults, reg.Kids))
	if guests := reg.GuestList(); len(guests) > 0 {
		names := make([]string, 0, len(guests))
		for _, g := range guests {
			names = append(names, g.Name)
		}
		lines = append(lines, "Guests: "+strings.Join(names, ", "))
	}
	if reg.PaymentStatus == models.PaymentPendingCheck {
		lines = append(lines, "Payment: check due at the door")
	}

	pdf.SetFont("Arial", "", 12)
	pdf.MultiCell(110, 8, tr(strings.Join(lines, "\n")), "", "L", false)

	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", opts, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", 140, 45, 50, 50, false, opts, 0, "")

	pdf.SetXY(140, 97)
	pdf.SetFont("Courier", "B", 12)
	pdf.CellFormat(50, 8, reg.TicketCode, "", 0, "C", false, 0, "")

	pdf.SetY(-30)
	pdf.SetFont("Arial", "I", 10)
	pdf.CellFormat(0, 10, "Show this ticket at the entrance.", "T", 0, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
