package processor

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
)

const (
	unknownValue = "Unknown"
	// maxPromptOCRText caps the recognized text sent along with the image
	maxPromptOCRText = 4000
)

// buildSystemPrompt lists the whole taxonomy and the response contract
func buildSystemPrompt(available []divisions.Division) string {
	var b strings.Builder

	b.WriteString("You are an expert construction document analyzer. You extract procurement data ")
	b.WriteString("from architectural and engineering drawings.\n\n")

	b.WriteString("AVAILABLE CSI DIVISIONS (id: code name):\n")
	for _, d := range available {
		fmt.Fprintf(&b, "- %d: %s %s\n", d.ID, d.Code, d.Name)
	}

	b.WriteString(`
Identify real construction items a contractor would purchase and install.
Schedules carry the richest data, then specifications, then symbols and callouts.
Report actual quantities, sizes, ratings, materials, manufacturers and model numbers when shown.

Respond with a single JSON object and nothing else:
{
  "extractedData": {
    "<division id>": [
      {
        "itemName": "specific item name",
        "category": "material|equipment|fixture|component|system",
        "procurementData": {
          "quantity": "amount found",
          "unit": "SF|LF|EA|CY|TON|LB",
          "specification": "grade, type or material",
          "size": "dimensions or capacity",
          "manufacturer": "brand if shown",
          "model": "model number if shown"
        },
        "notes": "anything else relevant",
        "location": {
          "coordinates": {"x": 0, "y": 0, "width": 100, "height": 50},
          "confidence": 0.8
        }
      }
    ]
  },
  "summary": {
    "totalItemsFound": 0,
    "divisionsFound": 0,
    "extractionApproach": "what kind of data was found"
  }
}
Use only division ids from the list above. Coordinates are pixels in the supplied image.`)

	return b.String()
}

// buildUserPrompt embeds the sheet context, on partial escalation the lines the
// cheap pass could not read reliably, and the recognized text when there is any
func buildUserPrompt(sheet SheetMetadata, verify []CandidateItem, ocrText string) string {
	var b strings.Builder

	b.WriteString("Drawing context:\n")
	fmt.Fprintf(&b, "- Sheet: %s\n", orUnknown(sheet.SheetNumber))
	fmt.Fprintf(&b, "- Title: %s\n", orUnknown(sheet.SheetName))
	fmt.Fprintf(&b, "- Scale: %s\n", orUnknown(sheet.Scale))
	fmt.Fprintf(&b, "- Discipline: %s\n", orUnknown(sheet.Discipline))

	if len(verify) > 0 {
		b.WriteString("\nText recognition was unsure about these lines. Read them from the image and report the items they describe:\n")
		for _, item := range verify {
			loc := item.ApproxLocation
			fmt.Fprintf(&b, "- %q near (%d,%d)\n", item.ItemName, loc.X, loc.Y)
		}
		b.WriteString("\nAlso report any other items you find in the image.\n")
	} else {
		b.WriteString("\nFind all construction items in the image: schedules, material lists, specification blocks, equipment tags and door or window marks.\n")
	}

	b.WriteString("Do not report sheet titles, general notes or abstract concepts as items.")

	if text := strings.TrimSpace(ocrText); text != "" {
		b.WriteString("\n\nOCR Text: ")
		b.WriteString(truncateRunes(text, maxPromptOCRText))
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownValue
	}
	return s
}
