package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/domain"
)

const progressCells = 8

// AttachmentBar renders the composer's pending attachments as chips
// numbered from 1, the index /detach accepts.
type AttachmentBar struct {
	Items []domain.Attachment
	width int
}

// SetWidth updates the available width.
func (m *AttachmentBar) SetWidth(w int) { m.width = w }

// Height is the number of lines View occupies.
func (m AttachmentBar) Height() int {
	if len(m.Items) == 0 {
		return 0
	}
	return strings.Count(m.View(), "\n") + 1
}

// View renders the chips, wrapping onto more lines when they do not fit.
func (m AttachmentBar) View() string {
	if len(m.Items) == 0 {
		return ""
	}
	var (
		lines []string
		cur   string
		curW  int
	)
	for i, a := range m.Items {
		chip := renderChip(i+1, a)
		w := lipgloss.Width(chip)
		if cur != "" && m.width > 0 && curW+w+1 > m.width {
			lines = append(lines, cur)
			cur, curW = "", 0
		}
		if cur != "" {
			cur += " "
			curW++
		}
		cur += chip
		curW += w
	}
	lines = append(lines, cur)
	return strings.Join(lines, "\n")
}

func renderChip(n int, a domain.Attachment) string {
	label := fmt.Sprintf("%d %s %s %s", n, theme.SymbolAttach, a.FileName, humanize.IBytes(uint64(a.Size)))
	switch a.Status {
	case domain.AttachmentFailed:
		msg := "failed"
		if a.Error != "" {
			msg = a.Error
		}
		return theme.AttachmentChipFailed.Render(label + " " + theme.SymbolError + " " + msg)
	case domain.AttachmentUploaded:
		return theme.AttachmentChip.Render(label + " " + theme.SymbolSuccess)
	default:
		return theme.AttachmentChip.Render(label + " " + ProgressBar(a.Progress, progressCells))
	}
}

// ProgressBar renders fraction (0..1) as a fixed-width bar.
func ProgressBar(fraction float64, cells int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	full := int(fraction * float64(cells))
	return theme.ProgressFull.Render(strings.Repeat("█", full)) +
		theme.ProgressEmpty.Render(strings.Repeat("░", cells-full))
}
