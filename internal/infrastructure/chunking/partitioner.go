package chunking

import (
	"strings"
	"unicode"
)

const formFeed = "\f"

// Partitioner splits whole-document text across pages. Text that carries form-feed
// page breaks matching the page count is split exactly; otherwise the text is cut
// into equal rune ranges, each cut moved to the nearest line or word break within
// the snap window. The proportional split is a heuristic and can attribute content
// near a boundary to the neighbouring page.
type Partitioner struct {
	SnapWindow int
}

func NewPartitioner(snapWindow int) *Partitioner {
	if snapWindow < 0 {
		snapWindow = 0
	}
	return &Partitioner{SnapWindow: snapWindow}
}

// Partition always returns exactly pages elements when pages > 0.
func (p *Partitioner) Partition(text string, pages int) []string {
	if pages <= 0 {
		return nil
	}
	if pages == 1 {
		return []string{strings.TrimSpace(strings.ReplaceAll(text, formFeed, "\n"))}
	}

	if parts := strings.Split(text, formFeed); len(parts) > 1 {
		parts = trimTrailingEmpty(parts, pages)
		if len(parts) == pages {
			out := make([]string, pages)
			for i, part := range parts {
				out[i] = strings.TrimSpace(part)
			}
			return out
		}
		text = strings.ReplaceAll(text, formFeed, "\n")
	}

	return p.proportional([]rune(text), pages)
}

func (p *Partitioner) proportional(runes []rune, pages int) []string {
	out := make([]string, pages)
	if len(runes) == 0 {
		return out
	}

	step := float64(len(runes)) / float64(pages)
	start := 0
	for i := 0; i < pages; i++ {
		end := len(runes)
		if i < pages-1 {
			end = p.snap(runes, int(step*float64(i+1)), start)
		}
		out[i] = strings.TrimSpace(string(runes[start:end]))
		start = end
	}
	return out
}

// snap moves a cut to the closest newline, then whitespace, within the window.
func (p *Partitioner) snap(runes []rune, cut, floor int) int {
	if cut <= floor {
		return floor
	}
	if cut >= len(runes) {
		return len(runes)
	}
	for _, accept := range []func(rune) bool{
		func(r rune) bool { return r == '\n' },
		unicode.IsSpace,
	} {
		for d := 0; d <= p.SnapWindow; d++ {
			if i := cut - d; i > floor && accept(runes[i]) {
				return i
			}
			if i := cut + d; i < len(runes) && accept(runes[i]) {
				return i
			}
		}
	}
	return cut
}

func trimTrailingEmpty(parts []string, pages int) []string {
	for len(parts) > pages && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
