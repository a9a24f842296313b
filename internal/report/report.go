// Package report renders account, market data and order information for
// the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

// DefaultWidth is used when the output is not a terminal.
const DefaultWidth = 100

// Colors
var (
	colorTitle = lipgloss.Color("#06B6D4") // cyan
	colorGood  = lipgloss.Color("#10B981") // green
	colorWarn  = lipgloss.Color("#F59E0B") // amber
	colorBad   = lipgloss.Color("#EF4444") // red
	colorMuted = lipgloss.Color("#6B7280") // gray
)

type styles struct {
	title  lipgloss.Style
	header lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	muted  lipgloss.Style
}

// Report writes formatted sections to an output.
type Report struct {
	w      io.Writer
	width  int
	places int32
	st     styles
}

// New creates a report writing to w. A width of zero or less uses the
// terminal width, or DefaultWidth when w is not a terminal.
func New(w io.Writer, width int) *Report {
	if w == nil {
		w = os.Stdout
	}
	if width <= 0 {
		width = TerminalWidth(w, DefaultWidth)
	}

	// colors are dropped when w is not a terminal
	r := lipgloss.NewRenderer(w)
	return &Report{
		w:      w,
		width:  width,
		places: 2,
		st: styles{
			title:  r.NewStyle().Foreground(colorTitle).Bold(true),
			header: r.NewStyle().Bold(true),
			good:   r.NewStyle().Foreground(colorGood),
			warn:   r.NewStyle().Foreground(colorWarn),
			bad:    r.NewStyle().Foreground(colorBad),
			muted:  r.NewStyle().Foreground(colorMuted),
		},
	}
}

// SetDecimalPlaces sets the precision used for money and prices.
func (r *Report) SetDecimalPlaces(places int) {
	if places >= 0 {
		r.places = int32(places)
	}
}

// Width returns the line width the report renders to.
func (r *Report) Width() int {
	return r.width
}

// TerminalWidth returns the column count of w when it is a terminal.
func TerminalWidth(w io.Writer, fallback int) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// Title writes a section title between rules of the given width.
func (r *Report) Title(title string, width int) {
	rule := strings.Repeat("=", r.clamp(width))
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, rule)
	fmt.Fprintln(r.w, r.st.title.Render(title))
	fmt.Fprintln(r.w, rule)
}

// Rule writes a closing rule.
func (r *Report) Rule(width int) {
	fmt.Fprintln(r.w, strings.Repeat("=", r.clamp(width)))
}

// Line writes a plain line.
func (r *Report) Line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Success writes a highlighted success line.
func (r *Report) Success(msg string) {
	fmt.Fprintln(r.w, r.st.good.Render("✅ "+msg))
}

// Failure writes a highlighted failure line.
func (r *Report) Failure(msg string) {
	fmt.Fprintln(r.w, r.st.bad.Render("❌ "+msg))
}

// Warning writes a highlighted warning line.
func (r *Report) Warning(msg string) {
	fmt.Fprintln(r.w, r.st.warn.Render("⚠️  "+msg))
}

func (r *Report) clamp(width int) int {
	if width > r.width {
		return r.width
	}
	return width
}

// table writes a header, a dashed rule and the rows. Columns are left
// aligned and padded to widths.
func (r *Report) table(ruleWidth int, widths []int, header []string, rows [][]string, color func(row []string) lipgloss.Style) {
	fmt.Fprintln(r.w, r.st.header.Render(padRow(widths, header)))
	fmt.Fprintln(r.w, strings.Repeat("-", r.clamp(ruleWidth)))
	for _, row := range rows {
		line := padRow(widths, row)
		if color != nil {
			line = color(row).Render(line)
		}
		fmt.Fprintln(r.w, line)
	}
}

func padRow(widths []int, cells []string) string {
	var sb strings.Builder
	for i, cell := range cells {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if i < len(widths) && i < len(cells)-1 {
			sb.WriteString(fmt.Sprintf("%-*s", widths[i], cell))
		} else {
			sb.WriteString(cell)
		}
	}
	return sb.String()
}

// Money formats d as dollars with thousands separators, e.g. $1,234.50.
func Money(d decimal.Decimal, places int32) string {
	if d.IsNegative() {
		return "-$" + Grouped(d.Neg(), places)
	}
	return "$" + Grouped(d, places)
}

// Grouped formats d with thousands separators and fixed places.
func Grouped(d decimal.Decimal, places int32) string {
	s := d.StringFixed(places)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}

	intPart, frac, hasFrac := strings.Cut(s, ".")
	var sb strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(c)
	}
	if hasFrac {
		sb.WriteByte('.')
		sb.WriteString(frac)
	}
	return sign + sb.String()
}

// FormatKeyValues renders one "key: value" line per entry, sorted by key.
func FormatKeyValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + ": " + values[k]
	}
	return strings.Join(lines, "\n")
}
