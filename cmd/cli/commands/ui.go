package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/bountyrelay/bountyrelay/internal/ledger"
)

const labelWidth = 14

// StatusBox renders a titled block of fields, boxed on a terminal and as an
// underlined list when piped.
//
//	StatusBox("Repository", [][2]string{{"ID", "100"}, {"Pool", "12.5"}})
func StatusBox(title string, fields [][2]string) string {
	if !isTTY() {
		return statusBoxPlain(title, fields)
	}
	lines := make([]string, 0, len(fields)+1)
	lines = append(lines, StyleHeader.Render(title))
	for _, f := range fields {
		lines = append(lines, StyleLabel.Render(f[0])+StyleValue.Render(f[1]))
	}
	return StyleBox.Render(strings.Join(lines, "\n"))
}

func statusBoxPlain(title string, fields [][2]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n%s\n", title, strings.Repeat("=", len(title)))
	for _, f := range fields {
		fmt.Fprintf(&sb, "%-*s %s\n", labelWidth, f[0]+":", f[1])
	}
	return sb.String()
}

// RenderTable renders rows under headers. Settlement outcomes and reward
// statuses should already be passed through StatusBadge.
func RenderTable(headers []string, rows [][]string) string {
	if !isTTY() {
		return renderTablePlain(headers, rows)
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorDim)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return StyleTableHeader
			case row%2 == 0:
				return StyleTableRow
			default:
				return StyleTableRowAlt
			}
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func renderTablePlain(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}
	widths := columnWidths(headers, rows)

	var sb strings.Builder
	writeRow := func(cells []string) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			fmt.Fprintf(&sb, "%-*s  ", widths[i], cell)
		}
		sb.WriteString("\n")
	}

	writeRow(headers)
	rules := make([]string, len(widths))
	for i, w := range widths {
		rules[i] = strings.Repeat("-", w)
	}
	sb.WriteString(strings.Join(rules, "  ") + "\n")
	for _, row := range rows {
		writeRow(row)
	}
	return sb.String()
}

// columnWidths sizes each column to its widest cell. Cells past the last
// header are ignored.
func columnWidths(headers []string, rows [][]string) []int {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], len(row[i]))
		}
	}
	return widths
}

func notice(style lipgloss.Style, tag, msg string) {
	if isTTY() {
		fmt.Println(style.Render("  " + msg))
		return
	}
	fmt.Println("[" + tag + "] " + msg)
}

// Success prints a completed operation.
func Success(msg string) { notice(StyleSuccess, "OK", msg) }

// Warning prints a recoverable problem.
func Warning(msg string) { notice(StyleWarning, "WARN", msg) }

// Info prints a neutral message.
func Info(msg string) { notice(StyleInfo, "INFO", msg) }

// WithSpinner runs fn behind a spinner and returns fn's error. Without a
// terminal it prints msg once instead.
func WithSpinner(msg string, fn func() error) error {
	if !isTTY() {
		fmt.Printf("%s...\n", msg)
		return fn()
	}
	var fnErr error
	if err := spinner.New().Title(msg).Action(func() { fnErr = fn() }).Run(); err != nil {
		return err
	}
	return fnErr
}

// FormatAddress shortens a wallet or contract address to 0x1234...abcd.
func FormatAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// SectionHeader introduces a table below a StatusBox.
func SectionHeader(title string) string {
	if !isTTY() {
		return "\n" + title + "\n" + strings.Repeat("-", len(title))
	}
	return "\n" + StyleSubheader.Render(title)
}

// KeyValue renders one aligned field outside a box.
func KeyValue(key, value string) string {
	if !isTTY() {
		return fmt.Sprintf("  %-*s %s", labelWidth, key+":", value)
	}
	return "  " + StyleLabel.Render(key) + StyleValue.Render(value)
}

// Hint renders a follow-up suggestion.
func Hint(msg string) string {
	if !isTTY() {
		return "  " + msg
	}
	return "  " + StyleDim.Render(msg)
}

// TxResultBox renders a mined ledger transaction. The contract row only
// appears for deployments.
func TxResultBox(title string, res *ledger.TxResult) string {
	fields := [][2]string{
		{"Tx", res.TxHash},
		{"Block", strconv.FormatUint(res.BlockNumber, 10)},
		{"Gas Used", strconv.FormatUint(res.GasUsed, 10)},
	}
	if !res.ContractAddress.IsZero() {
		fields = append(fields, [2]string{"Contract", FormatAddress(res.ContractAddress.Hex())})
	}
	return StatusBox(title, fields)
}
