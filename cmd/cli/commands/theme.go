package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

var (
	ColorAccent  = lipgloss.Color("#8b5cf6")
	ColorSuccess = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#eab308")
	ColorError   = lipgloss.Color("#ef4444")
	ColorInfo    = lipgloss.Color("#3b82f6")
	ColorMuted   = lipgloss.Color("#6b7280")
	ColorDim     = lipgloss.Color("#4b5563")
	ColorWhite   = lipgloss.Color("#f9fafb")
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

var (
	StyleHeader    = fg(ColorWhite).Bold(true)
	StyleSubheader = fg(ColorMuted).Bold(true)
	StyleSuccess   = fg(ColorSuccess)
	StyleWarning   = fg(ColorWarning)
	StyleInfo      = fg(ColorInfo)
	StyleDim       = fg(ColorDim)
	StyleLabel     = fg(ColorMuted).Width(labelWidth)
	StyleValue     = fg(ColorWhite)

	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDim).
			Padding(0, 1)

	StyleTableHeader = fg(ColorAccent).Bold(true).Padding(0, 1)
	StyleTableRow    = fg(ColorWhite).Padding(0, 1)
	StyleTableRowAlt = fg(ColorMuted).Padding(0, 1)
)

// badgeColors maps reward statuses and settlement outcomes to a background.
// Anything unlisted renders muted.
var badgeColors = map[string]lipgloss.Color{
	string(types.RewardDistributed): ColorSuccess,
	string(types.SettlementPaid):    ColorSuccess,
	string(types.SettlementFailed):  ColorError,
	string(types.RewardAllocated):   ColorWarning,
	string(types.SettlementSkipped): ColorWarning,
}

// StatusBadge renders a reward status or settlement outcome as a colored
// badge on a terminal and as bare text otherwise.
func StatusBadge(status string) string {
	if !isTTY() {
		return status
	}
	badge := lipgloss.NewStyle().Foreground(lipgloss.Color("#000000")).Padding(0, 1)
	if c, ok := badgeColors[status]; ok {
		return badge.Background(c).Bold(true).Render(status)
	}
	return badge.Background(ColorMuted).Render(status)
}
