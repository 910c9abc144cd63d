package commands

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// NewSettleCmd replays settlement for an issue or a merged pull request,
// for deliveries that were lost or failed.
func NewSettleCmd() *cobra.Command {
	var (
		pullRequest bool
		contributor string
		yes         bool
	)

	cmd := &cobra.Command{
		Use:   "settle <repo-id> <number>",
		Short: "Settle the bounty of a closed issue or merged pull request",
		Long: `Pay out bounties the way a webhook delivery would.

With --pr, <number> is a merged pull request and every issue it links is
settled. Otherwise <number> is an issue, paid to --contributor or, when
omitted, to the author of the pull request that closed it.

An issue that was already paid is skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID, err := parseID("repo-id", args[0])
			if err != nil {
				return err
			}
			number, err := strconv.Atoi(args[1])
			if err != nil || number <= 0 {
				return fmt.Errorf("number must be a positive integer, got %q", args[1])
			}

			if !yes && isTTY() {
				what := fmt.Sprintf("issue #%d", number)
				if pullRequest {
					what = fmt.Sprintf("issues linked from pull request #%d", number)
				}
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Pay out %s of repository %d?", what, repoID)).
					Affirmative("Pay").
					Negative("Cancel").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					Info("Cancelled")
					return nil
				}
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				var attempts []types.SettlementAttempt
				err := WithSpinner("Settling", func() error {
					if pullRequest {
						var err error
						attempts, err = a.Pipeline.SettlePullRequest(cmd.Context(), repoID, number)
						return err
					}
					attempt, err := a.Pipeline.SettleIssue(cmd.Context(), repoID, number, contributor)
					if err != nil {
						return err
					}
					attempts = []types.SettlementAttempt{attempt}
					return nil
				})
				if err != nil {
					return err
				}
				return printAttempts(attempts)
			})
		},
	}

	cmd.Flags().BoolVar(&pullRequest, "pr", false, "Treat <number> as a merged pull request")
	cmd.Flags().StringVar(&contributor, "contributor", "", "GitHub login to pay (issues only)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func printAttempts(attempts []types.SettlementAttempt) error {
	if jsonOutput() {
		return printJSON(attempts)
	}
	if len(attempts) == 0 {
		Info("No linked issues to settle")
		return nil
	}
	rows := make([][]string, 0, len(attempts))
	for _, at := range attempts {
		detail := at.TxHash
		if at.FailureReason != "" {
			detail = at.FailureReason
		}
		rows = append(rows, []string{
			"#" + strconv.Itoa(at.IssueNumber),
			at.Contributor,
			at.Amount.Display(),
			StatusBadge(string(at.Outcome)),
			detail,
		})
	}
	fmt.Println(RenderTable([]string{"Issue", "Contributor", "Amount", "Outcome", "Detail"}, rows))
	return nil
}
