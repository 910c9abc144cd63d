package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// NewRewardsCmd shows the ledger view of a repository and its issue rewards.
func NewRewardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewards <repo-id> [issue-id...]",
		Short: "Show a repository's pool and issue rewards",
		Long: `Read the reward pool of a repository from the ledger.

Without issue ids every issue recorded on the ledger is listed. With issue
ids, the rewards of exactly those issues are shown, zero for unset ones.

Examples:
  bountyrelay rewards 100
  bountyrelay rewards 100 9001 9002`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID, err := parseID("repo-id", args[0])
			if err != nil {
				return err
			}
			issueIDs := make([]int64, 0, len(args)-1)
			for _, arg := range args[1:] {
				id, err := parseID("issue-id", arg)
				if err != nil {
					return err
				}
				issueIDs = append(issueIDs, id)
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				var repo types.Repository
				var amounts []types.Amount
				err := WithSpinner("Reading ledger", func() error {
					repo = a.Bounty.Repository(cmd.Context(), repoID)
					if len(issueIDs) > 0 {
						amounts = a.Bounty.IssueRewards(cmd.Context(), repoID, issueIDs)
					}
					return nil
				})
				if err != nil {
					return err
				}
				return printRewards(repo, issueIDs, amounts)
			})
		},
	}
}

func printRewards(repo types.Repository, issueIDs []int64, amounts []types.Amount) error {
	if jsonOutput() {
		return printJSON(repo)
	}

	managers := make([]string, len(repo.PoolManagers))
	for i, m := range repo.PoolManagers {
		managers[i] = FormatAddress(m.Hex())
	}
	fmt.Println(StatusBox("Repository", [][2]string{
		{"ID", strconv.FormatInt(repo.ID, 10)},
		{"Pool", repo.PoolBalance.Display()},
		{"Managers", strings.Join(managers, ", ")},
		{"Contributors", strconv.Itoa(len(repo.Contributors))},
	}))

	var rows [][]string
	if len(issueIDs) > 0 {
		for i, id := range issueIDs {
			reward := repo.Reward(id)
			rows = append(rows, []string{strconv.FormatInt(id, 10), amounts[i].Display(), StatusBadge(string(reward.Status))})
		}
	} else {
		for _, issue := range repo.Issues {
			rows = append(rows, []string{strconv.FormatInt(issue.IssueID, 10), issue.Amount.Display(), StatusBadge(string(issue.Status))})
		}
	}
	if len(rows) == 0 {
		fmt.Println(Hint("No issue rewards recorded."))
		return nil
	}
	fmt.Println(SectionHeader("Issues"))
	fmt.Println(RenderTable([]string{"Issue", "Reward", "Status"}, rows))
	return nil
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return id, nil
}
