package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/internal/ratelimit"
)

// NewLimitsCmd reports daily limit usage.
func NewLimitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show daily funding and transfer limit usage",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "funding <repo-id>",
		Short: "Funding usage of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID, err := parseID("repo-id", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.Bounty.FundingStatus(cmd.Context(), repoID)
				if err != nil {
					return err
				}
				return printStatus(fmt.Sprintf("Funding: repo %d", repoID), st)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "transfer <user-id>",
		Short: "Transfer usage of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.Bounty.TransferStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printStatus("Transfers: "+args[0], st)
			})
		},
	})

	return cmd
}

func printStatus(title string, st ratelimit.Status) error {
	if jsonOutput() {
		return printJSON(st)
	}
	fmt.Println(StatusBox(title, [][2]string{
		{"Used", st.Used.Display()},
		{"Remaining", st.Remaining.Display()},
		{"Limit", st.Limit.Display()},
		{"Resets", st.WindowEnd.Local().Format(time.RFC1123)},
	}))
	return nil
}
