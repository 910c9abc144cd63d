package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/internal/bounty"
	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// NewRepoCmd creates the repo command group
func NewRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Register repositories and their pool managers",
	}
	cmd.AddCommand(newRepoRegisterCmd())
	cmd.AddCommand(newRepoAddManagerCmd())
	return cmd
}

func newRepoRegisterCmd() *cobra.Command {
	var installationID int64

	cmd := &cobra.Command{
		Use:   "register <repo-id> <owner/name>",
		Short: "Register a repository for webhook settlement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID, err := parseID("repo-id", args[0])
			if err != nil {
				return err
			}
			owner, name, ok := strings.Cut(args[1], "/")
			if !ok || owner == "" || name == "" {
				return fmt.Errorf("repository must be owner/name, got %q", args[1])
			}
			if installationID <= 0 {
				return fmt.Errorf("--installation is required")
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				repo := types.RegisteredRepository{
					ID:             repoID,
					Owner:          owner,
					Name:           name,
					InstallationID: installationID,
					RegisteredAt:   time.Now().UTC(),
				}
				if err := a.Store.RegisterRepository(cmd.Context(), repo); err != nil {
					return err
				}
				Success(fmt.Sprintf("Registered %s as repository %d", repo.FullName(), repo.ID))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&installationID, "installation", 0, "GitHub App installation id")
	return cmd
}

func newRepoAddManagerCmd() *cobra.Command {
	var (
		actorID   string
		managerID string
		githubID  int64
	)

	cmd := &cobra.Command{
		Use:   "add-manager <repo-id>",
		Short: "Grant a user the pool-manager role",
		Long: `Grant a registered user the pool-manager role on a repository.

The first manager of a repository must add themselves (--manager equal to
--actor). Later managers are added by an existing manager.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID, err := parseID("repo-id", args[0])
			if err != nil {
				return err
			}
			if actorID == "" {
				return fmt.Errorf("--actor is required")
			}
			if managerID == "" {
				managerID = actorID
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				var res *ledger.TxResult
				err := WithSpinner("Submitting transaction", func() error {
					var err error
					res, err = a.Bounty.AddPoolManager(cmd.Context(), bounty.AddPoolManagerRequest{
						RepoID:    repoID,
						ActorID:   actorID,
						ManagerID: managerID,
						GitHubID:  githubID,
					})
					return err
				})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				Success(fmt.Sprintf("%s is now a pool manager of %d", managerID, repoID))
				fmt.Println(TxResultBox("Transaction", res))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "User performing the change")
	cmd.Flags().StringVar(&managerID, "manager", "", "User to promote (default: the actor)")
	cmd.Flags().Int64Var(&githubID, "github-id", 0, "Numeric GitHub id of the manager")
	return cmd
}

// NewUserCmd creates the user command group
func NewUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage application users",
	}
	cmd.AddCommand(newUserRegisterCmd())
	return cmd
}

func newUserRegisterCmd() *cobra.Command {
	var (
		login     string
		walletRef string
	)

	cmd := &cobra.Command{
		Use:   "register <user-id>",
		Short: "Bind a user to a keystore wallet and register it on the ledger",
		Long: `Register a user and the wallet they sign with.

The wallet must already be in the keystore (see: bountyrelay wallet import).
When relaying is enabled the registration is paid by the relayer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if login == "" || walletRef == "" {
				return fmt.Errorf("--login and --wallet are required")
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				addr, err := a.Vault.Address(walletRef)
				if err != nil {
					return err
				}
				user := types.User{
					ID:        args[0],
					Login:     login,
					Wallet:    types.Wallet{OwnerID: args[0], Address: addr, SecretRef: walletRef},
					CreatedAt: time.Now().UTC(),
				}

				var res *ledger.TxResult
				err = WithSpinner("Registering on ledger", func() error {
					var err error
					res, err = a.Bounty.RegisterUser(cmd.Context(), user)
					return err
				})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				Success(fmt.Sprintf("Registered %s (%s)", user.ID, FormatAddress(addr.Hex())))
				fmt.Println(TxResultBox("Transaction", res))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "GitHub login of the user")
	cmd.Flags().StringVar(&walletRef, "wallet", "", "Keystore reference of the user's wallet")
	return cmd
}
