package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/am-sokolov/liveroom-go/internal/output"
	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func NewInviteCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Issue and inspect invite codes",
	}
	cmd.AddCommand(newInviteGenerateCmd(deps))
	cmd.AddCommand(newInviteListCmd(deps))
	cmd.AddCommand(newInviteRevokeCmd(deps))
	cmd.AddCommand(newInviteResolveCmd(deps))
	return cmd
}

func (d *Dependencies) invites(sessionID string) *room.InviteManager {
	return room.NewInviteManager(d.App.Backend, sessionID, d.Config.InviteBaseURL, d.App.Logger)
}

func (d *Dependencies) inviteURL(m *room.InviteManager) func(string) string {
	return func(code string) string {
		if d.Config.InviteBaseURL == "" {
			return ""
		}
		return m.URL(code)
	}
}

func newInviteGenerateCmd(deps *Dependencies) *cobra.Command {
	var (
		role  string
		hours int
		uses  int
	)

	cmd := &cobra.Command{
		Use:   "generate <session-id>",
		Short: "Generate an invite code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := room.ParseRole(role)
			if err != nil {
				return err
			}
			m := deps.invites(args[0])
			inv, err := m.Generate(cmd.Context(), r, hours, uses)
			if err != nil {
				return err
			}
			f := output.NewFormatter(os.Stdout)
			f.Success("Invite created")
			f.Invite(*inv, deps.inviteURL(m)(inv.Code))
			return nil
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", string(room.RoleParticipant), "Role granted: presenter, participant, observer")
	cmd.Flags().IntVar(&hours, "hours", 24, "Hours until the invite expires")
	cmd.Flags().IntVar(&uses, "uses", 1, "How many times the invite can be used")

	return cmd
}

func newInviteListCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list <session-id>",
		Short: "List a session's invites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := deps.invites(args[0])
			invites, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).InviteList(invites, deps.inviteURL(m))
			return nil
		},
	}
}

func newInviteRevokeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session-id> <invite-id>",
		Short: "Revoke an invite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.invites(args[0]).Revoke(cmd.Context(), args[1]); err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success("Invite revoked")
			return nil
		},
	}
}

func newInviteResolveCmd(deps *Dependencies) *cobra.Command {
	var accept bool

	cmd := &cobra.Command{
		Use:   "resolve <code>",
		Short: "Show what an invite code grants",
		Long:  "Show what an invite code grants. Without --accept no use is consumed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := deps.invites("")
			resolve := m.Preview
			if accept {
				resolve = m.Resolve
			}
			res, err := resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			f := output.NewFormatter(os.Stdout)
			f.Session(res.Session)
			f.Invite(res.Invite, "")
			return nil
		},
	}

	cmd.Flags().BoolVar(&accept, "accept", false, "Consume one use of the invite")

	return cmd
}
