package cli

import (
	"github.com/spf13/cobra"

	"github.com/toolink/admission/policy"
)

func newPolicyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage rate-limit policies",
		Long: `Creates, updates, deletes and lists stored policies. With the redis backend
every mutation is serialised across replicas and announced so running servers
rebuild their indexes.`,
	}
	cmd.AddCommand(
		newPolicyCreateCmd(g),
		newPolicyUpdateCmd(g),
		newPolicyDeleteCmd(g),
		newPolicyListCmd(g),
	)
	return cmd
}

// policyFlags holds the editable fields of a policy.
type policyFlags struct {
	name        string
	description string
	rpm         int
	burst       int
	audience    string
	roleID      string
	endpoint    string
	retryAfter  int
	enabled     bool
}

func (f *policyFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.name, "name", "", "policy name")
	fs.StringVar(&f.description, "description", "", "free text description")
	fs.IntVar(&f.rpm, "rpm", 0, "sustained requests per minute")
	fs.IntVar(&f.burst, "burst", 0, "bucket capacity, at most --rpm")
	fs.StringVar(&f.audience, "applies-to", string(policy.AudienceAuthenticated), "audience: authenticated, anonymous or role")
	fs.StringVar(&f.roleID, "role-id", "", "role the policy applies to (with --applies-to role)")
	fs.StringVar(&f.endpoint, "endpoint", string(policy.EndpointAll), "endpoint type: api, upload, report or all")
	fs.IntVar(&f.retryAfter, "retry-after", 60, "retry-after ceiling in seconds")
	fs.BoolVar(&f.enabled, "enabled", true, "whether the policy is active")
}

func (f *policyFlags) input() policy.Input {
	enabled := f.enabled
	return policy.Input{
		Name:              f.name,
		Description:       f.description,
		RequestsPerMinute: f.rpm,
		BurstCapacity:     f.burst,
		AppliesTo:         policy.Audience(f.audience),
		RoleID:            f.roleID,
		EndpointType:      policy.EndpointType(f.endpoint),
		RetryAfterSeconds: f.retryAfter,
		Enabled:           &enabled,
	}
}

// patch carries only the flags set on the command line.
func (f *policyFlags) patch(cmd *cobra.Command) policy.Patch {
	var p policy.Patch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("description") {
		p.Description = &f.description
	}
	if changed("rpm") {
		p.RequestsPerMinute = &f.rpm
	}
	if changed("burst") {
		p.BurstCapacity = &f.burst
	}
	if changed("applies-to") {
		a := policy.Audience(f.audience)
		p.AppliesTo = &a
	}
	if changed("role-id") {
		p.RoleID = &f.roleID
	}
	if changed("endpoint") {
		e := policy.EndpointType(f.endpoint)
		p.EndpointType = &e
	}
	if changed("retry-after") {
		p.RetryAfterSeconds = &f.retryAfter
	}
	if changed("enabled") {
		p.Enabled = &f.enabled
	}
	return p
}

func newPolicyCreateCmd(g *globalFlags) *cobra.Command {
	var f policyFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy",
		Example: `  admission policy create --name "api users" --rpm 120 --burst 60 --endpoint api
  admission policy create --name uploaders --applies-to role --role-id 7 --rpm 30 --burst 10 --endpoint upload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				p, err := rt.service.Create(cmd.Context(), f.input())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newPolicyUpdateCmd(g *globalFlags) *cobra.Command {
	var f policyFlags
	cmd := &cobra.Command{
		Use:     "update <id>",
		Short:   "Update fields of a policy",
		Args:    cobra.ExactArgs(1),
		Example: `  admission policy update 2f0c... --rpm 240 --burst 120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				p, err := rt.service.Update(cmd.Context(), args[0], f.patch(cmd))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newPolicyDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				if err := rt.service.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
			})
		},
	}
}

func newPolicyListCmd(g *globalFlags) *cobra.Command {
	var audience string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				policies, err := rt.service.List(cmd.Context(), policy.Filter{Audience: policy.Audience(audience)})
				if err != nil {
					return err
				}
				if policies == nil {
					policies = []policy.Policy{}
				}
				return printJSON(cmd.OutOrStdout(), policies)
			})
		},
	}
	cmd.Flags().StringVar(&audience, "applies-to", "", "only list policies for this audience")
	return cmd
}
