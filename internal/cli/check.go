package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/policy"
)

const memoryNote = `With --store-backend memory every run starts from empty buckets; use the
redis backend to see state shared with running servers.`

type checkOutput struct {
	limiter.Result
	PolicyID string `json:"policy_id"`
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	var (
		who      identityFlags
		endpoint string
		cost     int
		count    int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run admission checks for one identity",
		Long: `Consumes tokens from the caller's bucket exactly as a live request would
and prints each decision.

` + memoryNote,
		Example: `  admission check --user 42
  admission check --ip 203.0.113.7 --endpoint upload --count 5
  admission check --user 42 --role 7 --cost 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := who.identity()
			if err != nil {
				return err
			}
			e, ok := policy.ParseEndpoint(endpoint)
			if !ok || e == policy.EndpointAll {
				return fmt.Errorf("unknown --endpoint %q", endpoint)
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				out := make([]checkOutput, 0, count)
				for i := 0; i < count; i++ {
					res, err := rt.engine.CheckN(cmd.Context(), id, e, cost)
					if err != nil {
						return err
					}
					out = append(out, checkOutput{Result: res, PolicyID: res.Policy.ID})
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	who.register(cmd)
	cmd.Flags().StringVar(&endpoint, "endpoint", string(policy.EndpointAPI), "endpoint type: api, upload or report")
	cmd.Flags().IntVar(&cost, "cost", 1, "tokens consumed per check")
	cmd.Flags().IntVar(&count, "count", 1, "number of checks to run")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var who identityFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the bucket status of one identity",
		Long:  "Shows the bucket status of one identity without consuming tokens.\n\n" + memoryNote,
		Example: `  admission status --user 42
  admission status --ip 203.0.113.7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := who.identity()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				report, err := rt.engine.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	who.register(cmd)
	return cmd
}

func newResetCmd(g *globalFlags) *cobra.Command {
	var who identityFlags

	cmd := &cobra.Command{
		Use:     "reset",
		Short:   "Delete every bucket of one identity",
		Long:    "Deletes every bucket of one identity so its next check starts full.\n\n" + memoryNote,
		Example: `  admission reset --user 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := who.identity()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), g, func(rt *runtime) error {
				n, err := rt.engine.Reset(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"identity": id.String(),
					"deleted":  n,
				})
			})
		},
	}

	who.register(cmd)
	return cmd
}
