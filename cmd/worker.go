package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/nanoagent/nanoswarm/internal/config"
	"github.com/nanoagent/nanoswarm/internal/coordinator"
)

// workerCmd is the entry the supervisor spawns; it is not meant to be
// invoked by hand.
func workerCmd() *cobra.Command {
	var (
		name         string
		role         string
		goal         string
		blackboard   string
		parentPID    int
		parentAgent  string
		model        string
		excludeTools string
		maxIter      int
		keysPath     string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one swarm worker (spawned by the architect)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := config.LoadKeys(keysPath)
			if err != nil {
				return err
			}

			var exclude []string
			if excludeTools != "" {
				for _, t := range strings.Split(excludeTools, ",") {
					if t = strings.TrimSpace(t); t != "" {
						exclude = append(exclude, t)
					}
				}
			}

			w := &coordinator.Worker{
				Name:          name,
				Role:          role,
				Goal:          goal,
				BlackboardDir: blackboard,
				ParentPID:     parentPID,
				ParentAgent:   parentAgent,
				ModelKey:      model,
				Keys:          keys,
				ExcludeTools:  exclude,
				MaxIterations: maxIter,
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().StringVar(&goal, "goal", "", "goal prompt")
	cmd.Flags().StringVar(&blackboard, "blackboard", "", "blackboard directory")
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "spawning process PID")
	cmd.Flags().StringVar(&parentAgent, "parent-agent-name", "", "spawning agent name")
	cmd.Flags().StringVar(&model, "model", "", "model key")
	cmd.Flags().StringVar(&excludeTools, "exclude-tools", "", "comma-separated tool names to remove")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 50, "iteration budget")
	cmd.Flags().StringVar(&keysPath, "keys", "", "credentials file")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("role")
	cmd.MarkFlagRequired("goal")
	cmd.MarkFlagRequired("blackboard")

	return cmd
}
