// Package monitor implements "benchctl monitor": the telemetry agent that
// runs on worker hosts and a one-shot client for it.
package monitor

import (
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run or query the telemetry agent",
		Long: `Run or query the telemetry agent.

The agent samples the configured probes on a worker host and answers
commands on stdin. Benchmark steps start it over ssh; "monitor query"
does the same for a quick look at a host.

Probes:
  gpu:0,1          GPU utilisation of GPUs 0 and 1
  proc:python      CPU and memory of processes named python
  ib:mlx5_0:1      InfiniBand data counters of device mlx5_0 port 1
  netdev:eth0,ib0  network interface byte counters
  host             whole-host CPU and memory`,
	}

	cmd.AddCommand(AgentCommand())
	cmd.AddCommand(QueryCommand())

	return cmd
}
