package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shuttle/internal/ipc"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var eventLimit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers and queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.GetStatus()
				if err != nil {
					return err
				}

				if len(status.Workers) == 0 {
					fmt.Fprintln(stdout, "No workers registered")
				} else {
					fmt.Fprintln(stdout, renderWorkerTable(status.Workers, shouldColorize(stdout)))
				}

				if len(status.Queue) > 0 {
					rows := make([][]string, 0, len(status.Queue))
					for i, beadID := range status.Queue {
						rows = append(rows, []string{formatQueuePosition(i), beadID})
					}
					fmt.Fprintln(stdout)
					fmt.Fprintln(stdout, renderTable(
						[]string{"#", "Queued Task"},
						rows,
						[]columnAlignment{alignRight, alignLeft},
					))
				}

				if eventLimit > 0 {
					history, err := client.TaskHistory(eventLimit)
					if err != nil {
						return err
					}
					fmt.Fprintln(stdout)
					if len(history.Events) == 0 {
						fmt.Fprintln(stdout, "No recorded events")
						return nil
					}
					rows := make([][]string, 0, len(history.Events))
					for _, ev := range history.Events {
						worker := ev.Worker
						if worker == "" {
							worker = "-"
						}
						rows = append(rows, []string{
							ev.CreatedAt.Local().Format("15:04:05"),
							ev.Event,
							ev.BeadID,
							worker,
							ev.Detail,
						})
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Time", "Event", "Task", "Worker", "Detail"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
					))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&eventLimit, "events", 0, "Also show the N most recent task events")
	return cmd
}
