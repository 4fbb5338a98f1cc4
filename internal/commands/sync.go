// Package commands implements the CLI commands
package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/poleshift/fieldsync/internal/app"
	"github.com/poleshift/fieldsync/internal/oplog"
	"github.com/poleshift/fieldsync/internal/synclog"
	"github.com/poleshift/fieldsync/internal/utils"
)

// SyncCommand returns the CLI command for draining the mutation log
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Sync pending local changes to the remote service",
		Description: "Drains the durable mutation log against the remote service, in enqueue order, retrying transient failures.",
		Action:      syncDrainAction,
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show the pending mutation log",
				Action: syncStatusAction,
			},
			{
				Name:  "log",
				Usage: "Show recent sync attempt outcomes",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of entries to show",
						Value: 20,
					},
				},
				Action: syncLogAction,
			},
			{
				Name:  "verify",
				Usage: "Verify the remote service token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "token",
						Usage: "Verify this token instead of the configured one",
					},
				},
				Action: syncVerifyAction,
			},
			{
				Name:      "enqueue",
				Usage:     "Enqueue a mutation by hand (debugging aid)",
				ArgsUsage: "<kind> <target> <record-key> [json-payload]",
				Action:    syncEnqueueAction,
			},
		},
	}
}

func syncDrainAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	count, err := application.Oplog.CountPending(c.Context)
	if err != nil {
		return fmt.Errorf("counting pending operations: %w", err)
	}
	if count == 0 {
		utils.PrintSuccess("Nothing to sync")
		return nil
	}

	utils.PrintInfo(fmt.Sprintf("Draining %d pending operation(s)", count))

	result, err := application.Replay.Drain(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Drain aborted: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Applied %d operation(s) in %s", result.Applied, result.Duration.Round(time.Millisecond)))
	if result.PermanentFailures > 0 {
		utils.PrintWarning(fmt.Sprintf("%d operation(s) rejected by the service, %d held back behind them",
			result.PermanentFailures, result.Skipped))
		utils.PrintInfo("Run 'fieldsync sync status' to inspect them")
	}
	return nil
}

func syncStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	state, err := application.Monitor.CurrentState(c.Context)
	if err != nil {
		return err
	}

	connectivity := color.RedString("offline")
	if state.IsOnline {
		connectivity = color.GreenString("online")
	}
	utils.PrintKeyValue("Device", application.Config.DeviceName)
	utils.PrintKeyValue("Connectivity", connectivity)

	ops, err := application.Oplog.ListPending(c.Context)
	if err != nil {
		return fmt.Errorf("listing pending operations: %w", err)
	}
	if len(ops) == 0 {
		utils.PrintSuccess("No pending changes")
		return nil
	}

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{
			op.ID,
			string(op.Kind),
			op.Target,
			op.RecordKey,
			fmt.Sprint(op.RetryCount),
			utils.Truncate(op.LastError, 40),
			utils.FormatTime(op.EnqueuedAt),
		})
	}
	utils.PrintTable("Pending Operations",
		[]string{"ID", "Kind", "Target", "Record", "Retries", "Last Error", "Enqueued"}, rows)
	return nil
}

func syncLogAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	entries, err := application.SyncLogs.List(c.Context, synclog.EntityType(""), c.Int("limit"))
	if err != nil {
		return fmt.Errorf("listing sync logs: %w", err)
	}
	if len(entries) == 0 {
		utils.PrintInfo("No sync attempts recorded yet")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		outcome := color.GreenString("ok")
		if !e.Success {
			outcome = color.RedString(e.ErrorType)
		}
		rows = append(rows, []string{
			string(e.EntityType),
			e.EntityID,
			outcome,
			utils.Truncate(e.ErrorMessage, 40),
			utils.FormatTime(e.CompletedAt),
		})
	}
	utils.PrintTable("Sync Log", []string{"Entity", "ID", "Outcome", "Error", "Completed"}, rows)
	return nil
}

func syncVerifyAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	// Lets a new token be checked before it goes into the config file
	if token := c.String("token"); token != "" {
		application.Remote.SetToken(token)
	}

	ok, err := application.Remote.VerifyToken(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Could not reach the remote service: %s", err))
		return err
	}
	if !ok {
		utils.PrintError("Token rejected by the remote service")
		return fmt.Errorf("invalid token")
	}

	utils.PrintSuccess("Token verified")
	return nil
}

func syncEnqueueAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if c.NArg() < 3 {
		return fmt.Errorf("usage: fieldsync sync enqueue <kind> <target> <record-key> [json-payload]")
	}

	kind := oplog.Kind(c.Args().Get(0))
	target := c.Args().Get(1)
	recordKey := c.Args().Get(2)
	var payload []byte
	if c.NArg() > 3 {
		payload = []byte(c.Args().Get(3))
	}

	op, err := application.Oplog.Enqueue(c.Context, kind, target, recordKey, payload)
	if err != nil {
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Enqueued %s", op.ID))
	return nil
}
