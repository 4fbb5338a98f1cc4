package commands

import (
	"fmt"

	"github.com/fatih/color"
	pp "github.com/jedib0t/go-pretty/v6/progress"
	"github.com/urfave/cli/v2"

	"github.com/poleshift/fieldsync/internal/app"
	"github.com/poleshift/fieldsync/internal/progress"
	"github.com/poleshift/fieldsync/internal/utils"
)

// ResourcesCommand returns the CLI command for resource bundle management
func ResourcesCommand() *cli.Command {
	return &cli.Command{
		Name:        "resources",
		Usage:       "Manage local resource bundles",
		Description: "Downloads, verifies and extracts the resource bundles listed in the manifest.",
		Subcommands: []*cli.Command{
			{
				Name:   "fetch",
				Usage:  "Bring all bundles up to date",
				Action: resourcesFetchAction,
			},
			{
				Name:   "status",
				Usage:  "Show which bundles are current",
				Action: resourcesStatusAction,
			},
		},
	}
}

func resourcesFetchAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	statuses, err := application.Resources.Status()
	if err != nil {
		return err
	}

	stale := 0
	for _, s := range statuses {
		if !s.Current {
			stale++
		}
	}
	if stale == 0 {
		utils.PrintSuccess("All bundles are current")
		return nil
	}

	pw := utils.CreateProgressWriter(stale)
	sub := application.Progress.Subscribe(0)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go renderTransferProgress(pw, sub, done)
	go pw.Render()

	result, err := application.Resources.FetchAll(c.Context)

	close(done)
	pw.Stop()
	if err != nil {
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Fetched %d bundle(s), %d already current", result.Fetched, result.Skipped))
	if result.Failed > 0 {
		utils.PrintError(fmt.Sprintf("%d bundle(s) failed, see the log for details", result.Failed))
		return fmt.Errorf("%d bundle(s) failed", result.Failed)
	}
	return nil
}

// renderTransferProgress feeds bus snapshots into go-pretty trackers
func renderTransferProgress(pw pp.Writer, sub *progress.Subscription, done <-chan struct{}) {
	trackers := make(map[string]*pp.Tracker)

	for {
		select {
		case snapshot, ok := <-sub.C():
			if !ok {
				return
			}

			message := fmt.Sprintf("%-12s %s", snapshot.Stage, snapshot.FileName)
			if snapshot.TransferSpeed > 0 {
				message += "  " + utils.FormatSpeed(snapshot.TransferSpeed)
			}

			tracker, exists := trackers[snapshot.FileName]
			if !exists {
				tracker = &pp.Tracker{
					Message: message,
					Total:   snapshot.Total,
					Units:   pp.UnitsBytes,
				}
				trackers[snapshot.FileName] = tracker
				pw.AppendTracker(tracker)
			}

			tracker.UpdateMessage(message)
			tracker.UpdateTotal(snapshot.Total)
			tracker.SetValue(snapshot.Progress)
			if snapshot.Stage == progress.StageDone {
				tracker.MarkAsDone()
				delete(trackers, snapshot.FileName)
			}

		case <-done:
			return
		}
	}
}

func resourcesStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	statuses, err := application.Resources.Status()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		utils.PrintInfo("Manifest lists no bundles")
		return nil
	}

	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		state := color.YellowString("stale")
		if s.Current {
			state = color.GreenString("current")
		}
		rows = append(rows, []string{
			s.Bundle.Name,
			s.Bundle.ArchiveFormat,
			utils.FormatBytes(s.Bundle.ExpectedSizeBytes),
			state,
		})
	}
	utils.PrintTable("Resource Bundles", []string{"Name", "Format", "Size", "State"}, rows)
	return nil
}
