package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/poleshift/fieldsync/internal/app"
	"github.com/poleshift/fieldsync/internal/ulid"
	"github.com/poleshift/fieldsync/internal/utils"
)

// QueueCommand returns the CLI command for the file processing queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:        "queue",
		Usage:       "Manage the file upload queue",
		Description: "Lists, drains, retries and discards locally generated files waiting to reach the remote service.",
		Action:      queueListAction,
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List queued files",
				Action: queueListAction,
			},
			{
				Name:   "drain",
				Usage:  "Upload all pending files now",
				Action: queueDrainAction,
			},
			{
				Name:      "retry",
				Usage:     "Retry a failed item",
				ArgsUsage: "<item-id>",
				Action:    queueRetryAction,
			},
			{
				Name:      "discard",
				Usage:     "Discard a queued item without uploading it",
				ArgsUsage: "<item-id>",
				Action:    queueDiscardAction,
			},
		},
	}
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	items, err := application.Uploads.List(c.Context)
	if err != nil {
		return fmt.Errorf("listing queue: %w", err)
	}
	if len(items) == 0 {
		utils.PrintSuccess("Upload queue is empty")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			string(item.Kind),
			item.SampleID,
			utils.Truncate(item.FilePath, 36),
			utils.StatusText(string(item.Status)),
			fmt.Sprint(item.RetryCount),
			utils.Truncate(item.Error, 32),
			utils.FormatTime(item.CreatedAt),
		})
	}
	utils.PrintTable("Upload Queue",
		[]string{"ID", "Kind", "Sample", "File", "Status", "Retries", "Error", "Created"}, rows)
	return nil
}

func queueDrainAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	result, err := application.Uploads.Drain(c.Context)
	if err != nil {
		return err
	}

	if result.Uploaded == 0 && result.Failed == 0 {
		utils.PrintSuccess("Nothing to upload")
		return nil
	}

	utils.PrintSuccess(fmt.Sprintf("Uploaded %d file(s)", result.Uploaded))
	if result.Failed > 0 {
		utils.PrintWarning(fmt.Sprintf("%d file(s) failed and are held in the error state", result.Failed))
		utils.PrintInfo("Use 'fieldsync queue retry <id>' or 'fieldsync queue discard <id>'")
	}
	return nil
}

func queueRetryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("usage: fieldsync queue retry <item-id>")
	}
	if !ulid.Validate(id) {
		return fmt.Errorf("%q is not a valid item id", id)
	}

	if err := application.Uploads.Retry(c.Context, id); err != nil {
		utils.PrintError(fmt.Sprintf("Retry failed: %s", err))
		return err
	}

	utils.PrintSuccess("Item uploaded")
	return nil
}

func queueDiscardAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("usage: fieldsync queue discard <item-id>")
	}
	if !ulid.Validate(id) {
		return fmt.Errorf("%q is not a valid item id", id)
	}

	if err := application.Uploads.Discard(c.Context, id); err != nil {
		utils.PrintError(fmt.Sprintf("Discard failed: %s", err))
		return err
	}

	utils.PrintSuccess("Item discarded")
	return nil
}
