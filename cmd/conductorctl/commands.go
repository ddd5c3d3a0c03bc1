package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func printJSON(data any) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", data)
		return
	}
	fmt.Println(string(b))
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatch; in-flight attempts finish but no new ones start",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, "pause", nil)
		if err != nil {
			return err
		}
		if resp.Data == "already_paused" {
			fmt.Println("already paused")
			return nil
		}
		fmt.Println("paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, "resume", nil)
		if err != nil {
			return err
		}
		if resp.Data == "not_paused" {
			fmt.Println("was not paused")
			return nil
		}
		fmt.Println("resumed")
		return nil
	},
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Cancel every in-flight slot driver and requeue its issue as pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := call(cmd, "interrupt", nil); err != nil {
			return err
		}
		fmt.Println("interrupt broadcast")
		return nil
	},
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "File a new issue against the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		labels, _ := cmd.Flags().GetString("labels")
		if title == "" {
			return withExitCode(2, fmt.Errorf("--title is required"))
		}
		resp, err := call(cmd, "file", map[string]string{"title": title, "body": body, "labels": labels})
		if err != nil {
			return err
		}
		printJSON(resp.Data)
		return nil
	},
}

func init() {
	fileCmd.Flags().String("title", "", "issue title (required)")
	fileCmd.Flags().String("body", "", "issue description")
	fileCmd.Flags().String("labels", "", "comma-separated labels")
}

var commentCmd = &cobra.Command{
	Use:   "comment <issue-id>",
	Short: "Post a comment to an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")
		body, _ := cmd.Flags().GetString("body")
		if _, err := call(cmd, "comment", map[string]string{"id": args[0], "author": author, "body": body}); err != nil {
			return err
		}
		fmt.Println("comment posted")
		return nil
	},
}

func init() {
	commentCmd.Flags().String("author", "conductor", "comment author")
	commentCmd.Flags().String("body", "", "comment body")
}

var updateCmd = &cobra.Command{
	Use:   "update <issue-id>",
	Short: "Update tracker fields on an issue (repeatable --set key=value)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sets, _ := cmd.Flags().GetStringToString("set")
		fields := map[string]string{"id": args[0]}
		for k, v := range sets {
			fields[k] = v
		}
		if _, err := call(cmd, "update", fields); err != nil {
			return err
		}
		fmt.Println("updated")
		return nil
	},
}

func init() {
	updateCmd.Flags().StringToString("set", nil, "field=value pairs to update, repeatable")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <issue-id>",
	Short: "Show the full IssueRecord for one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, "inspect", map[string]string{"id": args[0]})
		if err != nil {
			return err
		}
		printJSON(resp.Data)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tracked IssueRecord",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, "list", nil)
		if err != nil {
			return err
		}
		printJSON(resp.Data)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of the engine's counters, slot table, and phase distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, "status", nil)
		if err != nil {
			return err
		}
		printJSON(resp.Data)
		return nil
	},
}
