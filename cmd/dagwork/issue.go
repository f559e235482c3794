package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dagwork/dagwork/internal/types"
)

func init() {
	createCmd.Flags().StringP("body", "b", "", "issue body")
	createCmd.Flags().IntP("priority", "p", 3, "priority 1 (urgent) to 5")
	createCmd.Flags().StringSliceP("tag", "t", nil, "tags (repeatable)")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("tag", "", "filter by tag")
	listCmd.Flags().String("search", "", "substring search over id/title/body")
	listCmd.Flags().IntP("limit", "n", 0, "max results")
	commentCmd.Flags().String("author", "", "comment author")

	rootCmd.AddCommand(createCmd, showCmd, listCmd, tagCmd, untagCmd, commentCmd, depCmd)
}

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		body, _ := cmd.Flags().GetString("body")
		priority, _ := cmd.Flags().GetInt("priority")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		issue, err := store.Create(cmd.Context(), &types.Issue{
			Title:    args[0],
			Body:     body,
			Priority: priority,
			Tags:     tags,
		})
		if err != nil {
			return err
		}
		if emit(issue) {
			return nil
		}
		fmt.Println(renderIssueLine(issue))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an issue with comments and dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		issue, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		deps, err := store.Dependencies(cmd.Context(), issue.ID)
		if err != nil {
			return err
		}
		comments, err := store.ListComments(cmd.Context(), issue.ID, 0)
		if err != nil {
			return err
		}
		if emit(map[string]interface{}{"issue": issue, "dependencies": deps, "comments": comments}) {
			return nil
		}

		fmt.Print(renderIssue(issue))
		if len(deps) > 0 {
			fmt.Println()
			for _, d := range deps {
				arrow := fmt.Sprintf("%s -%s-> %s", d.SrcID, d.Relation, d.DstID)
				if d.Active {
					fmt.Println("  " + warnStyle.Render(arrow+" (active)"))
				} else {
					fmt.Println("  " + dimStyle.Render(arrow))
				}
			}
		}
		for _, c := range comments {
			fmt.Printf("\n%s %s\n", dimStyle.Render("#"+fmt.Sprint(c.ID)), c.Body)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		var filter types.ListFilter
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			status, err := types.ParseStatus(v)
			if err != nil {
				return err
			}
			filter.Status = status
		}
		filter.Tag, _ = cmd.Flags().GetString("tag")
		filter.Search, _ = cmd.Flags().GetString("search")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		issues, err := store.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if emit(issues) {
			return nil
		}
		for _, issue := range issues {
			fmt.Println(renderIssueLine(issue))
		}
		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag <id> <tag>...",
	Short: "Add tags to an issue",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		issue, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, tag := range args[1:] {
			if issue, err = store.AddTag(cmd.Context(), args[0], tag); err != nil {
				return err
			}
		}
		if emit(issue) {
			return nil
		}
		fmt.Println(dimStyle.Render("tags: " + strings.Join(issue.Tags, ", ")))
		return nil
	},
}

var untagCmd = &cobra.Command{
	Use:   "untag <id> <tag>...",
	Short: "Remove tags from an issue",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		issue, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, tag := range args[1:] {
			if issue, err = store.RemoveTag(cmd.Context(), args[0], tag); err != nil {
				return err
			}
		}
		if emit(issue) {
			return nil
		}
		fmt.Println(dimStyle.Render("tags: " + strings.Join(issue.Tags, ", ")))
		return nil
	},
}

var commentCmd = &cobra.Command{
	Use:   "comment <id> <text>",
	Short: "Add a comment to an issue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		author, _ := cmd.Flags().GetString("author")
		comment, err := store.AddComment(cmd.Context(), args[0], args[1], author)
		if err != nil {
			return err
		}
		if emit(comment) {
			return nil
		}
		fmt.Printf("comment #%d on %s\n", comment.ID, comment.IssueID)
		return nil
	},
}

var depCmd = &cobra.Command{
	Use:   "dep <src> <relation> <dst>",
	Short: "Add a dependency edge (blocks, parent, related; aliases blocked_by, child)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		src, dst := args[0], args[2]
		rel, swapped, err := types.ParseRelation(args[1])
		if err != nil {
			return err
		}
		if swapped {
			src, dst = dst, src
		}
		dep, err := store.AddDependency(cmd.Context(), src, rel, dst)
		if err != nil {
			return err
		}
		if emit(dep) {
			return nil
		}
		fmt.Printf("%s -%s-> %s\n", dep.SrcID, dep.Relation, dep.DstID)
		return nil
	},
}
