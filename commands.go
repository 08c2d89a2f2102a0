package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/service"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and list the applied versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			store, err := service.OpenStore(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			versions, err := store.AppliedMigrations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range versions {
				fmt.Fprintln(out, v)
			}
			return nil
		},
	}
}

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var showReport bool

	cmd := &cobra.Command{
		Use:   "analyze <id>",
		Short: "Run the review pipeline for one manuscript and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid manuscript id %q", args[0])
			}
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.review.Analyze(cmd.Context(), id)
			if err != nil {
				return err
			}
			m, err := a.store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if showReport {
				report, err := service.RenderReport(m, result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, report)
				return nil
			}
			fmt.Fprintln(out, renderResult(m, result))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showReport, "report", false, "Print the full text report instead of the score summary")
	return cmd
}

func renderResult(m *model.Manuscript, r *model.AnalysisResult) string {
	rows := [][]string{
		{"Title", m.Title},
		{"Type", r.ManuscriptType},
		{"Overall", formatScore(r.OverallScore)},
		{"Language & style", formatScore(r.LanguageStyleScore)},
		{"Characters", formatScore(r.CharacterDevelopmentScore)},
		{"Plot & structure", formatScore(r.PlotStructureScore)},
		{"Originality", formatScore(r.OriginalityScore)},
		{"Plagiarism", formatScore(r.PlagiarismScore)},
		{"Words", humanize.Comma(int64(r.WordCount))},
		{"Model", r.ModelUsed},
		{"Duration", (time.Duration(r.ProcessingTimeMs) * time.Millisecond).String()},
	}
	for _, d := range r.DegradedStages {
		rows = append(rows, []string{"Degraded", d.Stage + ": " + d.Kind})
	}
	return renderTable([]string{"Field", "Value"}, rows)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded manuscripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !model.IsValidStatus(status) {
				return fmt.Errorf("unknown status %q", status)
			}
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			store, err := service.OpenStore(cmd.Context(), cfg.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			items, total, err := store.List(cmd.Context(), service.ListOptions{Status: status, Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No manuscripts found")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, m := range items {
				rows = append(rows, []string{
					strconv.FormatInt(m.ID, 10),
					m.Title,
					m.AuthorName,
					m.Status,
					humanize.Bytes(uint64(m.FileSize)),
					humanize.Time(m.CreatedAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Title", "Author", "Status", "Size", "Uploaded"},
				rows, 0, 4))
			if total > len(items) {
				fmt.Fprintf(out, "showing %d of %d\n", len(items), total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list manuscripts with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of manuscripts to list")
	return cmd
}

func newReclaimCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Mark analyses stuck in processing as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.review.ReclaimStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d manuscript(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d\n", id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum time in processing (defaults to analysis.stale_after)")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:         "hash-password [password]",
		Short:       "Print a bcrypt hash for a users[].password_hash entry",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
