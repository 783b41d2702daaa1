package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bindery/internal/queue"
	"bindery/internal/services/douban"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var title string
	var author string
	cmd := &cobra.Command{
		Use:   "add <subject-id-or-url>",
		Short: "Add a book to the queue by review-site subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID, err := douban.ParseSubjectID(args[0])
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			existing, err := store.BookByDoubanID(cmd.Context(), subjectID)
			if err != nil {
				return err
			}
			if existing != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Book %d already queued (status %s)\n", existing.ID, existing.Status)
				return nil
			}
			book, err := store.NewBook(cmd.Context(), subjectID, title, author)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added book %d (subject %s)\n", book.ID, subjectID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Title, if already known")
	cmd.Flags().StringVar(&author, "author", "", "Author, if already known")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued books",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var statuses []queue.Status
			if strings.TrimSpace(statusFilter) != "" {
				for _, raw := range strings.Split(statusFilter, ",") {
					status, ok := queue.ParseStatus(strings.TrimSpace(raw))
					if !ok {
						return fmt.Errorf("unknown status %q", strings.TrimSpace(raw))
					}
					statuses = append(statuses, status)
				}
			}
			books, err := store.ListBooks(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(books))
			for _, book := range books {
				rows = append(rows, []string{
					strconv.FormatInt(book.ID, 10),
					book.Title,
					book.Author,
					string(book.Status),
					strconv.Itoa(book.RetryCount),
					book.UpdatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Title", "Author", "Status", "Retries", "Updated"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter")
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent status transitions across all books",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.RecentHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history yet")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					strconv.FormatInt(entry.BookID, 10),
					string(entry.FromStatus),
					string(entry.ToStatus),
					entry.Reason,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"When", "Book", "From", "To", "Reason"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum transitions to show")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <book-id>",
		Short: "Show a book and its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid book id %q", args[0])
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			book, err := store.BookByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			if book == nil {
				return fmt.Errorf("book %d not found", id)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Book %d: %s\n", book.ID, book.Title)
			fmt.Fprintf(out, "  Author:    %s\n", book.Author)
			fmt.Fprintf(out, "  Publisher: %s\n", book.Publisher)
			fmt.Fprintf(out, "  ISBN:      %s\n", book.ISBN)
			fmt.Fprintf(out, "  Status:    %s\n", book.Status)
			if book.ErrorMessage != "" {
				fmt.Fprintf(out, "  Error:     %s\n", book.ErrorMessage)
			}
			if book.FilePath != "" {
				fmt.Fprintf(out, "  File:      %s (%s)\n", book.FilePath, book.FileFormat)
			}
			if book.CalibreID != 0 {
				fmt.Fprintf(out, "  Calibre:   %d\n", book.CalibreID)
			}

			history, err := store.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(history))
			for _, entry := range history {
				elapsed := ""
				if entry.ProcessingMS > 0 {
					elapsed = (time.Duration(entry.ProcessingMS) * time.Millisecond).String()
				}
				rows = append(rows, []string{
					entry.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					string(entry.FromStatus),
					string(entry.ToStatus),
					entry.Reason,
					elapsed,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"When", "From", "To", "Reason", "Elapsed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}
