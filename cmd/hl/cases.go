package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hypoline/internal/app"
	"hypoline/internal/domain"
	"hypoline/internal/exchange"
	"hypoline/internal/store"
	"hypoline/internal/workflow"
)

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func done(v bool) string {
	if v {
		return "✓"
	}
	return ""
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:     "case",
		Aliases: []string{"cases"},
		Short:   "Mortgage cases",
	}
	c.AddCommand(caseListCmd())
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseEditCmd())
	c.AddCommand(caseArchiveCmd(true))
	c.AddCommand(caseArchiveCmd(false))
	c.AddCommand(caseDeleteCmd())
	c.AddCommand(caseUndoCmd(true))
	c.AddCommand(caseUndoCmd(false))
	c.AddCommand(caseHistoryCmd())
	return c
}

func addFilterFlags(cmd *cobra.Command, f *store.Filter) {
	cmd.Flags().StringVar(&f.Advisor, "advisor", "", "advisor name")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "label of the stage the case waits on")
	cmd.Flags().StringVar(&f.Bank, "bank", "", "bank name")
	cmd.Flags().StringVar(&f.ProposalDate, "proposal-date", "", "proposal date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&f.Text, "query", "q", "", "text search over client, advisor, bank and note")
	cmd.Flags().BoolVar(&f.ShowArchived, "archived", false, "include archived cases")
}

func caseListCmd() *cobra.Command {
	var f store.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				list := ws.Engine.Query(ctx, f)
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Client", "Advisor", "Bank", "Proposal", "Waiting on", "Archived")
				for _, c := range list {
					waiting := workflow.CurrentStageLabel(c)
					if workflow.IsComplete(c) {
						waiting = "dokončeno"
					}
					tw.AppendRow(table.Row{c.ID, c.ClientName, c.AdvisorName, c.Bank.Name, c.Proposal.Date, waiting, done(c.Archived)})
				}
				tw.Render()
				return nil
			})
		},
	}
	addFilterFlags(cmd, &f)
	return cmd
}

func addCaseFlags(cmd *cobra.Command, in *domain.CaseInit) {
	cmd.Flags().StringVar(&in.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&in.AdvisorName, "advisor", "", "advisor name")
	cmd.Flags().StringVar(&in.Intake.What, "what", "", "what is financed")
	cmd.Flags().StringVar(&in.Intake.Amount, "amount", "", "loan amount")
	cmd.Flags().StringVar(&in.Intake.Description, "description", "", "intake description")
	cmd.Flags().StringVar(&in.Proposal.Date, "proposal-date", "", "proposal date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Proposal.InterestRate, "rate", "", "proposed interest rate")
	cmd.Flags().StringVar(&in.Bank.Name, "bank", "", "chosen bank")
	cmd.Flags().StringVar(&in.Note, "note", "", "case note")
}

func caseCreateCmd() *cobra.Command {
	var in domain.CaseInit
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, err := ws.Engine.CreateCase(ctx, actor(), in)
				if err != nil {
					return err
				}
				return printJSONOrText(c, fmt.Sprintf("created case %d (%s)", c.ID, c.ClientName))
			})
		},
	}
	addCaseFlags(cmd, &in)
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

// caseEditCmd only replaces the fields whose flags were given.
func caseEditCmd() *cobra.Command {
	var form domain.CaseInit
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit intake, proposal and bank data of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cur, err := ws.Engine.Get(ctx, id)
				if err != nil {
					return err
				}
				next := domain.CaseInit{
					ClientName:  cur.ClientName,
					AdvisorName: cur.AdvisorName,
					Intake:      cur.Intake,
					Proposal:    cur.Proposal,
					Bank:        cur.Bank,
					Note:        cur.Note,
				}
				set := func(flag string, dst *string, v string) {
					if cmd.Flags().Changed(flag) {
						*dst = v
					}
				}
				set("client", &next.ClientName, form.ClientName)
				set("advisor", &next.AdvisorName, form.AdvisorName)
				set("what", &next.Intake.What, form.Intake.What)
				set("amount", &next.Intake.Amount, form.Intake.Amount)
				set("description", &next.Intake.Description, form.Intake.Description)
				set("proposal-date", &next.Proposal.Date, form.Proposal.Date)
				set("rate", &next.Proposal.InterestRate, form.Proposal.InterestRate)
				set("bank", &next.Bank.Name, form.Bank.Name)
				set("note", &next.Note, form.Note)
				c, err := ws.Engine.EditCase(ctx, actor(), id, next)
				if err != nil {
					return err
				}
				return printJSONOrText(c, fmt.Sprintf("updated case %d", c.ID))
			})
		},
	}
	addCaseFlags(cmd, &form)
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, err := ws.Engine.Get(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				printCase(c)
				return nil
			})
		},
	}
}

func printCase(c domain.Case) {
	fmt.Printf("Case %d: %s\n", c.ID, c.ClientName)
	fmt.Printf("Advisor: %s\n", c.AdvisorName)
	fmt.Printf("Intake: %s %s %s\n", c.Intake.What, c.Intake.Amount, c.Intake.Description)
	fmt.Printf("Proposal: %s at %s\n", c.Proposal.Date, c.Proposal.InterestRate)
	fmt.Printf("Bank: %s\n", c.Bank.Name)
	if c.Note != "" {
		fmt.Printf("Note: %s\n", c.Note)
	}
	if c.Archived {
		fmt.Println("Archived")
	}
	tw := newTable("#", "Stage", "Done", "Completed", "Deadline", "Reminder", "Files", "Note")
	for i, s := range c.Stages {
		reminder := s.ReminderDate
		if s.ReminderOffsetDays != nil {
			reminder = strings.TrimSpace(fmt.Sprintf("-%dd %s", *s.ReminderOffsetDays, reminder))
		}
		tw.AppendRow(table.Row{i, s.Label, done(s.Done), s.CompletedAt, s.Deadline, reminder, len(s.Attachments), s.Note})
	}
	tw.Render()
}

func caseArchiveCmd(archive bool) *cobra.Command {
	use, short := "archive <id>", "Archive a case"
	if !archive {
		use, short = "unarchive <id>", "Return an archived case to the active list"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var c domain.Case
				if archive {
					c, err = ws.Engine.Archive(ctx, actor(), id)
				} else {
					c, err = ws.Engine.Unarchive(ctx, actor(), id)
				}
				if err != nil {
					return err
				}
				return printJSONOrText(c, fmt.Sprintf("case %d archived=%t", c.ID, c.Archived))
			})
		},
	}
}

func caseDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a case permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes && !confirm(cmd.InOrStdin(), fmt.Sprintf("Delete case %d? This cannot be undone [y/N]: ", id)) {
				fmt.Println("aborted")
				return nil
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.Delete(ctx, actor(), id); err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"deleted": id}, fmt.Sprintf("deleted case %d", id))
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func confirm(in io.Reader, prompt string) bool {
	fmt.Print(prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "a", "ano":
		return true
	}
	return false
}

func caseUndoCmd(undo bool) *cobra.Command {
	use, short := "undo <id>", "Undo the last change of a case"
	if !undo {
		use, short = "redo <id>", "Redo the last undone change of a case"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var c *domain.Case
				if undo {
					c, err = ws.Engine.Undo(ctx, actor(), id)
				} else {
					c, err = ws.Engine.Redo(ctx, actor(), id)
				}
				if err != nil {
					return err
				}
				if c == nil {
					return printJSONOrText(map[string]any{"changed": false}, "nothing to "+strings.Fields(use)[0])
				}
				return printJSONOrText(map[string]any{"changed": true, "case": c}, fmt.Sprintf("case %d restored", c.ID))
			})
		},
	}
}

func caseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the undo stack of a case, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				entries, err := ws.Engine.History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("When", "Who", "Change")
				for _, e := range entries {
					tw.AppendRow(table.Row{e.When, e.Who, e.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "stage",
		Short: "Work on the stages of a case",
		Long:  "Stage indexes count from 0 at the first stage after the bank choice.",
	}
	s.AddCommand(stageDoneCmd())
	s.AddCommand(stageDeadlineCmd())
	s.AddCommand(stageNoteCmd())
	s.AddCommand(stageReminderCmd())
	s.AddCommand(stageAttachCmd())
	s.AddCommand(stageDetachCmd())
	s.AddCommand(stageFetchCmd())
	s.AddCommand(stageHistoryCmd())
	return s
}

func stageMutation(use, short string, nargs int, apply func(ctx context.Context, ws *app.Workspace, id, idx int, rest []string) (domain.Case, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := parseCaseStage(args)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, err := apply(ctx, ws, id, idx, args[2:])
				if err != nil {
					return err
				}
				return printJSONOrText(c, fmt.Sprintf("case %d: %s updated", c.ID, c.Stages[idx].Label))
			})
		},
	}
}

func stageDoneCmd() *cobra.Command {
	return stageMutation("done <id> <stage>", "Mark a stage completed", 2,
		func(ctx context.Context, ws *app.Workspace, id, idx int, _ []string) (domain.Case, error) {
			return ws.Engine.MarkStageDone(ctx, actor(), id, idx)
		})
}

func stageDeadlineCmd() *cobra.Command {
	return stageMutation("deadline <id> <stage> <date>", "Set a stage deadline; an empty date clears it", 3,
		func(ctx context.Context, ws *app.Workspace, id, idx int, rest []string) (domain.Case, error) {
			return ws.Engine.SetStageDeadline(ctx, actor(), id, idx, rest[0])
		})
}

func stageNoteCmd() *cobra.Command {
	return stageMutation("note <id> <stage> <text>", "Set a stage note", 3,
		func(ctx context.Context, ws *app.Workspace, id, idx int, rest []string) (domain.Case, error) {
			return ws.Engine.SetStageNote(ctx, actor(), id, idx, rest[0])
		})
}

func stageReminderCmd() *cobra.Command {
	var offset int
	var date string
	cmd := stageMutation("remind <id> <stage>", "Set a stage reminder by offset or date", 2, nil)
	cmd.Aliases = []string{"reminder"}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, idx, err := parseCaseStage(args)
		if err != nil {
			return err
		}
		var off *int
		if cmd.Flags().Changed("days-before") {
			off = &offset
		}
		return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
			c, err := ws.Engine.SetStageReminder(ctx, actor(), id, idx, off, date)
			if err != nil {
				return err
			}
			return printJSONOrText(c, fmt.Sprintf("case %d: reminder for %s updated", c.ID, c.Stages[idx].Label))
		})
	}
	cmd.Flags().IntVar(&offset, "days-before", 0, "remind this many days before the deadline")
	cmd.Flags().StringVar(&date, "date", "", "remind on this date (YYYY-MM-DD)")
	return cmd
}

func stageAttachCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "attach <id> <stage> <file>",
		Short: "Attach a file to a stage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := parseCaseStage(args)
			if err != nil {
				return err
			}
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			if name == "" {
				name = filepath.Base(args[2])
			}
			contentType := mime.TypeByExtension(filepath.Ext(name))
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				_, att, err := ws.Engine.AttachFile(ctx, actor(), id, idx, name, contentType, f)
				if err != nil {
					return err
				}
				return printJSONOrText(att, fmt.Sprintf("attached %s as %s", att.Name, att.ID))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "attachment name (defaults to the file name)")
	return cmd
}

func stageDetachCmd() *cobra.Command {
	return stageMutation("detach <id> <stage> <attachment-id>", "Remove an attachment from a stage", 3,
		func(ctx context.Context, ws *app.Workspace, id, idx int, rest []string) (domain.Case, error) {
			return ws.Engine.DetachFile(ctx, actor(), id, idx, rest[0])
		})
}

func stageFetchCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "fetch <id> <stage> <attachment-id>",
		Short: "Download an attachment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := parseCaseStage(args)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				att, body, err := ws.Engine.OpenAttachment(ctx, id, idx, args[2])
				if err != nil {
					return err
				}
				defer body.Close()
				target := out
				if target == "" {
					target = att.Name
				}
				return writeFile(target, body)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path, - for stdout")
	return cmd
}

func stageHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id> <stage>",
		Short: "Show the change log of a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := parseCaseStage(args)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, err := ws.Engine.Get(ctx, id)
				if err != nil {
					return err
				}
				if idx < 0 || idx >= len(c.Stages) {
					return fmt.Errorf("%w: %d", workflow.ErrInvalidStageIndex, idx)
				}
				log := c.Stages[idx].ChangeLog
				if viper.GetBool("json") {
					return printJSON(log)
				}
				tw := newTable("When", "Who", "Change")
				for _, r := range log {
					tw.AppendRow(table.Row{r.When, r.Who, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func writeFile(path string, r io.Reader) error {
	if path == "-" {
		_, err := io.Copy(os.Stdout, r)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func upcomingCmd() *cobra.Command {
	var f store.Filter
	cmd := &cobra.Command{
		Use:   "upcoming",
		Short: "Deadlines within the configured horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				list := ws.Engine.Upcoming(ctx, f)
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("Case", "Client", "Advisor", "Deadline", "Date")
				for _, c := range list {
					for _, d := range c.Deadlines {
						tw.AppendRow(table.Row{c.CaseID, c.Client, c.Advisor, d.Label, d.Date})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	addFilterFlags(cmd, &f)
	return cmd
}

func remindersCmd() *cobra.Command {
	var f store.Filter
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Reminders firing today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				list := ws.Engine.Reminders(ctx, f)
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("Case", "Client", "Advisor", "Reminder")
				for _, c := range list {
					for _, r := range c.Reminders {
						tw.AppendRow(table.Row{c.CaseID, c.Client, c.Advisor, r.String()})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	addFilterFlags(cmd, &f)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dashboard overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r := ws.Engine.Report(ctx)
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Date: %s\n", r.Date)
				fmt.Printf("Cases: %d total, %d active, %d completed, %d archived\n", r.Total, r.Active, r.Completed, r.Archived)
				fmt.Printf("With upcoming deadlines: %d\n", r.WithUpcoming)
				fmt.Printf("Average completion: %s\n", r.AvgCompletionDays)
				tw := newTable("Waiting on", "Cases")
				for _, p := range r.Pipeline {
					tw.AppendRow(table.Row{p.Label, p.Count})
				}
				tw.Render()
				tw = newTable("Advisor", "Cases")
				for _, name := range slices.Sorted(maps.Keys(r.ByAdvisor)) {
					tw.AppendRow(table.Row{name, r.ByAdvisor[name]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func formatFromPath(path, fallback string) string {
	if fallback != "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case exchange.FormatCSV:
		return exchange.FormatCSV
	case exchange.FormatXLSX:
		return exchange.FormatXLSX
	default:
		return exchange.FormatJSON
	}
}

func exportCmd() *cobra.Command {
	var f store.Filter
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export cases as JSON, CSV or XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			format = formatFromPath(out, format)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if out == "" || out == "-" {
					return ws.Engine.Export(ctx, format, os.Stdout, f)
				}
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := ws.Engine.Export(ctx, format, file, f); err != nil {
					file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "exported to", out)
				return nil
			})
		},
	}
	addFilterFlags(cmd, &f)
	cmd.Flags().StringVar(&format, "format", "", "json, csv or xlsx (defaults to the file extension)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, stdout when empty")
	return cmd
}

func importCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import cases; cases with an existing id are replaced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = formatFromPath(args[0], format)
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				list, err := ws.Engine.Import(ctx, actor(), format, file)
				if err != nil {
					return err
				}
				ids := make([]string, len(list))
				for i, c := range list {
					ids[i] = strconv.Itoa(c.ID)
				}
				return printJSONOrText(list, fmt.Sprintf("imported %d cases: %s", len(list), strings.Join(ids, ", ")))
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json, csv or xlsx (defaults to the file extension)")
	return cmd
}
