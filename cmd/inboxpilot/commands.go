package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Wire shapes of the server's JSON responses, decoded loosely.
type taskRow struct {
	ID        int64      `json:"id"`
	ContactID *int64     `json:"contact_id"`
	TaskType  string     `json:"task_type"`
	Title     string     `json:"title"`
	Priority  string     `json:"priority"`
	Status    string     `json:"status"`
	DueDate   *time.Time `json:"due_date"`
	Overdue   bool       `json:"overdue"`
}

type contactRow struct {
	ID             int64          `json:"id"`
	Email          string         `json:"email"`
	Name           string         `json:"name"`
	PipelineStage  string         `json:"pipeline_stage"`
	ProfileSummary string         `json:"profile_summary"`
	Preferences    map[string]any `json:"preferences"`
}

type emailRow struct {
	MessageID int64     `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	SentAt    time.Time `json:"sent_at"`
	Snippet   string    `json:"snippet"`
	Score     float32   `json:"score"`
}

func agentFlag(cmd *cobra.Command) string {
	a, _ := cmd.Flags().GetString("agent")
	return a
}

func printTasks(tasks []taskRow) {
	if len(tasks) == 0 {
		fmt.Fprintln(stdout, "No tasks found.")
		return
	}
	tw := newTable()
	fmt.Fprintln(tw, "ID\tDUE\tPRIORITY\tSTATUS\tTYPE\tTITLE")
	for _, t := range tasks {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", t.ID, due, priorityLabel(t.Priority, t.Overdue), t.Status, t.TaskType, t.Title)
	}
	tw.Flush()
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List, update and infer follow-up tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the agent's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		contactID, _ := cmd.Flags().GetInt64("contact")
		open, _ := cmd.Flags().GetBool("open")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if contactID > 0 {
			q.Set("contact_id", strconv.FormatInt(contactID, 10))
		}
		if open {
			q.Set("open", "true")
		}
		q.Set("limit", strconv.Itoa(limit))
		path, err := client.agentPath(agentFlag(cmd), "/tasks?"+q.Encode())
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var tasks []taskRow
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}
		printTasks(tasks)
		return nil
	},
}

var tasksUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Change a task's status, priority, title or due date",
	Long: `Change a task's status, priority, title or due date.

Examples:
  inboxpilot tasks update 12 --status done
  inboxpilot tasks update 12 --priority high --due 2024-07-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		body := map[string]any{}
		for _, f := range []string{"status", "priority", "title", "description"} {
			if cmd.Flags().Changed(f) {
				v, _ := cmd.Flags().GetString(f)
				body[f] = v
			}
		}
		if cmd.Flags().Changed("due") {
			s, _ := cmd.Flags().GetString("due")
			due, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return fmt.Errorf("invalid --due %q, want YYYY-MM-DD", s)
			}
			body["due_date"] = due
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update; pass at least one of --status, --priority, --title, --description, --due")
		}
		return patchTask(cmd, id, body)
	},
}

var tasksDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Mark a task as done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		return patchTask(cmd, id, map[string]any{"status": "DONE"})
	},
}

func patchTask(cmd *cobra.Command, id int64, body map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	path, err := client.agentPath(agentFlag(cmd), "/tasks/"+strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	resp, err := client.patch(cmd.Context(), path, body)
	if err != nil {
		return err
	}
	var t taskRow
	if err := decodeJSON(resp, &t); err != nil {
		return err
	}
	printSuccess("Task %d: %s [%s, %s]", t.ID, t.Title, t.Status, t.Priority)
	return nil
}

func init() {
	tasksListCmd.Flags().String("status", "", "filter by status (OPEN, WAITING_ON_CLIENT, DONE, CANCELED)")
	tasksListCmd.Flags().Int64("contact", 0, "filter by contact id")
	tasksListCmd.Flags().Bool("open", false, "hide done and canceled tasks")
	tasksListCmd.Flags().Int("limit", 100, "maximum number of tasks")

	tasksUpdateCmd.Flags().String("status", "", "new status")
	tasksUpdateCmd.Flags().String("priority", "", "new priority (LOW, MEDIUM, HIGH)")
	tasksUpdateCmd.Flags().String("title", "", "new title")
	tasksUpdateCmd.Flags().String("description", "", "new description")
	tasksUpdateCmd.Flags().String("due", "", "new due date (YYYY-MM-DD)")

	tasksCmd.AddCommand(tasksListCmd, tasksUpdateCmd, tasksDoneCmd, tasksInferCmd)
}

// --- agenda ---

var agendaCmd = &cobra.Command{
	Use:   "agenda",
	Short: "Show open tasks due on a day (default today) plus overdue ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		suffix := "/agenda"
		if date != "" {
			suffix += "?date=" + url.QueryEscape(date)
		}
		path, err := client.agentPath(agentFlag(cmd), suffix)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var agenda struct {
			Date  string    `json:"date"`
			Tasks []taskRow `json:"tasks"`
		}
		if err := decodeJSON(resp, &agenda); err != nil {
			return err
		}
		fmt.Fprintln(stdout, colorize(colorBold, "Agenda for "+agenda.Date))
		printTasks(agenda.Tasks)
		return nil
	},
}

func init() {
	agendaCmd.Flags().String("date", "", "day to show (YYYY-MM-DD)")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the agent's emails",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"q": {query}, "limit": {strconv.Itoa(limit)}}
		path, err := client.agentPath(agentFlag(cmd), "/search?"+q.Encode())
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var hits []emailRow
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Fprintln(stdout, "No results found.")
			return nil
		}
		for i, h := range hits {
			fmt.Fprintf(stdout, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), h.Score)
			fmt.Fprintf(stdout, "  %s  %s  %s\n", h.SentAt.Format(time.DateOnly), h.From, h.Subject)
			fmt.Fprintf(stdout, "  %s\n", h.Snippet)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- contacts ---

var contactsCmd = &cobra.Command{
	Use:   "contacts [query]",
	Short: "List contacts, or search them by name or email",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		suffix := "/contacts"
		if len(args) > 0 {
			q := url.Values{"q": {strings.Join(args, " ")}, "limit": {strconv.Itoa(limit)}}
			suffix += "?" + q.Encode()
		}
		path, err := client.agentPath(agentFlag(cmd), suffix)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var contacts []contactRow
		if err := decodeJSON(resp, &contacts); err != nil {
			return err
		}
		if len(contacts) == 0 {
			fmt.Fprintln(stdout, "No contacts found.")
			return nil
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tSTAGE\tNAME\tEMAIL")
		for _, c := range contacts {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.ID, c.PipelineStage, c.Name, c.Email)
		}
		return tw.Flush()
	},
}

var contactCmd = &cobra.Command{
	Use:   "contact <contact-id>",
	Short: "Show a contact's profile, threads and open tasks as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("invalid contact id %q", args[0])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.agentPath(agentFlag(cmd), "/contacts/"+args[0])
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var contactUpdateCmd = &cobra.Command{
	Use:   "update <contact-id>",
	Short: "Edit a contact's name, phone, stage, summary or notes",
	Long: `Edit a contact's name, phone, stage, summary or notes.

Examples:
  inboxpilot contact update 4 --phone 555-0100
  inboxpilot contact update 4 --stage "showing scheduled" --notes "Prefers texts"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("invalid contact id %q", args[0])
		}
		body := map[string]any{}
		for flag, field := range map[string]string{
			"name":    "name",
			"phone":   "phone",
			"stage":   "pipeline_stage",
			"summary": "profile_summary",
			"notes":   "notes",
		} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				body[field] = v
			}
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update; pass at least one of --name, --phone, --stage, --summary, --notes")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.agentPath(agentFlag(cmd), "/contacts/"+args[0])
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), path, body)
		if err != nil {
			return err
		}
		var c contactRow
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Contact %d: %s [%s]", c.ID, c.Email, c.PipelineStage)
		return nil
	},
}

func init() {
	contactsCmd.Flags().Int("limit", 20, "maximum number of search results")

	contactUpdateCmd.Flags().String("name", "", "new name")
	contactUpdateCmd.Flags().String("phone", "", "new phone number")
	contactUpdateCmd.Flags().String("stage", "", "new pipeline stage")
	contactUpdateCmd.Flags().String("summary", "", "new profile summary")
	contactUpdateCmd.Flags().String("notes", "", "new notes")

	contactCmd.AddCommand(contactUpdateCmd)
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List email threads, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetInt("skip")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"skip": {strconv.Itoa(skip)}, "limit": {strconv.Itoa(limit)}}
		path, err := client.agentPath(agentFlag(cmd), "/threads?"+q.Encode())
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var threads []struct {
			ID            int64     `json:"id"`
			ContactID     int64     `json:"contact_id"`
			Subject       string    `json:"subject"`
			LastMessageAt time.Time `json:"last_message_at"`
		}
		if err := decodeJSON(resp, &threads); err != nil {
			return err
		}
		if len(threads) == 0 {
			fmt.Fprintln(stdout, "No threads found.")
			return nil
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tLAST MESSAGE\tCONTACT\tSUBJECT")
		for _, t := range threads {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", t.ID, t.LastMessageAt.Format(time.DateTime), t.ContactID, t.Subject)
		}
		return tw.Flush()
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Show a thread and its messages as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("invalid thread id %q", args[0])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, err := client.agentPath(agentFlag(cmd), "/threads/"+args[0])
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var thread any
		if err := decodeJSON(resp, &thread); err != nil {
			return err
		}
		return printJSON(thread)
	},
}

func init() {
	threadsCmd.Flags().Int("skip", 0, "number of threads to skip")
	threadsCmd.Flags().Int("limit", 50, "maximum number of threads")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show the state of a queued sync job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printStatus("Job", "%s", job.ID)
		printStatus("Status", "%s", job.Status)
		printStatus("Attempts", "%d", job.Attempts)
		if job.LastError != "" {
			printStatus("Last error", "%s", job.LastError)
		}
		return nil
	},
}
