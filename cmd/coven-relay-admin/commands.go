// ABOUTME: cobra commands for coven-relay-admin
// ABOUTME: Each command maps onto one relay API route and renders a table or raw JSON

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// fetch GETs path into out, or prints the body verbatim under --json.
// It reports whether the caller should render out.
func fetch(cmd *cobra.Command, g *globals, path string, query url.Values, out any) (bool, error) {
	if !g.jsonOut {
		return true, g.client().call(cmd.Context(), http.MethodGet, path, query, out, nil)
	}
	var raw []byte
	if err := g.client().call(cmd.Context(), http.MethodGet, path, query, nil, &raw); err != nil {
		return false, err
	}
	return false, printJSON(cmd.OutOrStdout(), raw)
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  "+strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, "  "+strings.Join(dashes, "\t"))
	return tw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04:05")
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).Round(time.Millisecond).String()
}

func statusColor(s session.Status) string {
	switch s {
	case session.StatusRunning:
		return color.CyanString(string(s))
	case session.StatusComplete:
		return color.GreenString(string(s))
	case session.StatusError:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection counts and session statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st gateway.StatsResponse
			render, err := fetch(cmd, g, "/api/stats", nil, &st)
			if err != nil || !render {
				return err
			}

			w := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			cyan.Fprintln(w, "  Relay")
			cyan.Fprintln(w, "  -----")
			fmt.Fprintf(w, "  URL:           %s\n", g.url)
			fmt.Fprintf(w, "  Connections:   %d (%d web, %d agents)\n", st.Connections.Total, st.Connections.Web, st.Connections.Agents)
			fmt.Fprintf(w, "  Live sessions: %d (%d running)\n", st.LiveSessions, st.ActiveSessions)
			fmt.Fprintf(w, "  History:       %d\n", st.HistoryLength)
			fmt.Fprintf(w, "  Completed:     %d\n", st.CompletedSessions)
			fmt.Fprintf(w, "  Errors:        %d\n", st.ErrorSessions)
			fmt.Fprintf(w, "  Commands:      %d\n", st.TotalCommands)
			fmt.Fprintf(w, "  Success rate:  %.1f%%\n", st.SuccessRate*100)
			return nil
		},
	}
}

func connectionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conns"},
		Short:   "List authenticated connections",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var conns []gateway.ConnectionInfo
			render, err := fetch(cmd, g, "/api/connections", nil, &conns)
			if err != nil || !render {
				return err
			}
			if len(conns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no connections")
				return nil
			}

			tw := newTable(cmd.OutOrStdout(), "ID", "TYPE", "CLIENT", "STATE", "ROOMS", "CONNECTED")
			for _, c := range conns {
				state := "-"
				if c.Agent != nil {
					state = c.Agent.Status
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
					truncate(c.ID, 12), c.Type, truncate(c.ClientID, 20), state,
					strings.Join(c.Rooms, ","), formatTime(c.ConnectedAt))
			}
			return tw.Flush()
		},
	}
}

func sessionsCmd(g *globals) *cobra.Command {
	var project, client string
	var active bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if project != "" {
				q.Set("projectId", project)
			}
			if client != "" {
				q.Set("clientId", client)
			}
			if active {
				q.Set("active", "true")
			}

			var sessions []session.Session
			render, err := fetch(cmd, g, "/api/sessions/", q, &sessions)
			if err != nil || !render {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}

			tw := newTable(cmd.OutOrStdout(), "ID", "PROJECT", "STATUS", "STARTED", "DURATION", "LAST COMMAND")
			for _, s := range sessions {
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
					truncate(s.ID, 20), truncate(s.ProjectID, 16), statusColor(s.Status),
					formatTime(s.StartTime), formatDuration(s.Duration), truncate(s.LastCommand(), 40))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only sessions of this project")
	cmd.Flags().StringVar(&client, "client", "", "only sessions owned by this connection id")
	cmd.Flags().BoolVar(&active, "active", false, "only running sessions")

	cmd.AddCommand(sessionGetCmd(g), sessionMetricsCmd(g), sessionStopCmd(g))
	return cmd
}

func sessionGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a live session with its commands and responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s session.Session
			render, err := fetch(cmd, g, "/api/sessions/"+url.PathEscape(args[0]), nil, &s)
			if err != nil || !render {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "  Session:  %s\n", s.ID)
			fmt.Fprintf(w, "  Project:  %s\n", s.ProjectID)
			fmt.Fprintf(w, "  Status:   %s\n", statusColor(s.Status))
			fmt.Fprintf(w, "  Started:  %s\n", formatTime(s.StartTime))
			fmt.Fprintf(w, "  Duration: %s\n", formatDuration(s.Duration))
			gray := color.New(color.FgHiBlack)
			for _, c := range s.Commands {
				gray.Fprintf(w, "\n  > %s\n", c.Command)
			}
			if len(s.Responses) > 0 {
				fmt.Fprintln(w)
				var out strings.Builder
				for _, r := range s.Responses {
					out.WriteString(r.Content)
				}
				fmt.Fprintln(w, out.String())
			}
			return nil
		},
	}
}

func sessionMetricsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <id>",
		Short: "Show counters for a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m session.Metrics
			render, err := fetch(cmd, g, "/api/sessions/"+url.PathEscape(args[0])+"/metrics", nil, &m)
			if err != nil || !render {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "  Commands:     %d\n", m.CommandCount)
			fmt.Fprintf(w, "  Responses:    %d\n", m.ResponseCount)
			fmt.Fprintf(w, "  Bytes:        %d\n", m.BytesTransferred)
			fmt.Fprintf(w, "  File changes: %d\n", m.FileChanges)
			fmt.Fprintf(w, "  Errors:       %d\n", m.Errors)
			fmt.Fprintf(w, "  Duration:     %s\n", formatDuration(m.Duration))
			return nil
		},
	}
}

func sessionStopCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if reason != "" {
				q.Set("reason", reason)
			}
			if err := g.client().call(cmd.Context(), http.MethodDelete, "/api/sessions/"+url.PathEscape(args[0]), q, nil, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ stopped %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason reported to the owner")
	return cmd
}

// summaryQuery collects the filters shared by history and archive.
type summaryQuery struct {
	project string
	status  string
	since   string
	limit   int
}

func (f *summaryQuery) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "only this project")
	cmd.Flags().StringVar(&f.status, "status", "", "complete, error or cancelled")
	cmd.Flags().StringVar(&f.since, "since", "", "only sessions since this RFC 3339 time or duration ago (e.g. 2h)")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "maximum rows")
}

// values renders the filters; sinceKey differs between the two routes.
func (f *summaryQuery) values(sinceKey string) (url.Values, error) {
	q := url.Values{}
	if f.project != "" {
		q.Set("projectId", f.project)
	}
	if f.status != "" {
		q.Set("status", f.status)
	}
	if f.since != "" {
		since, err := parseSince(f.since, time.Now())
		if err != nil {
			return nil, err
		}
		q.Set(sinceKey, since.UTC().Format(time.RFC3339))
	}
	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}
	return q, nil
}

// parseSince accepts an RFC 3339 timestamp or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q: want an RFC 3339 time or a duration", s)
	}
	return now.Add(-d), nil
}

func summaryTable(w io.Writer, sums []session.Summary) error {
	if len(sums) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	tw := newTable(w, "ID", "PROJECT", "STATUS", "STARTED", "DURATION", "CMDS", "LAST COMMAND")
	for _, s := range sums {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(s.ID, 20), truncate(s.ProjectID, 16), statusColor(s.Status),
			formatTime(s.StartTime), formatDuration(s.Duration), s.CommandCount, truncate(s.LastCommand, 40))
	}
	return tw.Flush()
}

func historyCmd(g *globals) *cobra.Command {
	var f summaryQuery
	var offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished sessions held in memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := f.values("startDate")
			if err != nil {
				return err
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}

			var sums []session.Summary
			render, err := fetch(cmd, g, "/api/history", q, &sums)
			if err != nil || !render {
				return err
			}
			return summaryTable(cmd.OutOrStdout(), sums)
		},
	}
	f.bind(cmd)
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func archiveCmd(g *globals) *cobra.Command {
	var f summaryQuery
	var sessionID string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Query the persistent session archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := f.values("since")
			if err != nil {
				return err
			}
			if sessionID != "" {
				q.Set("sessionId", sessionID)
			}

			var records []store.Record
			render, err := fetch(cmd, g, "/api/archive/", q, &records)
			if err != nil || !render {
				return err
			}
			sums := make([]session.Summary, len(records))
			for i, r := range records {
				sums[i] = r.Summary
			}
			return summaryTable(cmd.OutOrStdout(), sums)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "every archived run of this session id")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show the latest archived summary of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec store.Record
			render, err := fetch(cmd, g, "/api/archive/"+url.PathEscape(args[0]), nil, &rec)
			if err != nil || !render {
				return err
			}
			w := cmd.OutOrStdout()
			s := rec.Summary
			fmt.Fprintf(w, "  Session:   %s\n", s.ID)
			fmt.Fprintf(w, "  Project:   %s\n", s.ProjectID)
			fmt.Fprintf(w, "  Status:    %s\n", statusColor(s.Status))
			fmt.Fprintf(w, "  Started:   %s\n", formatTime(s.StartTime))
			fmt.Fprintf(w, "  Duration:  %s\n", formatDuration(s.Duration))
			fmt.Fprintf(w, "  Commands:  %d\n", s.CommandCount)
			fmt.Fprintf(w, "  Responses: %d\n", s.ResponseCount)
			if s.Error != "" {
				fmt.Fprintf(w, "  Error:     %s\n", color.RedString(s.Error))
			}
			fmt.Fprintf(w, "  Archived:  %s\n", formatTime(rec.ArchivedAt))
			return nil
		},
	})
	return cmd
}

func eventsCmd(g *globals) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail session lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if project != "" {
				q.Set("projectId", project)
			}

			w := cmd.OutOrStdout()
			return g.client().stream(cmd.Context(), "/api/events", q, func(ev sseEvent) error {
				if g.jsonOut {
					_, err := fmt.Fprintln(w, ev.Data)
					return err
				}
				var e session.Event
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					fmt.Fprintf(w, "%s %s\n", ev.Name, ev.Data)
					return nil
				}
				line := fmt.Sprintf("%s  %-9s %s", e.Timestamp.Local().Format("15:04:05"), e.Type, e.SessionID)
				if e.ProjectID != "" {
					line += color.HiBlackString(" project=" + e.ProjectID)
				}
				if e.Summary != nil && e.Summary.Error != "" {
					line += color.RedString(" error=" + e.Summary.Error)
				}
				if e.Cleaned > 0 {
					line += fmt.Sprintf(" cleaned=%d", e.Cleaned)
				}
				_, err := fmt.Fprintln(w, line)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only events of this project")
	return cmd
}
