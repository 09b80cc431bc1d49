package cmd

import (
	"fmt"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"sort"
	"southwinds.dev/tome/audit"
	"time"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Query the action log",
	Long: `Query the action log of the archive. The log records who did what and when; it
never holds record content or key material. Enable it with --audit or audit.enabled.`,
}

var logQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List action log events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := logQueryOptions()
		if err != nil {
			return err
		}
		return showEvents(options)
	},
}

var logFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List failed actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := logQueryOptions()
		if err != nil {
			return err
		}
		failed := false
		options.Success = &failed
		return showEvents(options)
	},
}

var logAccessCmd = &cobra.Command{
	Use:   "access",
	Short: "List unlock, lock and password events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := logQueryOptions()
		if err != nil {
			return err
		}
		options.VaultAccess = true
		return showEvents(options)
	},
}

var logStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the action log by action",
	Args:  cobra.NoArgs,
	RunE:  logStats,
}

var (
	logSince    string
	logUntil    string
	logAction   string
	logRecordID uint64
	logLimit    int
	logOffset   int
	logJSON     bool
)

func init() {
	rootCmd.AddCommand(logCmd)

	for _, c := range []*cobra.Command{logQueryCmd, logFailuresCmd, logAccessCmd, logStatsCmd} {
		logCmd.AddCommand(c)
		c.Flags().StringVar(&logSince, "since", "", "events after this time (RFC3339) or duration ago (e.g. 24h)")
		c.Flags().StringVar(&logUntil, "until", "", "events before this time (RFC3339) or duration ago")
		c.Flags().StringVar(&logAction, "action", "", "only this action (e.g. record_read)")
		c.Flags().Uint64Var(&logRecordID, "record", 0, "only events of this record")
		c.Flags().BoolVar(&logJSON, "json", false, "print as JSON")
	}
	for _, c := range []*cobra.Command{logQueryCmd, logFailuresCmd, logAccessCmd} {
		c.Flags().IntVarP(&logLimit, "limit", "n", 50, "maximum number of events")
		c.Flags().IntVar(&logOffset, "offset", 0, "events to skip")
	}
}

func logQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Action:   logAction,
		RecordID: logRecordID,
		Limit:    logLimit,
		Offset:   logOffset,
	}

	var err error
	if options.Since, err = parseTimeArg(logSince); err != nil {
		return options, fmt.Errorf("invalid --since: %w", err)
	}
	if options.Until, err = parseTimeArg(logUntil); err != nil {
		return options, fmt.Errorf("invalid --until: %w", err)
	}
	return options, nil
}

// parseTimeArg accepts an RFC3339 time or a duration before now
func parseTimeArg(arg string) (*time.Time, error) {
	if arg == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(arg); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func showEvents(options audit.QueryOptions) error {
	result, err := archive.GetAudit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query action log: %w", err)
	}

	if logJSON {
		return printJSON(result)
	}
	if len(result.Events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "TIME\tACTION\tRESULT\tRECORD\tUSER\tERROR")
	for _, e := range result.Events {
		status := color.GreenString("ok")
		if !e.Success {
			status = color.RedString("failed")
		}
		record := "-"
		if e.RecordID != 0 {
			record = fmt.Sprint(e.RecordID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, status, record, e.UserID, truncate(e.Error, 50))
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if result.HasMore {
		fmt.Printf("\nShowing %d of %d events, use --offset to see more\n", len(result.Events), result.Filtered)
	}
	return nil
}

type actionStats struct {
	Action   string    `json:"action"`
	Total    int       `json:"total"`
	Failures int       `json:"failures"`
	Last     time.Time `json:"last"`
}

func logStats(cmd *cobra.Command, args []string) error {
	logLimit, logOffset = 0, 0
	options, err := logQueryOptions()
	if err != nil {
		return err
	}

	result, err := archive.GetAudit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query action log: %w", err)
	}

	byAction := map[string]*actionStats{}
	for _, e := range result.Events {
		s, ok := byAction[e.Action]
		if !ok {
			s = &actionStats{Action: e.Action}
			byAction[e.Action] = s
		}
		s.Total++
		if !e.Success {
			s.Failures++
		}
		if e.Timestamp.After(s.Last) {
			s.Last = e.Timestamp
		}
	}

	stats := make([]*actionStats, 0, len(byAction))
	for _, s := range byAction {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Total > stats[j].Total })

	if logJSON {
		return printJSON(stats)
	}

	w := newTable()
	defer w.Flush()
	fmt.Fprintln(w, "ACTION\tTOTAL\tFAILURES\tLAST")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Action, s.Total, s.Failures, s.Last.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "\t%d events\t\t\n", len(result.Events))
	return nil
}
