package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatmosaic/mosaic/internal/analysis"
	"github.com/chatmosaic/mosaic/internal/config"
	"github.com/chatmosaic/mosaic/internal/db"
	"github.com/chatmosaic/mosaic/internal/display"
	"github.com/chatmosaic/mosaic/internal/identity"
	"github.com/chatmosaic/mosaic/internal/ingest"
	"github.com/chatmosaic/mosaic/internal/insights"
	"github.com/chatmosaic/mosaic/internal/live"
	"github.com/chatmosaic/mosaic/internal/livesource"
	"github.com/chatmosaic/mosaic/internal/metrics"
	"github.com/chatmosaic/mosaic/internal/parse"
	"github.com/chatmosaic/mosaic/internal/store"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mosaic",
		Short: "Personal messaging archive",
		Long: `Mosaic folds your iMessage history and exported chat archives
into a single canonical store with identity resolution,
relationship metrics and privacy-first analysis.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("mosaic %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize mosaic config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("Failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("Failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("Failed to create data directory: %v", err)
			}
			if err := db.Init(); err != nil {
				fail("Failed to initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail("Failed to get database path: %v", err)
			}

			// Write the config file so defaults are discoverable.
			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if err := cfg.Save(); err != nil {
				fail("Failed to write config: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{
					"ok":         true,
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath,
				})
			} else {
				fmt.Printf("✓ Config directory: %s\n", configDir)
				fmt.Printf("✓ Data directory: %s\n", dataDir)
				fmt.Printf("✓ Database: %s\n", dbPath)
				fmt.Println("\nMosaic initialized successfully!")
			}
		},
	})

	// import command
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a CSV or TXT chat export",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			format, _ := cmd.Flags().GetString("format")
			label, _ := cmd.Flags().GetString("label")
			if label == "" {
				label = filepath.Base(args[0])
			}

			s := openStore()
			defer s.DB().Close()

			staged, err := ingest.StageFile(args[0])
			if err != nil {
				fail("Failed to stage file: %v", err)
			}
			result, err := ingest.ImportFile(s, staged, format, label)
			if err != nil {
				fail("Import failed: %v", err)
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			display.SuccessMsg("Imported %s", label)
			fmt.Printf("  Parsed:   %d\n", result.Parsed)
			fmt.Printf("  Inserted: %d\n", result.Inserted)
			fmt.Printf("  Skipped:  %d (already known)\n", result.Skipped)
			fmt.Printf("  Quality:  %s\n", display.QualityLabel(result.QualityScore))
			if len(result.Warnings) > 0 {
				fmt.Printf("\n%d parse warning(s), run: mosaic warnings %s\n", len(result.Warnings), result.ImportID)
			}
		},
	}
	importCmd.Flags().String("format", parse.FormatCSV, "Export format: csv or txt")
	importCmd.Flags().String("label", "", "Source label (defaults to the file name)")
	rootCmd.AddCommand(importCmd)

	// sync command
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Incrementally sync from the local Messages database",
		Run: func(cmd *cobra.Command, args []string) {
			chatDB, _ := cmd.Flags().GetString("chat-db")
			maxBatches, _ := cmd.Flags().GetInt("max-batches")
			batchSize, _ := cmd.Flags().GetInt("batch-size")

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if chatDB == "" {
				chatDB = cfg.Live.ChatDB
			}
			if batchSize <= 0 {
				batchSize = cfg.Live.BatchSize
			}

			s := openStore()
			defer s.DB().Close()

			result, err := ingest.SyncLive(context.Background(), s, ingest.SyncOptions{
				ChatDBPath: chatDB,
				BatchSize:  batchSize,
				MaxBatches: maxBatches,
			})
			if err != nil {
				var perm *livesource.PermissionError
				if errors.As(err, &perm) {
					fail("Cannot read the Messages database.\n%s", perm.Hint)
				}
				fail("Sync failed: %v", err)
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			display.SuccessMsg("Synced %d messages (%d new) in %d batch(es)", result.Scanned, result.Inserted, result.Batches)
			fmt.Printf("  Watermark: %d\n", result.Watermark)
		},
	}
	syncCmd.Flags().String("chat-db", "", "Path to chat.db (defaults to ~/Library/Messages/chat.db)")
	syncCmd.Flags().Int("max-batches", 0, "Cap the number of batches this run")
	syncCmd.Flags().Int("batch-size", 0, "Rows per batch")
	rootCmd.AddCommand(syncCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the Messages database and sync continuously",
		Run: func(cmd *cobra.Command, args []string) {
			chatDB, _ := cmd.Flags().GetString("chat-db")
			debounceSec, _ := cmd.Flags().GetInt("debounce")

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if chatDB == "" {
				chatDB = cfg.Live.ChatDB
			}
			if debounceSec <= 0 {
				debounceSec = cfg.Live.DebounceSeconds
			}

			s := openStore()
			defer s.DB().Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = live.Watch(ctx, s, live.WatchOptions{
				ChatDBPath: chatDB,
				Debounce:   time.Duration(debounceSec) * time.Second,
				BatchSize:  cfg.Live.BatchSize,
			}, func(format string, args ...any) {
				fmt.Printf(format+"\n", args...)
			})
			if err != nil {
				var perm *livesource.PermissionError
				if errors.As(err, &perm) {
					fail("Cannot read the Messages database.\n%s", perm.Hint)
				}
				fail("Watch failed: %v", err)
			}
		},
	}
	watchCmd.Flags().String("chat-db", "", "Path to chat.db")
	watchCmd.Flags().Int("debounce", 0, "Seconds to wait after a change before syncing")
	rootCmd.AddCommand(watchCmd)

	// people command
	peopleCmd := &cobra.Command{
		Use:   "people",
		Short: "List contacts with relationship metrics",
		Run: func(cmd *cobra.Command, args []string) {
			rng, _ := cmd.Flags().GetString("range")

			s := openStore()
			defer s.DB().Close()

			people, err := metrics.ListPeople(s.DB(), rng)
			if err != nil {
				fail("Failed to list people: %v", err)
			}

			if jsonOutput {
				printJSON(people)
				return
			}
			if len(people) == 0 {
				fmt.Println("No contacts yet. Run: mosaic sync or mosaic import")
				return
			}
			for _, p := range people {
				response := "-"
				if p.AvgResponseMinutes != nil {
					response = fmt.Sprintf("%.0fm", *p.AvgResponseMinutes)
				}
				fmt.Printf("%s  %s\n", display.Bold.Render(display.Truncate(p.DisplayName, 28)), display.Muted.Render(p.ParticipantID))
				fmt.Printf("  %d msgs (%d in / %d out)  reciprocity %.2f  response %s  last %s\n",
					p.Total, p.Inbound, p.Outbound, p.Reciprocity, response, display.TimeAgo(p.LastSeen))
			}
		},
	}
	peopleCmd.Flags().String("range", metrics.RangeDefault, "Time range: 90d, 12m or all")
	rootCmd.AddCommand(peopleCmd)

	// person command
	personCmd := &cobra.Command{
		Use:   "person <participant-id>",
		Short: "Show one contact's metrics and daily activity",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rng, _ := cmd.Flags().GetString("range")

			s := openStore()
			defer s.DB().Close()

			detail, err := metrics.PersonMetrics(s.DB(), args[0], rng)
			if err != nil {
				fail("Failed to load person: %v", err)
			}

			if jsonOutput {
				printJSON(detail)
				return
			}
			p := detail.Person
			fmt.Printf("%s\n", display.Bold.Render(p.DisplayName))
			fmt.Printf("  %d msgs (%d in / %d out), reciprocity %.2f\n", p.Total, p.Inbound, p.Outbound, p.Reciprocity)
			for _, d := range detail.Daily {
				fmt.Printf("  %s  %3d msgs  avg length %.0f\n", d.Day, d.Total, d.AvgMessageLength)
			}
		},
	}
	personCmd.Flags().String("range", metrics.RangeDefault, "Time range: 90d, 12m or all")
	rootCmd.AddCommand(personCmd)

	// conversations command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		Run: func(cmd *cobra.Command, args []string) {
			s := openStore()
			defer s.DB().Close()

			conversations, err := metrics.ListConversations(s.DB())
			if err != nil {
				fail("Failed to list conversations: %v", err)
			}

			if jsonOutput {
				printJSON(conversations)
				return
			}
			for _, c := range conversations {
				kind := "direct"
				if c.IsGroup {
					kind = "group"
				}
				fmt.Printf("%s  %s\n", display.Bold.Render(display.Truncate(c.Title, 40)), display.Muted.Render(kind))
				fmt.Printf("  %d messages, %d participants, last %s\n", c.Messages, c.Participants, display.TimeAgo(c.LastActivity))
			}
		},
	})

	// timeline command
	timelineCmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show day-by-day message volume",
		Run: func(cmd *cobra.Command, args []string) {
			rng, _ := cmd.Flags().GetString("range")

			s := openStore()
			defer s.DB().Close()

			buckets, err := metrics.Timeline(s.DB(), rng)
			if err != nil {
				fail("Failed to build timeline: %v", err)
			}

			if jsonOutput {
				printJSON(buckets)
				return
			}
			for _, b := range buckets {
				fmt.Printf("%s  %4d total (%d in / %d out)\n", b.Day, b.Total, b.Inbound, b.Outbound)
			}
		},
	}
	timelineCmd.Flags().String("range", metrics.RangeDefault, "Time range: 90d, 12m or all")
	rootCmd.AddCommand(timelineCmd)

	// suggest command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "suggest",
		Short: "Suggest probable duplicate contacts",
		Run: func(cmd *cobra.Command, args []string) {
			s := openStore()
			defer s.DB().Close()

			suggestions, err := identity.SuggestLinks(s.DB())
			if err != nil {
				fail("Failed to build suggestions: %v", err)
			}

			if jsonOutput {
				printJSON(suggestions)
				return
			}
			if len(suggestions) == 0 {
				fmt.Println("No likely duplicates found.")
				return
			}
			for _, sg := range suggestions {
				fmt.Printf("%s  %s ↔ %s\n", display.Confidence(sg.Confidence), sg.NameA, sg.NameB)
				fmt.Printf("  %s\n", display.Muted.Render(sg.Reason))
				fmt.Printf("  mosaic link %s %s --action approve\n", sg.ParticipantIDA, sg.ParticipantIDB)
			}
		},
	})

	// link command
	linkCmd := &cobra.Command{
		Use:   "link <participant-a> <participant-b>",
		Short: "Approve or reject an identity link (approve merges B into A)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			action, _ := cmd.Flags().GetString("action")
			confidence, _ := cmd.Flags().GetFloat64("confidence")
			method, _ := cmd.Flags().GetString("method")

			s := openStore()
			defer s.DB().Close()

			err := identity.ResolveLink(s.DB(), identity.ResolveRequest{
				ParticipantIDA: args[0],
				ParticipantIDB: args[1],
				Action:         action,
				Method:         method,
				Confidence:     confidence,
			})
			if err != nil {
				fail("Link failed: %v", err)
			}
			if action == "approve" {
				if err := metrics.Recompute(s.DB()); err != nil {
					fail("Link applied but metrics rebuild failed: %v", err)
				}
				if err := insights.Regenerate(s.DB()); err != nil {
					fail("Link applied but insights rebuild failed: %v", err)
				}
			}

			if jsonOutput {
				printJSON(map[string]any{"ok": true, "action": action})
				return
			}
			if action == "approve" {
				display.SuccessMsg("Merged %s into %s", args[1], args[0])
			} else {
				display.SuccessMsg("Recorded rejection for %s / %s", args[0], args[1])
			}
		},
	}
	linkCmd.Flags().String("action", "approve", "approve or reject")
	linkCmd.Flags().Float64("confidence", 0, "Confidence to record (defaults to 0.8)")
	linkCmd.Flags().String("method", "manual", "manual or auto")
	rootCmd.AddCommand(linkCmd)

	// links command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "links",
		Short: "Show the identity decision audit trail",
		Run: func(cmd *cobra.Command, args []string) {
			s := openStore()
			defer s.DB().Close()

			links, err := identity.ListLinks(s.DB())
			if err != nil {
				fail("Failed to list links: %v", err)
			}

			if jsonOutput {
				printJSON(links)
				return
			}
			for _, l := range links {
				fmt.Printf("%s  %s  %s ↔ %s (%s, %.2f)\n",
					l.CreatedAt.Format("2006-01-02"), l.Status, l.ParticipantIDA, l.ParticipantIDB, l.Method, l.Confidence)
			}
		},
	})

	// warnings command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "warnings <import-id>",
		Short: "Show parse warnings for an import",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := openStore()
			defer s.DB().Close()

			warnings, err := s.ListParseWarnings(args[0])
			if err != nil {
				fail("Failed to list warnings: %v", err)
			}

			if jsonOutput {
				printJSON(warnings)
				return
			}
			if len(warnings) == 0 {
				fmt.Println("No warnings for this import.")
				return
			}
			for _, w := range warnings {
				fmt.Printf("%s %s (%d rows)\n", display.SeverityLabel(w.Severity), w.Code, w.AffectedRows)
				if len(w.Details) > 0 {
					detailsJSON, _ := json.Marshal(w.Details)
					fmt.Printf("        %s\n", display.Muted.Render(string(detailsJSON)))
				}
			}
		},
	})

	// insights command
	insightsCmd := &cobra.Command{
		Use:   "insights",
		Short: "Show derived insight cards",
		Run: func(cmd *cobra.Command, args []string) {
			scope, _ := cmd.Flags().GetString("scope")

			s := openStore()
			defer s.DB().Close()

			cards, err := insights.List(s.DB(), scope)
			if err != nil {
				fail("Failed to list insights: %v", err)
			}

			if jsonOutput {
				printJSON(cards)
				return
			}
			if len(cards) == 0 {
				fmt.Println("No insights yet. Run: mosaic sync or mosaic import")
				return
			}
			for _, c := range cards {
				valueJSON, _ := json.Marshal(c.Value)
				fmt.Printf("%s  %s %s\n", display.Confidence(c.Confidence), display.Bold.Render(c.InsightType), display.Muted.Render("("+c.Source+")"))
				fmt.Printf("  %s\n", display.Truncate(string(valueJSON), 100))
			}
		},
	}
	insightsCmd.Flags().String("scope", "", "Filter by scope: global or participant")
	rootCmd.AddCommand(insightsCmd)

	// analyze command
	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a consent-gated analysis over redacted text",
		Run: func(cmd *cobra.Command, args []string) {
			analysisType, _ := cmd.Flags().GetString("type")
			participant, _ := cmd.Flags().GetString("participant")
			conversation, _ := cmd.Flags().GetString("conversation")
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			maxMessages, _ := cmd.Flags().GetInt("max")
			consent, _ := cmd.Flags().GetBool("consent")

			s := openStore()
			defer s.DB().Close()

			job, err := analysis.CreateJob(s, analysis.JobRequest{
				AnalysisType:   analysisType,
				ParticipantID:  participant,
				ConversationID: conversation,
				DateStart:      from,
				DateEnd:        to,
				MaxMessages:    maxMessages,
				Consent:        consent,
			})
			if errors.Is(err, analysis.ErrNothingSelected) {
				fail("Nothing to analyze: the selection matches no messages")
			}
			if err != nil {
				fail("Analysis failed: %v", err)
			}

			if jsonOutput {
				printJSON(job)
				return
			}
			display.SuccessMsg("Job %s %s over %d messages", job.ID, job.Status, job.RecordCount)
		},
	}
	analyzeCmd.Flags().String("type", "", "sentiment_trend, topic_clusters, tone_shift or conversation_health")
	analyzeCmd.Flags().String("participant", "", "Restrict to one participant id")
	analyzeCmd.Flags().String("conversation", "", "Restrict to one conversation id")
	analyzeCmd.Flags().String("from", "", "Earliest day to include (YYYY-MM-DD)")
	analyzeCmd.Flags().String("to", "", "Latest day to include (YYYY-MM-DD)")
	analyzeCmd.Flags().Int("max", 0, "Cap the number of messages analyzed")
	analyzeCmd.Flags().Bool("consent", false, "Explicitly consent to this analysis run")
	rootCmd.AddCommand(analyzeCmd)

	// jobs command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List recorded analysis jobs",
		Run: func(cmd *cobra.Command, args []string) {
			s := openStore()
			defer s.DB().Close()

			jobs, err := analysis.ListJobs(s)
			if err != nil {
				fail("Failed to list jobs: %v", err)
			}

			if jsonOutput {
				printJSON(jobs)
				return
			}
			for _, j := range jobs {
				fmt.Printf("%s  %s  %s (%d messages)\n", j.CreatedAt, j.Status, j.AnalysisType, j.RecordCount)
			}
		},
	})

	// status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show store counts and sync watermark",
		Run: func(cmd *cobra.Command, args []string) {
			s := openStore()
			defer s.DB().Close()

			counts, err := s.CountEntities()
			if err != nil {
				fail("Failed to count entities: %v", err)
			}
			watermark, err := s.LastLiveSyncWatermark()
			if err != nil {
				fail("Failed to read watermark: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{"counts": counts, "watermark": watermark})
				return
			}
			fmt.Printf("Messages:      %d\n", counts.Messages)
			fmt.Printf("Participants:  %d\n", counts.Participants)
			fmt.Printf("Conversations: %d\n", counts.Conversations)
			fmt.Printf("Watermark:     %d\n", watermark)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() *store.Store {
	if err := db.Init(); err != nil {
		fail("Failed to initialize database: %v", err)
	}
	database, err := db.Open()
	if err != nil {
		fail("Failed to open database: %v", err)
	}
	return store.New(database)
}

func fail(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": message})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
