// Command calendarsync runs one reconciliation pass of the mesh sync
// engine: interactively on first invocation (no persisted configuration
// yet), headlessly on every run after.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
	"github.com/macjediwizard/calendarsync/internal/cliprompt"
	"github.com/macjediwizard/calendarsync/internal/clock"
	"github.com/macjediwizard/calendarsync/internal/idgen"
	"github.com/macjediwizard/calendarsync/internal/meshstate"
	"github.com/macjediwizard/calendarsync/internal/reconciler"
	"github.com/macjediwizard/calendarsync/internal/synclog"
	"github.com/macjediwizard/calendarsync/internal/syncconfig"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a successful pass, 1 on
// authorization denial or a headless configuration with no currently
// valid calendar, matching the documented exit codes.
func run() int {
	configDir, err := syncconfig.DefaultConfigDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "calendarsync:", err)
		return 1
	}

	log, logFile, err := synclog.Open(filepath.Join(configDir, "calendarsync.log"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "calendarsync: opening log file:", err)
		return 1
	}
	defer logFile.Close()

	ctx := context.Background()
	creds := syncconfig.LoadBackendCredentials()

	backend, err := newBackend(creds)
	if err != nil {
		log.Error("authorization denied, cannot reach calendar backend", "error", err.Error())
		return 1
	}

	allCalendars, err := backend.ListCalendars(ctx)
	if err != nil {
		log.Error("authorization denied, cannot list calendars", "error", err.Error())
		return 1
	}

	configPath := filepath.Join(configDir, "config.json")
	selected, persistSelection, err := resolveSelection(configPath, allCalendars, log)
	if err != nil {
		log.Error(err.Error())
		return 1
	}

	if persistSelection != nil {
		ids := make([]string, len(selected))
		for i, c := range selected {
			ids[i] = c.CalendarID
		}
		if err := syncconfig.Save(configPath, &syncconfig.Config{SelectedCalendarIDs: ids}); err != nil {
			log.Warn("failed to persist calendar selection", "error", err.Error())
		}
	}

	names := make(map[string]string, len(allCalendars))
	for _, c := range allCalendars {
		names[c.CalendarID] = c.Name
	}

	store := meshstate.NewStore(filepath.Join(configDir, "calendar_state.json"))
	rec := reconciler.New(backend, store, idgen.UUIDGenerator{}, clock.RealClock{}, log, names)

	if err := rec.Run(ctx, selected); err != nil {
		log.Error("reconciliation run failed", "error", err.Error())
		return 1
	}

	horizon := clock.RealClock{}.Now().AddDate(0, -1, 0)
	if err := synclog.PruneBefore(filepath.Join(configDir, "calendarsync.log"), horizon.UTC().Format(time.RFC3339Nano)); err != nil {
		log.Warn("failed to prune log file", "error", err.Error())
	}

	log.Info("reconciliation run completed")
	return 0
}

// resolveSelection returns the calendars to sync this run. If a
// configuration file exists, it runs headlessly against the calendars it
// names that still exist; if none still exist, that is a fatal
// configuration error. Otherwise it prompts interactively and returns a
// non-nil persistSelection slice signalling the caller to save it.
func resolveSelection(configPath string, allCalendars []calendarbackend.Calendar, log *slog.Logger) (selected, persistSelection []calendarbackend.Calendar, err error) {
	cfg, loadErr := syncconfig.Load(configPath)
	if loadErr != nil && loadErr != syncconfig.ErrMissingConfig {
		return nil, nil, fmt.Errorf("headless configuration is unusable: %w", loadErr)
	}
	if loadErr == nil {
		byID := make(map[string]calendarbackend.Calendar, len(allCalendars))
		for _, c := range allCalendars {
			byID[c.CalendarID] = c
		}
		var valid []calendarbackend.Calendar
		for _, id := range cfg.SelectedCalendarIDs {
			if c, ok := byID[id]; ok {
				valid = append(valid, c)
			} else {
				log.Warn("configured calendar no longer exists", "calendarId", id)
			}
		}
		if len(valid) == 0 {
			return nil, nil, fmt.Errorf("headless configuration references no currently-valid calendar")
		}
		return valid, nil, nil
	}

	ids, promptErr := cliprompt.SelectCalendars(os.Stdin, os.Stdout, allCalendars)
	if promptErr != nil {
		return nil, nil, fmt.Errorf("interactive selection failed: %w", promptErr)
	}
	byID := make(map[string]calendarbackend.Calendar, len(allCalendars))
	for _, c := range allCalendars {
		byID[c.CalendarID] = c
	}
	chosen := make([]calendarbackend.Calendar, 0, len(ids))
	for _, id := range ids {
		chosen = append(chosen, byID[id])
	}
	return chosen, chosen, nil
}

// newBackend selects and constructs the Calendar Backend Adapter named by
// CALENDARSYNC_BACKEND ("memory", "ics", or "caldav"; default "ics").
func newBackend(creds syncconfig.BackendCredentials) (calendarbackend.Backend, error) {
	switch os.Getenv("CALENDARSYNC_BACKEND") {
	case "memory":
		return calendarbackend.NewMemoryBackend(), nil
	case "caldav":
		if creds.CalDAVBaseURL == "" {
			return nil, fmt.Errorf("CALENDARSYNC_CALDAV_URL is required for the caldav backend")
		}
		if creds.GoogleOAuthClientID != "" && creds.GoogleOAuthClientSecret != "" && creds.GoogleOAuthRefreshToken != "" {
			ts := googleTokenSource(creds)
			return calendarbackend.NewCalDAVBackendOAuth2(creds.CalDAVBaseURL, ts, nil)
		}
		return calendarbackend.NewCalDAVBackendBasic(creds.CalDAVBaseURL, creds.CalDAVUsername, creds.CalDAVPassword, nil)
	default:
		dir := creds.ICSDirectory
		if dir == "" {
			return nil, fmt.Errorf("CALENDARSYNC_ICS_DIR is required for the ics backend")
		}
		return calendarbackend.NewICSBackend(dir, discoverICSCalendars(dir)), nil
	}
}

// googleTokenSource builds an OAuth2 token source for Google's CalDAV
// endpoint from a long-lived refresh token, the same three-value
// client-id/client-secret/refresh-token triple Google's OAuth2 flow issues
// for offline access.
func googleTokenSource(creds syncconfig.BackendCredentials) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     creds.GoogleOAuthClientID,
		ClientSecret: creds.GoogleOAuthClientSecret,
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{RefreshToken: creds.GoogleOAuthRefreshToken}
	return conf.TokenSource(context.Background(), token)
}

// discoverICSCalendars treats every immediate subdirectory of dir as one
// calendar, named after the directory.
func discoverICSCalendars(dir string) map[string]string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out[e.Name()] = e.Name()
		}
	}
	return out
}
