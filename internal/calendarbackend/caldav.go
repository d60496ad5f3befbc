package calendarbackend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	caldavTimeout  = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	caldavRetries  = 3
	caldavRPS      = 5 // requests per second, politeness toward shared CalDAV servers
)

// AuthMode selects how CalDAVBackend authenticates its requests.
type AuthMode int

const (
	AuthBasic AuthMode = iota
	AuthOAuth2
)

// CalDAVBackend is the network Backend implementation, talking to a CalDAV
// server through emersion/go-webdav/caldav the same way the teacher's
// internal/caldav.Client does, with three additions SPEC_FULL.md's domain
// stack calls for that the teacher's version didn't need: retryable HTTP
// transport (go-retryablehttp), client-side rate limiting (x/time/rate), and
// OAuth2 bearer auth for providers — like Google — that don't accept basic
// auth (x/oauth2).
type CalDAVBackend struct {
	caldavClient *caldav.Client
	limiter      *rate.Limiter
	calendars    map[string]string // path -> display name, configured up front
}

// NewCalDAVBackendBasic builds a backend authenticating with a username and
// password, mirroring the teacher's NewClient.
func NewCalDAVBackendBasic(baseURL, username, password string, calendars map[string]string) (*CalDAVBackend, error) {
	httpClient := newRetryableClient()
	wc := webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	return newCalDAVBackend(baseURL, wc, calendars)
}

// NewCalDAVBackendOAuth2 builds a backend authenticating with an OAuth2
// token source, for providers such as Google Calendar whose CalDAV endpoint
// requires bearer tokens rather than basic auth.
func NewCalDAVBackendOAuth2(baseURL string, ts oauth2.TokenSource, calendars map[string]string) (*CalDAVBackend, error) {
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = caldavTimeout
	wc := webdav.HTTPClient(httpClient)
	return newCalDAVBackend(baseURL, wc, calendars)
}

func newCalDAVBackend(baseURL string, wc webdav.HTTPClient, calendars map[string]string) (*CalDAVBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	client, err := caldav.NewClient(wc, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}
	return &CalDAVBackend{
		caldavClient: client,
		limiter:      rate.NewLimiter(rate.Limit(caldavRPS), 1),
		calendars:    calendars,
	}, nil
}

// newRetryableClient wraps net/http with go-retryablehttp's exponential
// backoff for transient network failures, the same resilience concern the
// teacher handled with a bespoke retry loop around its SQLite writes.
func newRetryableClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = caldavRetries
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = caldavTimeout
	retryClient.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: minTLSVersion},
	}
	return retryClient.StandardClient()
}

func (b *CalDAVBackend) wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// ListCalendars returns the calendars configured at construction time, or,
// if none were configured, discovers them via FindCurrentUserPrincipal ->
// FindCalendarHomeSet -> FindCalendars, the same discovery chain as the
// teacher's Client.FindCalendars.
func (b *CalDAVBackend) ListCalendars(ctx context.Context) ([]Calendar, error) {
	if len(b.calendars) > 0 {
		out := make([]Calendar, 0, len(b.calendars))
		for path, name := range b.calendars {
			out = append(out, Calendar{CalendarID: path, Name: name})
		}
		return out, nil
	}

	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	principal, err := b.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: finding principal: %w", ErrConnectionFailed, err)
	}
	homeSet, err := b.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: finding calendar home set: %w", ErrConnectionFailed, err)
	}
	cals, err := b.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: finding calendars: %w", ErrConnectionFailed, err)
	}
	out := make([]Calendar, 0, len(cals))
	for _, c := range cals {
		out = append(out, Calendar{CalendarID: c.Path, Name: c.Name})
	}
	return out, nil
}

// GetEvents queries each calendar via REPORT calendar-query, the same
// primary path as the teacher's getEventsViaQuery, filtering results to
// those starting within [start, end).
func (b *CalDAVBackend) GetEvents(ctx context.Context, calendars []Calendar, start, end time.Time) ([]Event, error) {
	var out []Event
	for _, cal := range calendars {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		query := &caldav.CalendarQuery{
			CompRequest: caldav.CalendarCompRequest{
				Name:  "VCALENDAR",
				Comps: []caldav.CalendarCompRequest{{Name: "VEVENT"}},
			},
			CompFilter: caldav.CompFilter{
				Name: "VCALENDAR",
				Comps: []caldav.CompFilter{{
					Name:  "VEVENT",
					Start: start,
					End:   end,
				}},
			},
		}
		objects, err := b.caldavClient.QueryCalendar(ctx, cal.CalendarID, query)
		if err != nil {
			return nil, fmt.Errorf("%w: querying %s: %w", ErrConnectionFailed, cal.CalendarID, err)
		}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			for _, comp := range obj.Data.Events() {
				ev, err := eventFromComponent(cal.CalendarID, &comp)
				if err != nil {
					continue
				}
				if !ev.StartDate.Before(start) && ev.StartDate.Before(end) {
					out = append(out, *ev)
				}
			}
		}
	}
	return out, nil
}

// GetEvent fetches a single event by its server path.
func (b *CalDAVBackend) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	obj, err := b.caldavClient.GetCalendarObject(ctx, eventID)
	if err != nil {
		return nil, nil
	}
	if obj.Data == nil {
		return nil, nil
	}
	events := obj.Data.Events()
	if len(events) == 0 {
		return nil, nil
	}
	return eventFromComponent(calendarID, &events[0])
}

// CreateEvent returns an uncommitted Event bound to calendarID.
func (b *CalDAVBackend) CreateEvent(ctx context.Context, calendarID string) (*Event, error) {
	return &Event{CalendarID: calendarID}, nil
}

// Save PUTs the event as an iCalendar object, the same approach as the
// teacher's PutEvent.
func (b *CalDAVBackend) Save(ctx context.Context, event *Event) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if event.EventID == "" {
		event.EventID = fmt.Sprintf("%s/%d.ics", event.CalendarID, time.Now().UnixNano())
	}
	seriesUID, _ := splitOccurrenceID(event.EventID)

	comp := eventToComponent(event, seriesUID)
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calendarsync//EN")
	cal.Children = append(cal.Children, comp.Component)

	_, err := b.caldavClient.PutCalendarObject(ctx, event.EventID, cal)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return nil
}

// Remove deletes the event at its server path.
func (b *CalDAVBackend) Remove(ctx context.Context, calendarID, eventID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if err := b.caldavClient.RemoveAll(ctx, eventID); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoveFailed, err)
	}
	return nil
}
