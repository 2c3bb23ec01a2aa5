package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"herald/pkg/logx"
)

const (
	defaultPageSize   = 250
	defaultMaxRetries = 3
	defaultRetryBase  = 500 * time.Millisecond
	defaultRetryMax   = 10 * time.Second
	timeZone          = "UTC"
)

type GoogleOptions struct {
	CalendarID      string
	CredentialsFile string
	CredentialsJSON string

	// Endpoint and HTTPClient point the store at a fake server; no
	// credentials are required when Endpoint is set.
	Endpoint   string
	HTTPClient *http.Client

	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	PageSize   int64
}

// GoogleStore is a Store backed by the Google Calendar API. Every call is
// retried on 429, 5xx and transport failures.
type GoogleStore struct {
	svc        *gcal.Service
	calendarID string
	log        logx.Logger

	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	pageSize   int64

	retries atomic.Uint64
}

func NewGoogleStore(ctx context.Context, opts GoogleOptions, log logx.Logger) (*GoogleStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	copts := []option.ClientOption{option.WithScopes(gcal.CalendarEventsScope)}
	switch {
	case strings.TrimSpace(opts.CredentialsJSON) != "":
		copts = append(copts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)))
	case strings.TrimSpace(opts.CredentialsFile) != "":
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile))
	case opts.Endpoint != "":
		copts = append(copts, option.WithoutAuthentication())
	default:
		return nil, errors.New("calendar: credentials required")
	}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.HTTPClient != nil {
		copts = append(copts, option.WithHTTPClient(opts.HTTPClient))
	}

	svc, err := gcal.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: new service: %w", err)
	}

	s := &GoogleStore{
		svc:        svc,
		calendarID: strings.TrimSpace(opts.CalendarID),
		log:        log,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		retryMax:   opts.RetryMax,
		pageSize:   opts.PageSize,
	}
	if s.calendarID == "" {
		s.calendarID = "primary"
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.retryBase <= 0 {
		s.retryBase = defaultRetryBase
	}
	if s.retryMax < s.retryBase {
		s.retryMax = defaultRetryMax
		if s.retryMax < s.retryBase {
			s.retryMax = s.retryBase
		}
	}
	if s.pageSize <= 0 || s.pageSize > 2500 {
		s.pageSize = defaultPageSize
	}
	return s, nil
}

// Retries is the number of retried calls since the store was created.
func (s *GoogleStore) Retries() uint64 { return s.retries.Load() }

func (s *GoogleStore) List(ctx context.Context, from, to time.Time) ([]Event, error) {
	var out []Event
	token := ""
	for {
		page, err := call(ctx, s, "list", func() (*gcal.Events, error) {
			req := s.svc.Events.List(s.calendarID).
				TimeMin(from.UTC().Format(time.RFC3339)).
				TimeMax(to.UTC().Format(time.RFC3339)).
				SingleEvents(true).
				OrderBy("startTime").
				MaxResults(s.pageSize).
				Context(ctx)
			if token != "" {
				req = req.PageToken(token)
			}
			return req.Do()
		})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			if it == nil || it.Status == "cancelled" {
				continue
			}
			out = append(out, fromGoogle(it))
		}
		token = page.NextPageToken
		if token == "" {
			return out, nil
		}
	}
}

func (s *GoogleStore) Get(ctx context.Context, id string) (Event, error) {
	ge, err := s.get(ctx, id)
	if err != nil {
		return Event{}, err
	}
	return fromGoogle(ge), nil
}

func (s *GoogleStore) get(ctx context.Context, id string) (*gcal.Event, error) {
	return call(ctx, s, "get", func() (*gcal.Event, error) {
		return s.svc.Events.Get(s.calendarID, id).Context(ctx).Do()
	})
}

func (s *GoogleStore) Insert(ctx context.Context, e Event) (Event, error) {
	body := &gcal.Event{}
	applyFields(body, e)
	ge, err := call(ctx, s, "insert", func() (*gcal.Event, error) {
		return s.svc.Events.Insert(s.calendarID, body).Context(ctx).Do()
	})
	if err != nil {
		return Event{}, err
	}
	return fromGoogle(ge), nil
}

// Update reads the current event so fields herald does not own (attendees,
// reminders, colors) survive the full replace.
func (s *GoogleStore) Update(ctx context.Context, id string, e Event) (Event, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return Event{}, err
	}
	applyFields(current, e)
	ge, err := call(ctx, s, "update", func() (*gcal.Event, error) {
		return s.svc.Events.Update(s.calendarID, id, current).Context(ctx).Do()
	})
	if err != nil {
		return Event{}, err
	}
	return fromGoogle(ge), nil
}

func (s *GoogleStore) Delete(ctx context.Context, id string) error {
	_, err := call(ctx, s, "delete", func() (struct{}, error) {
		return struct{}{}, s.svc.Events.Delete(s.calendarID, id).Context(ctx).Do()
	})
	return err
}

// call runs fn under a retry policy and maps 404/410 to ErrNotFound.
func call[T any](ctx context.Context, s *GoogleStore, op string, fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(s.retryBase, s.retryMax).
		WithMaxRetries(s.maxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool { return retryable(err) }).
		Build()

	attempt := 0
	res, err := failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attempt++
		if attempt > 1 {
			s.retries.Add(1)
			s.log.Warn("calendar call retried", logx.String("op", op), logx.Int("attempt", attempt))
		}
		return fn()
	})
	if err != nil {
		var zero T
		if isNotFound(err) {
			return zero, fmt.Errorf("calendar %s: %w", op, ErrNotFound)
		}
		return zero, fmt.Errorf("calendar %s: %w", op, err)
	}
	return res, nil
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}

func applyFields(ge *gcal.Event, e Event) {
	ge.Summary = e.Summary
	ge.Description = e.Description
	ge.Location = e.Location
	ge.Start = &gcal.EventDateTime{DateTime: e.Start.UTC().Format(time.RFC3339), TimeZone: timeZone}
	ge.End = &gcal.EventDateTime{DateTime: e.End.UTC().Format(time.RFC3339), TimeZone: timeZone}
}

func fromGoogle(ge *gcal.Event) Event {
	return Event{
		ID:          ge.Id,
		Summary:     ge.Summary,
		Description: ge.Description,
		Location:    ge.Location,
		Start:       parseEventTime(ge.Start),
		End:         parseEventTime(ge.End),
		Link:        ge.HtmlLink,
	}
}

// parseEventTime handles timed events and all-day events (date only).
func parseEventTime(dt *gcal.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return t.UTC()
		}
	}
	if dt.Date != "" {
		if t, err := time.Parse("2006-01-02", dt.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}
