package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eventdesk/eventdesk-go/internal/query"
	"github.com/eventdesk/eventdesk-go/internal/session"
	"github.com/eventdesk/eventdesk-go/pkg/apperrors"
	"github.com/eventdesk/eventdesk-go/pkg/httpclient"
)

// Resource keys the events collection in the query-engine cache.
const Resource = "events"

// Client is the typed API client for the /events endpoints. Every call goes
// through the session manager, which attaches the bearer token and recovers
// from token expiry.
type Client struct {
	baseURL string
	session *session.Manager
	logger  *slog.Logger
}

// NewClient creates an events API client.
func NewClient(baseURL string, s *session.Manager, log *slog.Logger) *Client {
	return &Client{baseURL: baseURL, session: s, logger: log}
}

// NewListEngine builds a query engine whose fetches read the events
// collection through this client.
func (c *Client) NewListEngine(opts query.Options) *query.Engine[Event] {
	opts.Resource = Resource
	fetch := func(ctx context.Context, id query.Identity) ([]Event, error) {
		return c.List(ctx, id.Filter, id.Page)
	}
	return query.NewEngine(fetch, opts, Comparers())
}

// List fetches the events collection for one filter/page combination.
func (c *Client) List(ctx context.Context, filter string, page int) ([]Event, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("filter", filter)
	}
	params.Set("page", strconv.Itoa(page))

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/events?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}

	resp, err := c.session.Dispatch(ctx, req)
	if err != nil {
		return nil, loadErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.LoadFailed(Resource, httpclient.ParseResponseError(resp, Resource))
	}
	defer resp.Body.Close()

	var out []Event
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.LoadFailed(Resource, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

// Get fetches a single event by id.
func (c *Client) Get(ctx context.Context, id int64) (Event, error) {
	req, err := http.NewRequest(http.MethodGet, c.eventURL(id), http.NoBody)
	if err != nil {
		return Event{}, fmt.Errorf("create detail request: %w", err)
	}

	resp, err := c.session.Dispatch(ctx, req)
	if err != nil {
		return Event{}, loadErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Event{}, apperrors.LoadFailed(Resource, httpclient.ParseResponseError(resp, Resource))
	}
	defer resp.Body.Close()

	var out Event
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Event{}, apperrors.LoadFailed(Resource, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

// Create posts a new event as a multipart form.
func (c *Client) Create(ctx context.Context, in Input) (Event, error) {
	return c.sendForm(ctx, http.MethodPost, c.baseURL+"/events", in, "create")
}

// Update patches an existing event as a multipart form.
func (c *Client) Update(ctx context.Context, id int64, in Input) (Event, error) {
	return c.sendForm(ctx, http.MethodPatch, c.eventURL(id), in, "update")
}

// Delete removes an event. The caller's password is re-confirmed by the
// server before the delete is applied.
func (c *Client) Delete(ctx context.Context, id int64, password string) error {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return fmt.Errorf("encode delete body: %w", err)
	}
	req, err := http.NewRequest(http.MethodDelete, c.eventURL(id), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.session.Dispatch(ctx, req)
	if err != nil {
		return mutationErr("delete", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.MutationFailed("delete", Resource, httpclient.ParseResponseError(resp, Resource))
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) sendForm(ctx context.Context, method, target string, in Input, op string) (Event, error) {
	body, contentType, err := encodeForm(in)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s form: %w", op, err)
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return Event{}, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.session.Dispatch(ctx, req)
	if err != nil {
		return Event{}, mutationErr(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Event{}, apperrors.MutationFailed(op, Resource, httpclient.ParseResponseError(resp, Resource))
	}
	defer resp.Body.Close()

	var out Event
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Event{}, apperrors.MutationFailed(op, Resource, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

// encodeForm writes the multipart mutation body. Dates travel as RFC 3339 and
// the optional file rides the "thumbnail" part.
func encodeForm(in Input) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	fields := map[string]string{
		"name":      in.Name,
		"startDate": in.StartDate.Format(time.RFC3339),
		"endDate":   in.EndDate.Format(time.RFC3339),
		"location":  in.Location,
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", name, err)
		}
	}

	if in.Thumbnail != nil {
		part, err := w.CreateFormFile("thumbnail", in.Thumbnail.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("create thumbnail part: %w", err)
		}
		if _, err := io.Copy(part, in.Thumbnail.Reader); err != nil {
			return nil, "", fmt.Errorf("copy thumbnail: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func (c *Client) eventURL(id int64) string {
	return fmt.Sprintf("%s/events/%d", c.baseURL, id)
}

// loadErr passes session-expiry through untouched and classifies everything
// else as a load failure.
func loadErr(err error) error {
	if apperrors.IsAuthExpired(err) {
		return err
	}
	return apperrors.LoadFailed(Resource, err)
}

func mutationErr(op string, err error) error {
	if apperrors.IsAuthExpired(err) {
		return err
	}
	return apperrors.MutationFailed(op, Resource, err)
}
