package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/eventdesk/eventdesk-go/internal/config"
	"github.com/eventdesk/eventdesk-go/internal/events"
	"github.com/eventdesk/eventdesk-go/internal/query"
	"github.com/eventdesk/eventdesk-go/internal/session"
	"github.com/eventdesk/eventdesk-go/pkg/httpclient"
	"github.com/eventdesk/eventdesk-go/pkg/logger"
)

const usage = `eventdesk - command line client for the event management API

Usage:
  eventdesk <command> [flags]

Commands:
  login     authenticate and persist the session token
  register  create an account and sign in
  logout    drop the persisted session
  whoami    show the current session state and token claims
  list      list events with filtering, sorting and paging
  show      show a single event by id
  create    create an event
  update    update an event
  delete    delete an event (requires password confirmation)
`

func main() {
	// A local .env is a convenience for development, missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New("eventdesk", cfg.LogLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(cfg, log)
	if err != nil {
		log.Error("failed to initialize client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := app.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "eventdesk: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	session *session.Manager
	events  *events.Client
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	// The refresh token travels as an HTTP-only cookie, so the client needs
	// a jar to carry it between calls within one invocation.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	base := httpclient.New(httpclient.Config{
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.MaxRetries,
		Jar:        jar,
	})
	doer := httpclient.NewCircuitBreakerClient(base, httpclient.DefaultCircuitBreakerConfig("eventdesk-api"), log)

	store := session.NewFileStore(cfg.TokenFile)
	mgr := session.New(cfg.APIBaseURL, doer, store, log)

	if err := mgr.OnStateChange(func(from, to session.State) {
		if to == session.StateAnonymous && from != session.StateAnonymous {
			fmt.Fprintln(os.Stderr, "eventdesk: session ended, run `eventdesk login` to sign in again")
		}
	}); err != nil {
		return nil, fmt.Errorf("subscribe to session state: %w", err)
	}

	return &app{
		cfg:     cfg,
		log:     log,
		session: mgr,
		events:  events.NewClient(cfg.APIBaseURL, mgr, log),
	}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		return a.login(ctx, args)
	case "register":
		return a.register(ctx, args)
	case "logout":
		return a.logout()
	case "whoami":
		return a.whoami()
	case "list":
		return a.list(ctx, args)
	case "show":
		return a.show(ctx, args)
	case "create":
		return a.create(ctx, args)
	case "update":
		return a.update(ctx, args)
	case "delete":
		return a.delete(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email (required)")
	password := fs.String("password", "", "account password (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("login requires -email and -password")
	}
	if err := a.session.Login(ctx, *email, *password); err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", *email)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "account email (required)")
	password := fs.String("password", "", "account password (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("register requires -email and -password")
	}
	if err := a.session.Register(ctx, *email, *password); err != nil {
		return err
	}
	fmt.Printf("registered %s, run `eventdesk login` to sign in\n", *email)
	return nil
}

func (a *app) logout() error {
	if err := a.session.Logout(); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}

func (a *app) whoami() error {
	state := a.session.State()
	fmt.Printf("state: %s\n", state)
	if state != session.StateAuthenticated {
		return nil
	}
	claims, err := a.session.Claims()
	if err != nil {
		return fmt.Errorf("decode token claims: %w", err)
	}
	if sub, ok := claims["sub"]; ok {
		fmt.Printf("subject: %v\n", sub)
	}
	if email, ok := claims["email"]; ok {
		fmt.Printf("email: %v\n", email)
	}
	if exp, ok := claims["exp"].(float64); ok {
		fmt.Printf("expires: %s\n", time.Unix(int64(exp), 0).Format(time.RFC3339))
	}
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	filter := fs.String("filter", "", "filter events by name")
	page := fs.Int("page", 0, "zero-based page index")
	pageSize := fs.Int("page-size", a.cfg.PageSize, "events per page")
	sortKey := fs.String("sort", "", "sort column: name, startDate, endDate, location")
	desc := fs.Bool("desc", false, "sort descending")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine := a.events.NewListEngine(query.Options{
		PageSize: *pageSize,
		Debounce: a.cfg.FilterDebounce,
	})
	engine.SetFilter(*filter)
	engine.SetPageIndex(*page)
	if *sortKey != "" {
		if err := engine.SetSort(*sortKey); err != nil {
			return err
		}
		if *desc {
			// A second call on the same column flips the direction.
			_ = engine.SetSort(*sortKey)
		}
	}

	if _, err := engine.Load(ctx); err != nil {
		return err
	}
	return printPage(engine.View())
}

func (a *app) show(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	id := fs.Int64("id", 0, "event id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return fmt.Errorf("show requires -id")
	}
	event, err := a.events.Get(ctx, *id)
	if err != nil {
		return err
	}
	printEvent(event)
	return nil
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	in, thumb, err := eventInputFlags(fs, args)
	if err != nil {
		return err
	}
	if in.Name == "" {
		return fmt.Errorf("create requires -name")
	}
	closeThumb, err := attachThumbnail(in, thumb)
	if err != nil {
		return err
	}
	defer closeThumb()

	created, err := a.events.Create(ctx, *in)
	if err != nil {
		return err
	}
	fmt.Printf("created event %d\n", created.ID)
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	id := fs.Int64("id", 0, "event id (required)")
	in, thumb, err := eventInputFlags(fs, args)
	if err != nil {
		return err
	}
	if *id == 0 {
		return fmt.Errorf("update requires -id")
	}
	closeThumb, err := attachThumbnail(in, thumb)
	if err != nil {
		return err
	}
	defer closeThumb()

	updated, err := a.events.Update(ctx, *id, *in)
	if err != nil {
		return err
	}
	fmt.Printf("updated event %d\n", updated.ID)
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.Int64("id", 0, "event id (required)")
	password := fs.String("password", "", "account password confirmation (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 || *password == "" {
		return fmt.Errorf("delete requires -id and -password")
	}
	if err := a.events.Delete(ctx, *id, *password); err != nil {
		return err
	}
	fmt.Printf("deleted event %d\n", *id)
	return nil
}

// eventInputFlags registers the shared create/update flags on fs and parses
// args. The returned thumbnail path is empty when no file was given.
func eventInputFlags(fs *flag.FlagSet, args []string) (*events.Input, *string, error) {
	in := &events.Input{}
	fs.StringVar(&in.Name, "name", "", "event name")
	fs.StringVar(&in.Location, "location", "", "event location")
	start := fs.String("start", "", "start date, RFC3339")
	end := fs.String("end", "", "end date, RFC3339")
	thumb := fs.String("thumbnail", "", "path to a thumbnail image")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	var err error
	if *start != "" {
		if in.StartDate, err = time.Parse(time.RFC3339, *start); err != nil {
			return nil, nil, fmt.Errorf("parse -start: %w", err)
		}
	}
	if *end != "" {
		if in.EndDate, err = time.Parse(time.RFC3339, *end); err != nil {
			return nil, nil, fmt.Errorf("parse -end: %w", err)
		}
	}
	return in, thumb, nil
}

func attachThumbnail(in *events.Input, path *string) (func(), error) {
	if path == nil || *path == "" {
		return func() {}, nil
	}
	f, err := os.Open(*path)
	if err != nil {
		return nil, fmt.Errorf("open thumbnail: %w", err)
	}
	in.Thumbnail = &events.Upload{Filename: filepath.Base(*path), Reader: f}
	return func() { _ = f.Close() }, nil
}

func printPage(page query.Page[events.Event]) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTART\tEND\tLOCATION\tSTATUS")
	for _, e := range page.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name,
			e.StartDate.Format("2006-01-02"), e.EndDate.Format("2006-01-02"),
			e.Location, e.Status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\npage %d of %d (%d events)\n", page.PageIndex+1, page.TotalPages, page.TotalCount)
	return nil
}

func printEvent(e events.Event) {
	fmt.Printf("id:        %d\n", e.ID)
	fmt.Printf("name:      %s\n", e.Name)
	fmt.Printf("start:     %s\n", e.StartDate.Format(time.RFC3339))
	fmt.Printf("end:       %s\n", e.EndDate.Format(time.RFC3339))
	fmt.Printf("location:  %s\n", e.Location)
	fmt.Printf("status:    %s\n", e.Status)
	if e.ThumbnailURL != "" {
		fmt.Printf("thumbnail: %s\n", e.ThumbnailURL)
	}
}
