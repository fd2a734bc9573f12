package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/redis/go-redis/v9"

	"lifeshot.org/internal/config"
	"lifeshot.org/internal/detector"
	"lifeshot.org/internal/events"
	"lifeshot.org/internal/obs"
	"lifeshot.org/internal/render"
	"lifeshot.org/internal/session"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

// app is what every subcommand works with.
type app struct {
	cfg     config.Config
	manager *session.Manager
	events  *events.Client
	in      *bufio.Reader
	out     io.Writer
	screen  atomic.Value // session.Screen
}

func (a *app) currentScreen() session.Screen {
	s, _ := a.screen.Load().(session.Screen)
	return s
}

func main() {
	global := flag.NewFlagSet("lifeguard", flag.ExitOnError)
	cfgPath := global.String("config", envOr("LIFESHOT_CONFIG", "lifeshot.yaml"), "path to YAML config")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])
	args := global.Args()
	if len(args) == 0 {
		usage()
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal("load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, os.Stdin, os.Stdout)
	if err != nil {
		fatal("init", err)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		err = a.runLogin(ctx, rest)
	case "authorize-url":
		err = a.runAuthorizeURL()
	case "exchange":
		err = a.runExchange(ctx, rest)
	case "whoami":
		err = a.runWhoami(ctx)
	case "events":
		err = a.runEvents(ctx, rest)
	case "watch":
		err = a.runWatch(ctx, rest)
	case "dismiss":
		err = a.runDismiss(ctx, rest)
	case "delete":
		err = a.runDelete(ctx, rest)
	case "trigger":
		err = a.runTrigger(ctx, rest)
	case "logout":
		err = a.manager.Logout(ctx)
	default:
		usage()
	}
	if err != nil {
		fatal(cmd, err)
	}
}

func newApp(cfg config.Config, in io.Reader, out io.Writer) (*app, error) {
	if cfg.API.BaseURL == "" {
		return nil, errors.New("api.base_url (or LIFESHOT_API_URL) is required")
	}
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, in: bufio.NewReader(in), out: out}
	opts := []session.Option{
		session.WithStore(store),
		session.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		session.WithTokenPreference(session.TokenPreference(cfg.Auth.TokenPreference)),
		session.WithUnauthorizedPolicy(session.UnauthorizedPolicy(cfg.Auth.OnUnauthorized)),
		session.WithNavigator(session.NavigatorFunc(func(s session.Screen) {
			a.screen.Store(s)
			obs.Info("navigate", map[string]any{"screen": string(s)})
		})),
	}
	o := cfg.Auth.OAuth
	if oc := session.NewOAuthConfig(o.ClientID, o.AuthURL, o.TokenURL, o.RedirectURL, o.Scopes); oc != nil {
		opts = append(opts, session.WithOAuth(oc))
	}
	m, err := session.NewManager(cfg.API.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	a.manager = m
	a.events = events.NewClient(m)
	return a, nil
}

// buildStore picks the credential store named by auth.storage.
func buildStore(cfg config.Config) (session.Store, error) {
	switch cfg.Auth.Storage {
	case config.StorageMemory:
		return session.NewMemoryStore(), nil
	case config.StorageCookie:
		return session.NewCookieStore(cfg.API.BaseURL, cfg.Auth.CookiePath)
	case config.StorageRedis:
		r := cfg.Auth.Redis
		client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		return session.NewRedisStore(client, r.Prefix), nil
	default:
		return session.NewFileStore(cfg.Auth.StoragePath), nil
	}
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (a *app) runLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("u", "", "username")
	pass := fs.String("p", os.Getenv("LIFESHOT_PASSWORD"), "password (prompted when empty)")
	newPassword := fs.String("new-password", "", "new password if the account must change it")
	_ = fs.Parse(args)

	user, password := *username, *pass
	var err error
	if user == "" {
		if user, err = a.prompt("Username: "); err != nil {
			return err
		}
	}
	if password == "" {
		if password, err = a.prompt("Password: "); err != nil {
			return err
		}
	}

	sess, err := a.manager.Login(ctx, user, password)
	var ch *session.ChallengeError
	if errors.As(err, &ch) {
		if *newPassword == "" {
			return fmt.Errorf("%w: rerun with -new-password", err)
		}
		sess, err = a.manager.CompleteNewPassword(ctx, ch, *newPassword)
	}
	if err != nil {
		return err
	}
	return a.route(ctx, sess)
}

// route resolves the role (asking /auth/me when the token carried none) and
// navigates to its screen.
func (a *app) route(ctx context.Context, sess session.Session) error {
	role := sess.Role
	if role == session.RoleUnknown || role == "" {
		p, err := a.manager.Me(ctx)
		if err != nil {
			return err
		}
		role = p.NormalizedRole()
	}
	screen, err := a.manager.RouteByRole(role)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s (%s) -> %s view\n", sess.Username, role, screen)
	return nil
}

func (a *app) runAuthorizeURL() error {
	req, err := a.manager.NewAuthRequest()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Open:\n  %s\n\nthen run:\n  lifeguard exchange -verifier %s -code <code>\n", req.URL, req.Verifier)
	return nil
}

func (a *app) runExchange(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exchange", flag.ExitOnError)
	code := fs.String("code", "", "authorization code from the redirect")
	verifier := fs.String("verifier", "", "PKCE verifier printed by authorize-url")
	_ = fs.Parse(args)
	if *code == "" && fs.NArg() == 1 {
		*code = fs.Arg(0)
	}
	if *code == "" {
		return errors.New("usage: exchange -verifier V -code C")
	}
	sess, err := a.manager.ExchangeCode(ctx, *code, *verifier)
	if err != nil {
		return err
	}
	return a.route(ctx, sess)
}

func (a *app) runWhoami(ctx context.Context) error {
	p, err := a.manager.Me(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func (a *app) runEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	alertsOnly := fs.Bool("alerts", false, "only open events with an after-image")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	list, err := a.events.List(ctx)
	if err != nil {
		return err
	}
	view := events.Classify(list)
	sorted := view.All
	if *alertsOnly {
		sorted = view.Alerts
	}
	if *asJSON {
		return json.NewEncoder(a.out).Encode(sorted)
	}
	return render.WriteEventTable(a.out, sorted)
}

func (a *app) runDismiss(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dismiss <eventId>")
	}
	res, err := a.events.Close(ctx, args[0])
	if err != nil {
		return err
	}
	if res.AlreadyClosed() {
		fmt.Fprintf(a.out, "%s was already closed\n", args[0])
		return nil
	}
	fmt.Fprintf(a.out, "%s closed at %s (response %.0fs)\n", res.EventID, res.ClosedAt, res.ResponseSeconds)
	return nil
}

func (a *app) runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: delete [-yes] <eventId>")
	}
	id := fs.Arg(0)
	if a.manager.Role(ctx) != session.RoleAdmin {
		return errors.New("delete is only available to admins")
	}
	if !*yes {
		answer, err := a.prompt(fmt.Sprintf("Delete event %s permanently? [y/N] ", id))
		if err != nil {
			return err
		}
		if !isYes(answer) {
			fmt.Fprintln(a.out, "cancelled")
			return nil
		}
	}
	if err := a.events.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s deleted\n", id)
	return nil
}

func (a *app) runTrigger(ctx context.Context, args []string) error {
	d := a.cfg.Detector
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	prefix := fs.String("prefix", d.Prefix, "S3 prefix holding the frames")
	maxFrames := fs.Int("max-frames", d.MaxFrames, "maximum frames to analyse")
	scene := fs.Int("scene", 0, "scene number (0 lets the detector decide)")
	bucket := fs.String("bucket", "", "bucket override")
	single := fs.Bool("single", false, "only analyse the given prefix")
	_ = fs.Parse(args)

	t := detector.New(d.URL,
		detector.WithTimeout(d.Timeout),
		detector.WithRate(d.RatePerSecond, d.Burst),
		detector.WithBearer(a.manager.BearerToken),
	)
	fmt.Fprintln(a.out, "Detector running...")
	res, err := t.Run(ctx, detector.Request{
		Scene:            *scene,
		Prefix:           *prefix,
		MaxFrames:        *maxFrames,
		Bucket:           *bucket,
		SinglePrefixOnly: *single,
	})
	if errors.Is(err, detector.ErrAborted) {
		fmt.Fprintln(a.out, "Detector run aborted.")
		return nil
	}
	if err != nil {
		return err
	}
	if res.NoFrames() {
		fmt.Fprintf(a.out, "No frames under %s. %s\n", res.Prefix, res.Hint)
		return nil
	}
	fmt.Fprintf(a.out, "%s: %d frames, %d outputs, %d alerts\n", res.Status, res.TotalFrames, res.OutputsCount, res.AlertsCount)
	return nil
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(op string, err error) {
	obs.Error("command_failed", map[string]any{"command": op, "error": err})
	fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [-config file] <command> [flags]

commands:
  login [-u user] [-p pass] [-new-password new]
                             sign in with username and password
  authorize-url              print a hosted-UI sign-in URL (PKCE)
  exchange -verifier V -code C
                             finish a hosted-UI sign-in
  whoami                     show the signed-in profile
  events [-alerts] [-json]   list events, newest first
  watch [-view V] [-interval D] [-no-sound]
                             live dashboard for the signed-in role
  dismiss ID                 close an event
  delete [-yes] ID           delete an event (admin)
  trigger [flags]            run the drowning detector
  logout                     sign out and clear stored credentials
`, os.Args[0])
	os.Exit(2)
}
