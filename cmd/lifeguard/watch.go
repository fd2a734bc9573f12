package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lifeshot.org/internal/config"
	"lifeshot.org/internal/events"
	"lifeshot.org/internal/httpapi"
	"lifeshot.org/internal/monitor"
	"lifeshot.org/internal/obs"
	"lifeshot.org/internal/render"
	"lifeshot.org/internal/session"
	"lifeshot.org/internal/stream"
)

// runWatch drives the live dashboard until interrupted, logged out or q is typed.
//
// Keys (followed by Enter): n next alert, p previous alert, d dismiss the shown
// alert, x delete it (manager view), h toggle hidden, q quit.
func (a *app) runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	viewFlag := fs.String("view", "", "manager or lifeguard (defaults to the signed-in role)")
	interval := fs.Duration("interval", a.cfg.Monitor.PollInterval, "poll interval")
	noSound := fs.Bool("no-sound", !a.cfg.Monitor.Sound, "disable the alert bell")
	_ = fs.Parse(args)
	if err := config.CheckPollInterval(*interval); err != nil {
		return fmt.Errorf("-interval: %w", err)
	}

	sess, err := a.manager.Load(ctx)
	if err != nil {
		return err
	}
	if sess.Empty() {
		return errors.New("not signed in; run login first")
	}

	view, err := a.resolveView(ctx, sess, *viewFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := a.in.ReadString('\n')
			if line = strings.TrimSpace(line); line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	updates := stream.New[render.Update](8)
	console := render.NewConsole(a.out, render.WithClearScreen())
	confirm := monitor.ConfirmFunc(func(ctx context.Context, prompt string) bool {
		fmt.Fprintf(a.out, "%s [y/N] ", prompt)
		select {
		case line := <-lines:
			return isYes(line)
		case <-ctx.Done():
			return false
		}
	})
	mon := monitor.New(view, a.events, render.Multi{console, render.NewStream(updates)},
		monitor.WithInterval(*interval),
		monitor.WithSound(!*noSound),
		monitor.WithConfirmer(confirm),
	)
	untrack := a.manager.Track(mon)
	defer untrack()

	if addr := a.cfg.Status.Addr; addr != "" {
		stopReplay := updates.StartReplay(15 * time.Second)
		defer stopReplay()
		shutdown := serveStatus(addr, httpapi.New(httpapi.ReadyProbe{Session: a.manager}, version, mon, updates))
		defer shutdown()
	}

	obs.Info("watch_started", map[string]any{"instance": mon.ID(), "view": string(view), "interval": mon.Interval().String()})
	mon.Start(ctx)
	defer mon.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mon.Done():
			// Logout stops the synchronizer and navigates to login.
			if a.currentScreen() == session.ScreenLogin {
				fmt.Fprintln(a.out, "Session ended; sign in again.")
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if quit := a.handleKey(ctx, mon, line); quit {
				return nil
			}
		}
	}
}

func (a *app) handleKey(ctx context.Context, mon *monitor.Synchronizer, key string) bool {
	switch strings.ToLower(key) {
	case "q":
		return true
	case "n":
		mon.NavigateAlert(events.Next)
	case "p":
		mon.NavigateAlert(events.Previous)
	case "h":
		visible := mon.State() == monitor.Idle
		mon.SetVisible(visible)
	case "d":
		if _, err := mon.DismissCurrent(ctx); err != nil {
			a.report("dismiss", err)
		}
	case "x":
		id, ok := mon.CurrentAlert()
		if !ok {
			a.report("delete", monitor.ErrNoAlert)
			return false
		}
		if err := mon.Delete(ctx, id); err != nil && !errors.Is(err, monitor.ErrNotConfirmed) {
			a.report("delete", err)
		}
	}
	return false
}

func (a *app) report(op string, err error) {
	fmt.Fprintf(a.out, "%s failed: %v\n", op, err)
}

func (a *app) resolveView(ctx context.Context, sess session.Session, raw string) (monitor.View, error) {
	if raw != "" {
		return monitor.ParseView(raw)
	}
	role := sess.Role
	if role == session.RoleUnknown || role == "" {
		p, err := a.manager.Me(ctx)
		if err != nil {
			return "", err
		}
		role = p.NormalizedRole()
	}
	screen, err := a.manager.RouteByRole(role)
	if err != nil {
		return "", err
	}
	return monitor.ParseView(string(screen))
}

// serveStatus starts the local status server and returns its shutdown func.
func serveStatus(addr string, api *httpapi.API) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		obs.Info("status_server_started", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("status_server_failed", map[string]any{"addr": addr, "error": err})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
