// Command roulette is a headless participant: it signs in, waits in the
// queue with the stored preferences, and runs calls with synthetic media.
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

	"meetzap/backend/internal/call"
	"meetzap/backend/internal/client"
	"meetzap/backend/internal/config"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/models"
	"meetzap/backend/internal/preferences"
	"meetzap/backend/internal/realtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL string
	email     string
	password  string
	signUp    bool
	prefsDir  string
	logLevel  string
	skipAfter time.Duration
	say       string

	flagPrefs models.Preferences
)

var rootCmd = &cobra.Command{
	Use:           "roulette",
	Short:         "Join the video roulette as a headless participant",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	home, _ := os.UserHomeDir()

	f := rootCmd.Flags()
	f.StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")
	f.StringVar(&email, "email", os.Getenv("MEETZAP_EMAIL"), "account email")
	f.StringVar(&password, "password", os.Getenv("MEETZAP_PASSWORD"), "account password")
	f.BoolVar(&signUp, "signup", false, "create the account instead of signing in")
	f.StringVar(&prefsDir, "prefs-dir", filepath.Join(home, ".config", "meetzap"), "where preferences are stored")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.DurationVar(&skipAfter, "skip-after", 0, "skip each partner after this long (0 stays until they leave)")
	f.StringVar(&say, "say", "", "chat message to send when a call starts")

	f.StringVar(&flagPrefs.DisplayName, "name", "", "name shown to partners")
	f.StringVar(&flagPrefs.Country, "country", "", "country")
	f.StringVar(&flagPrefs.City, "city", "", "city")
	f.StringVar(&flagPrefs.Gender, "gender", "", "your gender (male, female)")
	f.StringVar(&flagPrefs.LookingFor, "looking-for", "", "male, female or all")
	f.IntVar(&flagPrefs.Age, "age", 0, "your age")
	f.IntVar(&flagPrefs.MinAge, "min-age", 0, "youngest partner")
	f.IntVar(&flagPrefs.MaxAge, "max-age", 0, "oldest partner")
	f.BoolVar(&flagPrefs.ExpandSearch, "expand-search", true, "match outside your city")
}

// mergeFlags overrides stored preferences with the flags given on this run.
func mergeFlags(cmd *cobra.Command, p models.Preferences) models.Preferences {
	changed := cmd.Flags().Changed
	if changed("name") {
		p.DisplayName = flagPrefs.DisplayName
	}
	if changed("country") {
		p.Country = flagPrefs.Country
	}
	if changed("city") {
		p.City = flagPrefs.City
	}
	if changed("gender") {
		p.Gender = flagPrefs.Gender
	}
	if changed("looking-for") {
		p.LookingFor = flagPrefs.LookingFor
	}
	if changed("age") {
		p.Age = flagPrefs.Age
	}
	if changed("min-age") {
		p.MinAge = flagPrefs.MinAge
	}
	if changed("max-age") {
		p.MaxAge = flagPrefs.MaxAge
	}
	if changed("expand-search") {
		p.ExpandSearch = flagPrefs.ExpandSearch
	}
	p.Filters = p.Filters.Normalize()
	return p
}

func run(cmd *cobra.Command, _ []string) error {
	if email == "" || password == "" {
		return errors.New("--email and --password (or MEETZAP_EMAIL and MEETZAP_PASSWORD) are required")
	}
	log, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := preferences.NewFileRepository(prefsDir)
	if err != nil {
		return err
	}
	prefs, err := repo.Load(ctx, email)
	if err != nil {
		return err
	}
	prefs = mergeFlags(cmd, prefs)
	if err := prefs.Validate(); err != nil {
		return err
	}
	if err := repo.Save(ctx, email, prefs); err != nil {
		return err
	}

	c := client.New(serverURL)
	if signUp {
		_, err = c.SignUp(ctx, email, password, prefs.DisplayName)
	} else {
		_, err = c.SignIn(ctx, email, password)
	}
	if err != nil {
		return err
	}

	stream, err := c.Dial(ctx, log)
	if err != nil {
		return err
	}
	defer stream.Close()

	p := &participant{c: c, stream: stream, prefs: prefs, log: log}
	err = p.loop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type participant struct {
	c      *client.Client
	stream *client.Stream
	prefs  models.Preferences
	log    *zap.Logger
}

// loop waits for a partner, runs the call, and starts over until ctx ends.
func (p *participant) loop(ctx context.Context) error {
	for {
		view, err := p.waitForMatch(ctx)
		if err != nil {
			p.leave()
			return err
		}
		fmt.Printf("Matched with %s.\n", view.PartnerName)

		if err := p.runCall(ctx, view); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, call.ErrMediaUnavailable) {
				return err
			}
			p.log.Warn("call ended with error", zap.Error(err))
		}
	}
}

func (p *participant) leave() {
	id := p.c.SessionID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.c.LeaveQueue(ctx, id); err != nil {
		p.log.Warn("leave failed", zap.Error(err))
	}
}

func (p *participant) waitForMatch(ctx context.Context) (*client.SessionView, error) {
	view, err := p.c.StartSession(ctx, p.prefs.Filters)
	if err != nil {
		return nil, err
	}
	id := view.Session.ID
	sub, err := p.stream.Subscribe(ctx, models.SessionChannel(id))
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	if _, err := p.stream.Watch(ctx, id); err != nil {
		return nil, err
	}

	if online, err := p.c.CountOnline(ctx); err == nil {
		fmt.Printf("Searching... %d online.\n", online)
	}

	search := time.NewTicker(config.MatchScanInterval)
	defer search.Stop()
	beat := time.NewTicker(config.HeartbeatInterval)
	defer beat.Stop()

	for {
		if view.Session.Status == models.StatusChatting && view.Session.HasPartner() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-beat.C:
			if _, err := p.stream.Heartbeat(ctx); err != nil {
				p.log.Warn("heartbeat failed", zap.Error(err))
			}
			continue
		case _, ok := <-sub.Events():
			if !ok {
				return nil, client.ErrStreamClosed
			}
			// Someone else paired with us; reload to get the partner.
			view, err = p.c.GetSession(ctx, id)
		case <-search.C:
			view, err = p.c.Search(ctx, id)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *participant) runCall(ctx context.Context, view *client.SessionView) error {
	local := view.Session
	sess, err := call.New(&local, call.Deps{
		Media:            call.SyntheticSource{StreamID: local.ID},
		Peers:            call.PionFactory{ICEServers: config.ICEServers(), Logger: p.log},
		Transport:        p.c,
		Realtime:         p.stream,
		Backlog:          p.c,
		Chat:             p.c,
		Queue:            p.c,
		ChatPollInterval: config.ChatPollInterval,
		OnChat:           printChat,
		Logger:           p.log,
	})
	if err != nil {
		return err
	}

	watch, err := p.stream.Subscribe(ctx, models.SessionChannel(local.ID))
	if err != nil {
		return err
	}
	defer watch.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	if say != "" {
		if _, err := p.c.SendChat(ctx, sess.CallID(), say, p.prefs.DisplayName); err != nil {
			p.log.Warn("send chat failed", zap.Error(err))
		}
	}

	var skip <-chan time.Time
	if skipAfter > 0 {
		t := time.NewTimer(skipAfter)
		defer t.Stop()
		skip = t.C
	}
	beat := time.NewTicker(config.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sess.End(endCtx); err != nil {
				p.log.Warn("end failed", zap.Error(err))
			}
			fmt.Println("Call ended.")
			return ctx.Err()
		case <-skip:
			fmt.Println("Skipping.")
			_, err := sess.Skip(ctx)
			return err
		case <-beat.C:
			if _, err := p.stream.Heartbeat(ctx); err != nil {
				p.log.Warn("heartbeat failed", zap.Error(err))
			}
		case msg, ok := <-watch.Events():
			if !ok {
				sess.Close()
				return client.ErrStreamClosed
			}
			if partnerLeft(msg, local.PartnerSession()) {
				fmt.Println("Partner left.")
				sess.Close()
				return nil
			}
		}
	}
}

// partnerLeft reports whether a session update means the call is over.
func partnerLeft(msg realtime.Message, partnerID string) bool {
	var s models.Session
	if err := json.Unmarshal(msg.Event.Row, &s); err != nil {
		return false
	}
	return s.Status != models.StatusChatting || s.PartnerSession() != partnerID
}

func printChat(msgs []models.ChatMessage) {
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderName, m.Text)
	}
}
