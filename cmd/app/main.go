// cmd/app/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/broker"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/config"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/poll"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/presence"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/scheduler"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/user"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug mode")
	adminReset = flag.Bool("admin-reset", false, "Reset the presence registry and channel bookkeeping, then exit")
)

// App wires the console session: one user peer, its transport, the
// presence registry, and the redelivery scheduler.
type App struct {
	user      *user.User
	transport broker.Transport
	registry  presence.Registry
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
	in        *bufio.Reader
	ctx       context.Context
	cancel    context.CancelFunc
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *adminReset {
		if err := runAdminReset(ctx, cfg, logger); err != nil {
			logger.Fatal("Reset failed", zap.Error(err))
		}
		fmt.Println("Presence registry and channel bookkeeping reset.")
		return
	}

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	setupGracefulShutdown(cancel, logger)

	app.run()
	app.stop()
}

// runAdminReset clears the shared presence file and the broker's
// channel registry. Run it between sessions when peers exited uncleanly.
func runAdminReset(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	transport, err := broker.NewRedis(&cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer transport.Close()

	registry, err := presence.NewFile(cfg.Presence.Path, logger)
	if err != nil {
		return fmt.Errorf("opening presence registry: %w", err)
	}

	if err := registry.Reset(); err != nil {
		return fmt.Errorf("resetting presence registry: %w", err)
	}
	if err := transport.ResetRegistry(ctx); err != nil {
		return fmt.Errorf("resetting channel registry: %w", err)
	}
	return nil
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	transport, err := broker.NewRedis(&cfg.Broker, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	registry, err := presence.NewFile(cfg.Presence.Path, logger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("opening presence registry: %w", err)
	}

	in := bufio.NewReader(os.Stdin)

	// Keep prompting until a free name is chosen
	var u *user.User
	for {
		name := promptLine(in, "Choose a user name: ")
		if name == "" {
			continue
		}

		u, err = user.New(ctx, user.Config{
			Name:          name,
			ChannelPrefix: cfg.Broker.ChannelPrefix,
			Transport:     transport,
			Registry:      registry,
			Logger:        logger,
		})
		if err == nil {
			break
		}
		if errors.Is(err, user.ErrNameTaken) {
			fmt.Printf("The name [%s] is taken, try another.\n", name)
			continue
		}
		transport.Close()
		return nil, fmt.Errorf("logging on: %w", err)
	}

	sched := scheduler.NewScheduler(&cfg.Retry, logger)
	if err := sched.Start(); err != nil {
		u.Quit()
		transport.Close()
		return nil, fmt.Errorf("starting scheduler: %w", err)
	}
	if err := sched.ScheduleTask(&scheduler.Task{
		ID:          "redeliver-" + u.Name(),
		Name:        "Pending delivery sweep",
		ExecutionFn: u.RetryPendingDeliveries,
	}); err != nil {
		sched.Stop()
		u.Quit()
		transport.Close()
		return nil, fmt.Errorf("scheduling redelivery: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	app := &App{
		user:      u,
		transport: transport,
		registry:  registry,
		scheduler: sched,
		logger:    logger,
		in:        in,
		ctx:       appCtx,
		cancel:    cancel,
	}

	go app.printAlerts()

	fmt.Printf("Welcome, %s! Type 'help' for commands.\n", u.Name())
	return app, nil
}

func (a *App) stop() {
	a.cancel()
	a.scheduler.Stop()
	if err := a.user.Quit(); err != nil {
		a.logger.Error("Shutdown error", zap.Error(err))
	}
	if err := a.transport.Close(); err != nil {
		a.logger.Error("Shutdown error", zap.Error(err))
	}
	fmt.Println("Goodbye.")
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		// The console loop blocks on stdin; exit after a grace period.
		time.Sleep(2 * time.Second)
		os.Exit(0)
	}()
}

// printAlerts surfaces asynchronous activity between prompts.
func (a *App) printAlerts() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case alert := <-a.user.Alerts():
			fmt.Printf("\n*** %s\n", alert)
		}
	}
}

// run drives the console loop until quit or shutdown.
func (a *App) run() {
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		line := promptLine(a.in, "> ")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			a.printHelp()
		case "users":
			a.printUsers()
		case "mine":
			a.printInitiated()
		case "invited":
			a.printInvited()
		case "open":
			a.openPoll()
		case "respond":
			a.respondPoll()
		case "close":
			a.closePoll()
		case "quit":
			return
		default:
			fmt.Printf("Unknown command %q, type 'help'.\n", fields[0])
		}
	}
}

func (a *App) printHelp() {
	fmt.Println(`Commands:
  users    list available users
  mine     list polls you initiated
  invited  list polls you were invited to
  open     open a new poll
  respond  respond to a poll you were invited to
  close    close one of your polls
  quit     log off`)
}

func (a *App) printUsers() {
	users := a.user.AvailableUsers()
	if len(users) == 0 {
		fmt.Println("No users available.")
		return
	}
	for _, name := range users {
		fmt.Printf("  %s\n", name)
	}
}

func (a *App) printInitiated() {
	open := a.user.OpenInitiatedPolls()
	closed := a.user.ClosedInitiatedPolls()
	if len(open) == 0 && len(closed) == 0 {
		fmt.Println("You have not initiated any polls.")
		return
	}

	for _, title := range sortedTitles(open) {
		p := open[title]
		fmt.Printf("  [open]   %s\n", p.Status())
		if pending := p.Pending(); len(pending) > 0 {
			fmt.Printf("           pending deliveries: %s\n", strings.Join(pending, ", "))
		}
	}
	for _, title := range sortedTitles(closed) {
		fmt.Printf("  [closed] %s\n", closed[title].Status())
	}
}

func (a *App) printInvited() {
	buckets := []struct {
		label string
		views map[poll.Key]*poll.StatusPayload
	}{
		{label: "open", views: a.user.OpenInvitedPolls()},
		{label: "responded", views: a.user.RespondedInvitedPolls()},
		{label: "closed", views: a.user.ClosedInvitedPolls()},
	}

	empty := true
	for _, bucket := range buckets {
		for _, key := range sortedKeys(bucket.views) {
			fmt.Printf("  [%s] %s\n", bucket.label, bucket.views[key])
			empty = false
		}
	}
	if empty {
		fmt.Println("You have no invitations.")
	}
}

func (a *App) openPoll() {
	title := promptLine(a.in, "Poll title: ")
	if title == "" {
		fmt.Println("A title is required.")
		return
	}

	inviteeLine := promptLine(a.in, "Invitees (comma-separated): ")
	var invitees []string
	for _, name := range strings.Split(inviteeLine, ",") {
		if name = strings.TrimSpace(name); name != "" && name != a.user.Name() {
			invitees = append(invitees, name)
		}
	}
	if len(invitees) == 0 {
		fmt.Println("At least one invitee is required.")
		return
	}

	day, err := time.Parse("01/02/2006", promptLine(a.in, "Day (mm/dd/yyyy): "))
	if err != nil {
		fmt.Printf("Bad day: %v\n", err)
		return
	}

	slotLine := promptLine(a.in, "Time slots (e.g. 9, 10:30, 14-15; comma-separated): ")
	var slots []poll.TimeSlot
	for _, expr := range strings.Split(slotLine, ",") {
		if expr = strings.TrimSpace(expr); expr == "" {
			continue
		}
		slot, err := poll.ParseTimeSlot(day, expr)
		if err != nil {
			fmt.Printf("Bad time slot %q: %v\n", expr, err)
			return
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		fmt.Println("At least one time slot is required.")
		return
	}

	if err := a.user.OpenPoll(title, invitees, slots); err != nil {
		fmt.Printf("Could not open poll: %v\n", err)
		return
	}
	fmt.Printf("Poll [%s] opened; invitations sent.\n", title)
}

func (a *App) respondPoll() {
	title := promptLine(a.in, "Poll title: ")
	initiator := promptLine(a.in, "Poll initiator: ")
	key := poll.Key{Title: title, Initiator: initiator}

	status, ok := a.user.OpenInvitedPolls()[key]
	if !ok {
		fmt.Println("No such open invitation.")
		return
	}

	responses := make(map[poll.TimeSlot]poll.Response)
	for _, slot := range poll.SortedTimeSlots(status.Responses) {
		choice := poll.ParseChoice(promptLine(a.in, fmt.Sprintf("  %s [y/n/m]: ", slot)))
		responses[slot] = poll.Response{Responder: a.user.Name(), Choice: choice}
	}

	if err := a.user.RespondPoll(title, initiator, responses); err != nil {
		fmt.Printf("Could not respond: %v\n", err)
		return
	}
	fmt.Println("Response sent.")
}

func (a *App) closePoll() {
	title := promptLine(a.in, "Poll title: ")

	p, ok := a.user.OpenInitiatedPolls()[title]
	if !ok {
		fmt.Println("No such open poll.")
		return
	}

	slots := poll.SortedTimeSlots(p.Responses())
	fmt.Println("Proposed time slots:")
	for i, slot := range slots {
		breakdown := poll.CalculateBreakdown(p.Responses()[slot])
		fmt.Printf("  %d) %s  yes=%d maybe=%d no=%d (score=%.1f)\n",
			i+1, slot, breakdown.Yes, breakdown.Maybe, breakdown.No, breakdown.Score)
	}
	if top, breakdown, ok := poll.TopTimeSlot(p.Responses()); ok {
		fmt.Printf("Top time slot: %s (score=%.1f)\n", top, breakdown.Score)
	}

	var choice int
	if _, err := fmt.Sscanf(promptLine(a.in, "Final slot number: "), "%d", &choice); err != nil || choice < 1 || choice > len(slots) {
		fmt.Println("Bad slot number.")
		return
	}

	if err := a.user.ClosePoll(title, slots[choice-1]); err != nil {
		fmt.Printf("Could not close poll: %v\n", err)
		return
	}
	fmt.Printf("Poll [%s] closed with final time slot [%s].\n", title, slots[choice-1])
}

func promptLine(in *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func sortedTitles(polls map[string]*poll.Poll) []string {
	titles := make([]string, 0, len(polls))
	for title := range polls {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles
}

func sortedKeys(views map[poll.Key]*poll.StatusPayload) []poll.Key {
	keys := make([]poll.Key, 0, len(views))
	for key := range views {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Title != keys[j].Title {
			return keys[i].Title < keys[j].Title
		}
		return keys[i].Initiator < keys[j].Initiator
	})
	return keys
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	if debug {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	return utils.NewLogger(logCfg)
}
