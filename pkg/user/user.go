package user

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/broker"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/peer"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/poll"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/presence"
)

// User errors
var (
	// ErrNameTaken rejects a user name already present in the registry.
	ErrNameTaken = errors.New("user name already taken")

	// ErrDuplicateTitle rejects a poll title already open for this
	// initiator.
	ErrDuplicateTitle = errors.New("poll title already in use")

	// ErrPollNotFound is returned when a title is not among this user's
	// open polls.
	ErrPollNotFound = errors.New("poll not found")

	// ErrPollUnreachable is returned when a response cannot be
	// delivered because the poll's channel is gone.
	ErrPollUnreachable = errors.New("poll unreachable")
)

// alertBuffer bounds undelivered console alerts.
const alertBuffer = 32

// Config carries everything a user needs at construction.
type Config struct {
	Name          string
	ChannelPrefix string
	Transport     broker.Transport
	Registry      presence.Registry
	Logger        *zap.Logger
}

// User is a peer representing one human participant. It owns the polls
// it initiated, keeps its local view of polls it was invited to, and
// reacts to presence changes by catching up invitees of its own polls.
//
// The invited views are status-payload snapshots, not live poll state:
// a poll key only ever moves forward through the three buckets,
// open → (responded | closed), responded → closed.
type User struct {
	name          string
	channelPrefix string
	transport     broker.Transport
	registry      presence.Registry
	directory     *peer.Directory
	peer          *peer.Peer
	logger        *zap.Logger
	alerts        chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.RWMutex
	openInitiated    map[string]*poll.Poll
	closedInitiated  map[string]*poll.Poll
	openInvited      map[poll.Key]*poll.StatusPayload
	respondedInvited map[poll.Key]*poll.StatusPayload
	closedInvited    map[poll.Key]*poll.StatusPayload
}

// New logs the user onto the system: the name must not already be
// present in the registry, the user's channel must be free, and on
// success the user is registered as present and begins observing
// presence changes.
func New(ctx context.Context, cfg Config) (*User, error) {
	snapshot, err := cfg.Registry.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("reading presence registry: %w", err)
	}
	if _, taken := snapshot[cfg.Name]; taken {
		return nil, ErrNameTaken
	}

	ctx, cancel := context.WithCancel(ctx)
	u := &User{
		name:             cfg.Name,
		channelPrefix:    cfg.ChannelPrefix,
		transport:        cfg.Transport,
		registry:         cfg.Registry,
		directory:        peer.NewDirectory(cfg.Logger),
		logger:           cfg.Logger.With(zap.String("user", cfg.Name)),
		alerts:           make(chan string, alertBuffer),
		ctx:              ctx,
		cancel:           cancel,
		openInitiated:    make(map[string]*poll.Poll),
		closedInitiated:  make(map[string]*poll.Poll),
		openInvited:      make(map[poll.Key]*poll.StatusPayload),
		respondedInvited: make(map[poll.Key]*poll.StatusPayload),
		closedInvited:    make(map[poll.Key]*poll.StatusPayload),
	}
	for name := range snapshot {
		u.directory.MarkOnline(name)
	}

	u.peer = peer.New(cfg.Name, peer.RoleUser, cfg.ChannelPrefix,
		cfg.Transport, u.handlePayload, cfg.Logger)
	if err := u.peer.Open(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("opening user peer: %w", err)
	}

	changes, err := u.registry.Watch(ctx)
	if err != nil {
		u.peer.Close()
		cancel()
		return nil, fmt.Errorf("watching presence registry: %w", err)
	}

	if err := u.registry.Add(cfg.Name); err != nil {
		u.peer.Close()
		cancel()
		return nil, fmt.Errorf("registering presence: %w", err)
	}

	u.wg.Add(1)
	go u.observePresence(changes)

	u.logger.Info("User logged on")
	return u, nil
}

// Name returns the user's name.
func (u *User) Name() string { return u.name }

// Alerts yields activity notifications for the console.
func (u *User) Alerts() <-chan string { return u.alerts }

// AvailableUsers lists the currently reachable user names.
func (u *User) AvailableUsers() []string {
	return u.directory.Online()
}

// Directory exposes the user's view of every peer it has seen.
func (u *User) Directory() *peer.Directory {
	return u.directory
}

// OpenPoll creates and records a new poll initiated by this user. The
// title must not collide with another of this user's open polls; the
// new poll broadcasts its initial status itself.
func (u *User) OpenPoll(title string, invitees []string, timeSlots []poll.TimeSlot) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.openInitiated[title]; exists {
		return ErrDuplicateTitle
	}

	p, err := poll.New(u.ctx, poll.Config{
		Title:         title,
		Initiator:     u.name,
		Invitees:      invitees,
		TimeSlots:     timeSlots,
		ChannelPrefix: u.channelPrefix,
		Transport:     u.transport,
		Activity:      u.pollActivity,
		Logger:        u.logger,
	})
	if err != nil {
		return fmt.Errorf("opening poll %s: %w", title, err)
	}

	u.openInitiated[title] = p
	return nil
}

// ClosePoll finalizes one of this user's open polls with the chosen
// slot and moves it to the closed collection.
func (u *User) ClosePoll(title string, finalSlot poll.TimeSlot) error {
	u.mu.Lock()
	p, exists := u.openInitiated[title]
	if !exists {
		u.mu.Unlock()
		return fmt.Errorf("closing poll %s: %w", title, ErrPollNotFound)
	}
	delete(u.openInitiated, title)
	u.closedInitiated[title] = p
	u.mu.Unlock()

	return p.Close(finalSlot)
}

// RespondPoll sends this user's votes to a poll it was invited to. On
// success the poll moves from the open-invited to the responded view;
// an unreachable poll leaves local state untouched.
func (u *User) RespondPoll(title, initiator string, responses map[poll.TimeSlot]poll.Response) error {
	key := poll.Key{Title: title, Initiator: initiator}

	env, err := poll.NewEnvelope(poll.KindPollResponse, &poll.ResponsePayload{
		Responder: u.name,
		Responses: responses,
	})
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}

	if !u.peer.Send(u.ctx, key.String(), peer.RolePoll, raw) {
		return fmt.Errorf("responding to poll %s: %w", key, ErrPollUnreachable)
	}

	u.mu.Lock()
	if snapshot, open := u.openInvited[key]; open {
		delete(u.openInvited, key)
		u.respondedInvited[key] = snapshot
	}
	u.mu.Unlock()

	return nil
}

// Quit logs the user off: withdraw presence, stop the watch loop, and
// release the inbound channel. Initiated polls stay reachable until the
// process exits.
func (u *User) Quit() error {
	if err := u.registry.Remove(u.name); err != nil {
		u.logger.Warn("Failed to withdraw presence", zap.Error(err))
	}
	u.cancel()
	err := u.peer.Close()
	u.wg.Wait()
	u.logger.Info("User logged off")
	return err
}

// OpenInitiatedPolls returns this user's open polls by title.
func (u *User) OpenInitiatedPolls() map[string]*poll.Poll {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return clonePolls(u.openInitiated)
}

// ClosedInitiatedPolls returns this user's closed polls by title.
func (u *User) ClosedInitiatedPolls() map[string]*poll.Poll {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return clonePolls(u.closedInitiated)
}

// OpenInvitedPolls returns invitations this user has not yet responded
// to.
func (u *User) OpenInvitedPolls() map[poll.Key]*poll.StatusPayload {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return cloneViews(u.openInvited)
}

// RespondedInvitedPolls returns invitations this user has responded to.
func (u *User) RespondedInvitedPolls() map[poll.Key]*poll.StatusPayload {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return cloneViews(u.respondedInvited)
}

// ClosedInvitedPolls returns invitations whose polls have closed.
func (u *User) ClosedInvitedPolls() map[poll.Key]*poll.StatusPayload {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return cloneViews(u.closedInvited)
}

// handlePayload accepts status payloads from polls. Anything else is
// dropped.
func (u *User) handlePayload(raw []byte) {
	env, err := poll.DecodeEnvelope(raw)
	if err != nil {
		return
	}
	if env.Kind != poll.KindPollStatus {
		return
	}
	status, err := env.Status()
	if err != nil {
		u.logger.Debug("Dropped malformed status payload", zap.Error(err))
		return
	}

	u.applyStatus(status)
}

// applyStatus reconciles one status snapshot into the invited views.
// Transitions are monotonic and idempotent: replayed or out-of-order
// snapshots never move a key backward.
func (u *User) applyStatus(status *poll.StatusPayload) {
	key := status.Key()

	u.mu.Lock()
	_, isOpen := u.openInvited[key]
	_, isResponded := u.respondedInvited[key]
	_, isClosed := u.closedInvited[key]

	var alert string
	switch {
	case isOpen || isResponded:
		if status.Closed() {
			// The poll was closed
			delete(u.openInvited, key)
			delete(u.respondedInvited, key)
			u.closedInvited[key] = status
			alert = fmt.Sprintf("The poll [%s] initiated by [%s] was closed with the final time slot [%s]",
				status.Title, status.Initiator, status.FinalSlot)
		} else {
			// Someone responded to the poll
			if isOpen {
				u.openInvited[key] = status
			} else {
				u.respondedInvited[key] = status
			}
			alert = fmt.Sprintf("The poll [%s] initiated by [%s] received new responses",
				status.Title, status.Initiator)
		}

	case isClosed:
		// Late or duplicate closed-status echo; replace silently
		u.closedInvited[key] = status

	default:
		// An invitation to a new poll
		if status.Closed() {
			u.closedInvited[key] = status
			alert = fmt.Sprintf("The poll [%s] initiated by [%s] was closed with the final time slot [%s]",
				status.Title, status.Initiator, status.FinalSlot)
		} else {
			u.openInvited[key] = status
			alert = fmt.Sprintf("You have been invited to a new poll [%s] initiated by [%s]",
				status.Title, status.Initiator)
		}
	}
	u.mu.Unlock()

	if alert != "" {
		u.deliverAlert(alert)
	}
}

// observePresence reacts to registry deltas: update the directory, and
// push current status to newly-online invitees of this user's polls.
func (u *User) observePresence(changes <-chan presence.Change) {
	defer u.wg.Done()

	for change := range changes {
		u.handlePresenceChange(change)
	}
}

func (u *User) handlePresenceChange(change presence.Change) {
	for _, name := range change.LoggedOn {
		u.directory.MarkOnline(name)
	}
	for _, name := range change.LoggedOff {
		u.directory.MarkOffline(name)
	}

	if len(change.LoggedOn) == 0 {
		// Logged-off invitees are caught up when they return
		return
	}

	u.mu.RLock()
	polls := make([]*poll.Poll, 0, len(u.openInitiated)+len(u.closedInitiated))
	for _, p := range u.openInitiated {
		polls = append(polls, p)
	}
	for _, p := range u.closedInitiated {
		polls = append(polls, p)
	}
	u.mu.RUnlock()

	for _, p := range polls {
		for _, name := range change.LoggedOn {
			p.UpdateOne(name)
		}
	}
}

// RetryPendingDeliveries re-attempts delivery to every pending invitee
// of this user's initiated polls. Driven by the redelivery scheduler.
func (u *User) RetryPendingDeliveries(ctx context.Context) error {
	u.mu.RLock()
	polls := make([]*poll.Poll, 0, len(u.openInitiated)+len(u.closedInitiated))
	for _, p := range u.openInitiated {
		polls = append(polls, p)
	}
	for _, p := range u.closedInitiated {
		polls = append(polls, p)
	}
	u.mu.RUnlock()

	for _, p := range polls {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.RetryPending()
	}
	return nil
}

// pollActivity surfaces activity from this user's own polls.
func (u *User) pollActivity(title, activity string) {
	u.deliverAlert(fmt.Sprintf("Poll [%s]: %s", title, activity))
}

// deliverAlert hands a notification to the console without ever
// blocking protocol progress.
func (u *User) deliverAlert(alert string) {
	select {
	case u.alerts <- alert:
	default:
		u.logger.Debug("Alert dropped, console not draining", zap.String("alert", alert))
	}
}

func clonePolls(polls map[string]*poll.Poll) map[string]*poll.Poll {
	clone := make(map[string]*poll.Poll, len(polls))
	for title, p := range polls {
		clone[title] = p
	}
	return clone
}

func cloneViews(views map[poll.Key]*poll.StatusPayload) map[poll.Key]*poll.StatusPayload {
	clone := make(map[poll.Key]*poll.StatusPayload, len(views))
	for key, status := range views {
		clone[key] = status
	}
	return clone
}
