// Package buildsession implements the build session manager: it owns
// per-app build serialization, a build's in-memory broadcast channel, and
// durable event journaling, driving fetch, image build, and deploy in
// sequence for a single build.
package buildsession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/hackclub/haas/internal/database"
	"github.com/hackclub/haas/internal/provisioner"
)

// subscriberCapacity is the broadcast channel's bounded capacity; lagging
// subscribers drop old messages rather than block the pipeline.
const subscriberCapacity = 10

// SourceFetcher turns a git URI into a tar stream of the repository's HEAD.
type SourceFetcher interface {
	Fetch(ctx context.Context, uri string, events chan<- provisioner.Event) (io.ReadCloser, error)
}

// ImageBuilder streams a build context to the container engine.
type ImageBuilder interface {
	Build(ctx context.Context, appID int64, slug string, tar io.Reader, events chan<- provisioner.Event) error
}

// Deployer runs the container lifecycle and proxy cutover for one app.
type Deployer interface {
	Deploy(ctx context.Context, appID int64, events chan<- provisioner.Event) error
}

// Session is the in-memory record of one in-progress build.
type Session struct {
	BuildID int64
	AppID   int64

	subscribers   map[int]chan provisioner.Event
	nextSubID     int
	subscribersMu sync.Mutex
}

func newSession(buildID, appID int64) *Session {
	return &Session{
		BuildID:     buildID,
		AppID:       appID,
		subscribers: make(map[int]chan provisioner.Event),
	}
}

// Subscribe attaches a new bounded, lossy receiver to this session's event
// stream.
func (s *Session) Subscribe() (<-chan provisioner.Event, func()) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan provisioner.Event, subscriberCapacity)
	s.subscribers[id] = ch

	unsubscribe := func() {
		s.subscribersMu.Lock()
		defer s.subscribersMu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// broadcast fans ev out to every current subscriber without blocking. A
// subscriber whose channel is full loses its oldest queued event to make
// room for ev.
func (s *Session) broadcast(ev provisioner.Event) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (s *Session) closeAll() {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Manager owns the session map and the per-app lock that serializes builds
// for a single app.
type Manager struct {
	fetcher      SourceFetcher
	imageBuilder ImageBuilder
	deployer     Deployer
	db           database.Port
	logger       *slog.Logger

	sessionsMu sync.Mutex
	sessions   map[int64]*Session

	appLocks sync.Map // appID int64 -> *sync.Mutex
}

// NewManager constructs a Manager wiring together the three pipeline stages
// and the data access port.
func NewManager(fetcher SourceFetcher, imageBuilder ImageBuilder, deployer Deployer, db database.Port, logger *slog.Logger) *Manager {
	return &Manager{
		fetcher:      fetcher,
		imageBuilder: imageBuilder,
		deployer:     deployer,
		db:           db,
		logger:       logger,
		sessions:     make(map[int64]*Session),
	}
}

func (m *Manager) lockFor(appID int64) *sync.Mutex {
	lock, _ := m.appLocks.LoadOrStore(appID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// StartBuild checks, under the per-app lock, that no build for this app is
// already in progress, inserts a new build row, registers its session, and
// runs the fetch -> build -> deploy pipeline in the background, returning
// the new build_id immediately. The pipeline outlives the caller's context:
// an in-flight build cannot be canceled by dropping the request.
func (m *Manager) StartBuild(ctx context.Context, appID int64, slug, gitURI string) (int64, error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	var buildID int64
	err := m.db.Run(ctx, func(ctx context.Context, q *database.Queries) error {
		inProgress, err := q.HasUnfinishedBuild(ctx, appID)
		if err != nil {
			return err
		}
		if inProgress {
			return fmt.Errorf("app %d already has a build in progress", appID)
		}

		id, err := q.CreateBuild(ctx, appID)
		if err != nil {
			return err
		}
		buildID = id
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("start build for app %d: %w", appID, err)
	}

	session := newSession(buildID, appID)
	m.sessionsMu.Lock()
	m.sessions[buildID] = session
	m.sessionsMu.Unlock()

	// The journal feed is fed directly by the pipeline and generously
	// buffered, so a slow or dropped live subscriber can never produce a
	// gap in builds.events.
	journal := make(chan provisioner.Event, 4096)
	journalDone := make(chan struct{})
	pipelineEvents := make(chan provisioner.Event)

	go m.fanOut(session, pipelineEvents, journal)
	go m.journalLoop(buildID, journal, journalDone)
	go m.run(context.WithoutCancel(ctx), session, slug, gitURI, pipelineEvents, journalDone)

	return buildID, nil
}

// fanOut re-publishes every event from the pipeline to both the session's
// bounded subscriber broadcast and the journal feed, then closes the feed
// once the pipeline is done.
func (m *Manager) fanOut(session *Session, pipelineEvents <-chan provisioner.Event, journal chan<- provisioner.Event) {
	for ev := range pipelineEvents {
		session.broadcast(ev)
		journal <- ev
	}
	close(journal)
}

// journalLoop drains journal events into builds.events via array_append,
// one write per event, preserving pipeline order, then signals done.
func (m *Manager) journalLoop(buildID int64, journal <-chan provisioner.Event, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	for ev := range journal {
		raw, err := ev.MarshalJSON()
		if err != nil {
			m.logger.Error("failed to serialize build event", "build_id", buildID, "error", err)
			continue
		}
		if err := m.db.Run(ctx, func(ctx context.Context, q *database.Queries) error {
			return q.AppendBuildEvent(ctx, buildID, raw)
		}); err != nil {
			m.logger.Error("failed to journal build event", "build_id", buildID, "error", err)
		}
	}
}

// run drives fetch -> build -> deploy in sequence, waits for the journal to
// drain, finalizes the build row, and tears down the session. ended_at is
// only written once every event has landed in builds.events, so a finalized
// build's journal is frozen and complete.
func (m *Manager) run(ctx context.Context, session *Session, slug, gitURI string, events chan<- provisioner.Event, journalDone <-chan struct{}) {
	defer func() {
		close(events)
		<-journalDone

		if err := m.db.Run(context.Background(), func(ctx context.Context, q *database.Queries) error {
			return q.FinalizeBuild(ctx, session.BuildID)
		}); err != nil {
			m.logger.Error("failed to finalize build", "build_id", session.BuildID, "error", err)
		}

		m.sessionsMu.Lock()
		delete(m.sessions, session.BuildID)
		m.sessionsMu.Unlock()
		session.closeAll()
	}()

	tar, err := m.fetcher.Fetch(ctx, gitURI, events)
	if err != nil {
		m.logger.Error("fetch failed", "build_id", session.BuildID, "error", err)
		events <- provisioner.Err("git clone failed")
		return
	}
	defer tar.Close()

	if err := m.imageBuilder.Build(ctx, session.AppID, slug, tar, events); err != nil {
		m.logger.Error("image build failed", "build_id", session.BuildID, "error", err)
		return
	}

	if err := m.deployer.Deploy(ctx, session.AppID, events); err != nil {
		m.logger.Error("deploy failed", "build_id", session.BuildID, "error", err)
		return
	}
}

// Subscribe returns a receiver attached to buildID's live broadcast if the
// build is still in progress, or ok=false if it has already finalized; the
// caller should then read builds.events directly.
func (m *Manager) Subscribe(buildID int64) (ch <-chan provisioner.Event, unsubscribe func(), ok bool) {
	m.sessionsMu.Lock()
	session, found := m.sessions[buildID]
	m.sessionsMu.Unlock()
	if !found {
		return nil, nil, false
	}
	ch, unsubscribe = session.Subscribe()
	return ch, unsubscribe, true
}

// GetBuild reads a build row including its journaled events, for consumers
// that attach after the build has finalized and the live broadcast is gone.
func (m *Manager) GetBuild(ctx context.Context, buildID int64) (*database.Build, error) {
	var build *database.Build
	err := m.db.Run(ctx, func(ctx context.Context, q *database.Queries) error {
		var err error
		build, err = q.GetBuild(ctx, buildID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// ActiveBuilds lists the build ids with a live session, ascending.
func (m *Manager) ActiveBuilds() []int64 {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	ids := lo.Keys(m.sessions)
	slices.Sort(ids)
	return ids
}
