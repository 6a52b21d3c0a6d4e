package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/felix-lessoer/telegraf-autodiscovery/config"
	"github.com/felix-lessoer/telegraf-autodiscovery/telegraf"
)

// State tracks where an endpoint's cycle currently is.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateDiscovering State = "discovering"
	StateMerging     State = "merging"
	StateWriting     State = "writing"
	StateBackingOff  State = "backing_off"
)

// DialFunc opens a Browser for one endpoint. Tests substitute this to avoid
// a live server.
type DialFunc func(ctx context.Context, cfg ClientConfig, log *zap.SugaredLogger) (Browser, error)

// Controller runs the discovery cycle per endpoint: connect, walk, classify,
// merge, write. Each endpoint gets its own worker; within one endpoint,
// cycles are strictly sequential. All workers share the output file, so the
// load-merge-save step is serialized across them.
type Controller struct {
	cfg  config.Config
	bus  *Bus
	log  *zap.SugaredLogger
	dial DialFunc

	fileMu sync.Mutex

	mu      sync.Mutex
	states  map[string]State
	workers map[string]chan struct{}
}

func NewController(cfg config.Config, bus *Bus, log *zap.SugaredLogger) *Controller {
	return &Controller{
		cfg: cfg,
		bus: bus,
		log: log,
		dial: func(ctx context.Context, cc ClientConfig, log *zap.SugaredLogger) (Browser, error) {
			return Dial(ctx, cc, log)
		},
		states:  make(map[string]State),
		workers: make(map[string]chan struct{}),
	}
}

// State reports the current cycle state of an endpoint worker.
func (c *Controller) State(endpoint string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[endpoint]; ok {
		return s
	}
	return StateIdle
}

func (c *Controller) setState(endpoint string, s State) {
	c.mu.Lock()
	c.states[endpoint] = s
	c.mu.Unlock()
	c.log.Debugf("Endpoint %v is now %v", endpoint, s)
}

func (c *Controller) clientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:   endpoint,
		Policy:     c.cfg.Policy,
		Mode:       c.cfg.Mode,
		Username:   c.cfg.Username,
		Password:   c.cfg.Password,
		ClientCert: c.cfg.ClientCert,
		ClientKey:  c.cfg.ClientKey,
		AppName:    c.cfg.AppName,
		Timeout:    c.cfg.ConnectTimeout,
	}
}

// endpoints returns the union of endpoints configured in owned sections of
// the input file and endpoints configured explicitly, in stable order.
func (c *Controller) endpoints() ([]string, error) {
	model, err := telegraf.Load(c.cfg.TelegrafConfigIn)
	if err != nil {
		return nil, err
	}
	eps := model.Endpoints()
	seen := make(map[string]bool, len(eps))
	for _, ep := range eps {
		seen[ep] = true
	}
	for _, ep := range c.cfg.Endpoints {
		if !seen[ep] {
			seen[ep] = true
			eps = append(eps, ep)
		}
	}
	return eps, nil
}

// Run executes discovery until ctx is cancelled (continuous mode) or until
// one pass over all endpoints finished (single-run mode). Only
// configuration-class errors are returned in continuous mode; connectivity
// problems are retried with backoff forever.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.seedOutput(); err != nil {
		return err
	}
	eps, err := c.endpoints()
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return errors.New("no OPC UA endpoints configured: the input file has no owned input sections and ENDPOINTS is empty")
	}
	c.log.Infof("Found %d endpoint(s) to monitor", len(eps))

	if !c.cfg.Continuous {
		return c.runOnce(ctx, eps)
	}
	return c.runContinuous(ctx, eps)
}

// seedOutput copies the input file to the output path once, so the metrics
// agent has a usable configuration before the first discovery pass finishes.
func (c *Controller) seedOutput() error {
	if _, err := os.Stat(c.cfg.TelegrafConfigOut); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", c.cfg.TelegrafConfigOut)
	}
	data, err := os.ReadFile(c.cfg.TelegrafConfigIn)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", c.cfg.TelegrafConfigIn)
	}
	c.log.Infof("Seeding %v from %v", c.cfg.TelegrafConfigOut, c.cfg.TelegrafConfigIn)
	return telegraf.WriteFileAtomic(c.cfg.TelegrafConfigOut, data)
}

func (c *Controller) runOnce(ctx context.Context, eps []string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		merr *multierror.Error
	)
	for _, ep := range eps {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()
			if err := c.runCycle(ctx, ep); err != nil {
				if isFatal(err) {
					c.bus.Publish(Event{Kind: EventFatalError, Endpoint: ep, Err: err})
				}
				mu.Lock()
				merr = multierror.Append(merr, errors.Wrapf(err, "endpoint %s", ep))
				mu.Unlock()
			}
		}(ep)
	}
	wg.Wait()
	return merr.ErrorOrNil()
}

func (c *Controller) runContinuous(ctx context.Context, eps []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		c.startWorker(g, gctx, ep)
	}
	g.Go(func() error {
		c.watchInput(gctx, g)
		return nil
	})
	return g.Wait()
}

func (c *Controller) startWorker(g *errgroup.Group, ctx context.Context, endpoint string) {
	c.mu.Lock()
	if _, running := c.workers[endpoint]; running {
		c.mu.Unlock()
		return
	}
	trigger := make(chan struct{}, 1)
	c.workers[endpoint] = trigger
	c.mu.Unlock()

	g.Go(func() error {
		return c.worker(ctx, endpoint, trigger)
	})
}

// worker is the per-endpoint cycle loop. It never overlaps cycles on its
// endpoint: the next cycle is scheduled only after the current one finished,
// so an interval tick elapsing mid-cycle is effectively skipped.
func (c *Controller) worker(ctx context.Context, endpoint string, trigger <-chan struct{}) error {
	bo := &backoff.Backoff{
		Min:    c.cfg.Backoff.Min,
		Max:    c.cfg.Backoff.Max,
		Factor: 2,
	}
	for {
		err := c.runCycle(ctx, endpoint)
		var delay time.Duration
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			bo.Reset()
			delay = c.cfg.Interval()
			c.setState(endpoint, StateIdle)
		case isFatal(err):
			c.bus.Publish(Event{Kind: EventFatalError, Endpoint: endpoint, Err: err})
			return errors.Wrapf(err, "endpoint %s", endpoint)
		default:
			delay = bo.Duration()
			c.setState(endpoint, StateBackingOff)
			c.bus.Publish(Event{Kind: EventBackingOff, Endpoint: endpoint, Delay: delay, Err: err})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		case <-trigger:
		}
	}
}

// runCycle executes one complete pass for an endpoint. The load-merge-save
// tail runs under the shared file lock so cycles of different endpoints
// never interleave a read-modify-write on the output file.
func (c *Controller) runCycle(ctx context.Context, endpoint string) error {
	c.bus.Publish(Event{Kind: EventCycleStarted, Endpoint: endpoint})
	c.setState(endpoint, StateConnecting)

	br, err := c.dial(ctx, c.clientConfig(endpoint), c.log)
	if err != nil {
		c.bus.Publish(Event{Kind: EventConnectionLost, Endpoint: endpoint, Err: err})
		return err
	}
	defer br.Close()

	c.setState(endpoint, StateDiscovering)
	walker := NewWalker(br, c.bus, c.cfg.Browse.MaxLevel, c.cfg.Browse.MaxNodePerParent, c.log)
	nodes, err := walker.Walk(ctx, endpoint, nil)
	if err != nil {
		c.bus.Publish(Event{Kind: EventConnectionLost, Endpoint: endpoint, Err: err})
		return err
	}

	opts := ClassifierOptions{OpaqueAsString: c.cfg.OpaqueAsString}
	var entries []telegraf.MetricEntry
	rejected := 0
	for _, n := range nodes {
		entry, reason := Classify(n, opts)
		if reason != RejectNone {
			rejected++
			c.bus.Publish(Event{Kind: EventNodeRejected, Endpoint: endpoint, Node: n.ID.String(), Reason: string(reason)})
			continue
		}
		entries = append(entries, entry)
		c.bus.Publish(Event{Kind: EventNodeDiscovered, Endpoint: endpoint, Node: entry.Key(), Name: entry.Name})
	}

	c.setState(endpoint, StateMerging)
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	base, err := telegraf.Load(c.cfg.TelegrafConfigIn)
	if err != nil {
		return err
	}
	prev, err := telegraf.Load(c.cfg.TelegrafConfigOut)
	if err != nil {
		return err
	}
	base.Adopt(prev, c.cfg.Endpoints)

	merged := telegraf.Merge(base, entries, endpoint, telegraf.MergePolicy{PruneStale: c.cfg.PruneStale})

	c.setState(endpoint, StateWriting)
	wrote, err := telegraf.Save(merged, c.cfg.TelegrafConfigOut)
	if err != nil {
		return err
	}
	if wrote {
		c.log.Infof("Updated Telegraf config written to %v", c.cfg.TelegrafConfigOut)
	} else {
		c.log.Infof("No configuration changes detected, skipping file write")
	}

	c.bus.Publish(Event{
		Kind:       EventCycleCompleted,
		Endpoint:   endpoint,
		Discovered: len(entries),
		Rejected:   rejected,
		Wrote:      wrote,
	})
	return nil
}

// watchInput re-triggers discovery when the input configuration file changes
// on disk, so newly configured endpoints are picked up without waiting for
// the next interval tick. The directory is watched because editors and
// deploy tooling typically replace the file instead of writing in place.
func (c *Controller) watchInput(ctx context.Context, g *errgroup.Group) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warnf("Input config watch disabled: %v", err)
		<-ctx.Done()
		return
	}
	defer w.Close()

	target := filepath.Clean(c.cfg.TelegrafConfigIn)
	if err := w.Add(filepath.Dir(target)); err != nil {
		c.log.Warnf("Input config watch disabled: %v", err)
		<-ctx.Done()
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(500 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.log.Warnf("Input config watch error: %v", err)
		case <-debounce.C:
			c.log.Infof("Detected change in input configuration file")
			c.refresh(g, ctx)
		}
	}
}

// refresh recomputes the endpoint set, starts workers for endpoints that are
// new, and nudges all workers into an immediate cycle.
func (c *Controller) refresh(g *errgroup.Group, ctx context.Context) {
	eps, err := c.endpoints()
	if err != nil {
		c.log.Errorf("Failed to re-read endpoints: %v", err)
		return
	}
	for _, ep := range eps {
		c.startWorker(g, ctx, ep)
	}
	c.mu.Lock()
	for _, trigger := range c.workers {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
}

func isFatal(err error) bool {
	var pe *telegraf.ParseError
	return errors.As(err, &pe)
}
