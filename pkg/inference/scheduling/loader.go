package scheduling

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/llamacpp"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/netutil"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

const (
	// minimumRunnerSlots is the floor for the runner table size; the table
	// grows to the sum of family capacities when that is larger, so a free
	// slot always exists once family capacity has been enforced.
	minimumRunnerSlots = 8

	// defaultReadyTimeout bounds a cold model load, including the backend's
	// own weight loading time.
	defaultReadyTimeout = 300 * time.Second

	// evictionSweepInterval drives idle eviction checks.
	evictionSweepInterval = 30 * time.Second

	// maximumLaunchAttempts bounds relaunches when the chosen port is taken
	// by another process between allocation and bind.
	maximumLaunchAttempts = 3
)

// defaultFamilyCapacity returns how many models of one backend family may be
// resident at once.
func defaultFamilyCapacity(backendName string) int {
	if backendName == llamacpp.Name {
		return 2
	}
	return 1
}

// runnerKey identifies a runner by backend, model, and operation mode.
type runnerKey struct {
	backend string
	model   string
	mode    inference.BackendMode
}

// inFlightLoad tracks a load in progress so concurrent acquirers of the same
// model share one launch.
type inFlightLoad struct {
	// done is closed once the load has finished, with slot and err valid.
	done chan struct{}
	slot int
	err  error
	// waiters counts callers awaiting done, guarded by the loader guard.
	waiters int
	// cancel aborts the load once the last waiter departs. The load is not
	// cancelled while any waiter remains.
	cancel context.CancelFunc
}

// loader tracks the set of resident models and serializes loads and
// evictions. Runners live in a flat slot table; the maps index into it.
type loader struct {
	// log is the associated logger.
	log logging.Logger
	// backends are the supported inference backends.
	backends map[string]inference.Backend
	// store resolves and downloads model weights.
	store *weights.Store
	// ports hands out loopback ports for runner processes. A port goes back
	// to the allocator only after its process has exited.
	ports *netutil.PortAllocator

	// readyTimeout bounds readiness polling during a load.
	readyTimeout time.Duration
	// idleTimeout is how long an unreferenced runner may stay resident.
	idleTimeout time.Duration
	// capacities overrides per-family residency limits.
	capacities map[string]int

	// guard serializes access to the tables below. It is a channel so that
	// acquisition can respect context cancellation.
	guard chan struct{}
	// familyGuards serialize load and eviction per backend family, so that a
	// load fully completes its eviction's shutdown before launching, without
	// blocking loads in other families.
	familyGuards map[string]chan struct{}

	// slots is the runner table; nil entries are free.
	slots []*runner
	// references counts in-flight requests per slot.
	references []uint
	// timestamps records per-slot last-use, consulted for idle slots.
	timestamps []time.Time
	// stale marks slots whose process died while requests were in flight;
	// they are torn down once their reference count reaches zero.
	stale []bool
	// runners indexes resident models into slots.
	runners map[runnerKey]int
	// loads tracks in-flight loads for coalescing.
	loads map[runnerKey]*inFlightLoad
	// configs carries per-runner configuration applied at the next load.
	configs map[runnerKey]inference.BackendConfiguration

	// exits receives runners whose process stopped unexpectedly.
	exits chan *runner
}

// newLoader creates a new loader.
func newLoader(
	log logging.Logger,
	backends map[string]inference.Backend,
	store *weights.Store,
	idleTimeout time.Duration,
	capacities map[string]int,
) *loader {
	slots := 0
	familyGuards := make(map[string]chan struct{}, len(backends))
	for name := range backends {
		familyGuards[name] = make(chan struct{}, 1)
		if c, ok := capacities[name]; ok {
			slots += c
		} else {
			slots += defaultFamilyCapacity(name)
		}
	}
	if slots < minimumRunnerSlots {
		slots = minimumRunnerSlots
	}
	return &loader{
		log:          log,
		backends:     backends,
		store:        store,
		ports:        netutil.NewPortAllocator(),
		readyTimeout: defaultReadyTimeout,
		idleTimeout:  idleTimeout,
		capacities:   capacities,
		guard:        make(chan struct{}, 1),
		familyGuards: familyGuards,
		slots:        make([]*runner, slots),
		references:   make([]uint, slots),
		timestamps:   make([]time.Time, slots),
		stale:        make([]bool, slots),
		runners:      make(map[runnerKey]int),
		loads:        make(map[runnerKey]*inFlightLoad),
		configs:      make(map[runnerKey]inference.BackendConfiguration),
		exits:        make(chan *runner, 2*slots),
	}
}

// lock acquires the loader guard. It returns false if ctx is cancelled first.
func (l *loader) lock(ctx context.Context) bool {
	select {
	case l.guard <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// unlock releases the loader guard.
func (l *loader) unlock() {
	<-l.guard
}

// lockFamily acquires the per-family load guard. It returns false if ctx is
// cancelled first.
func (l *loader) lockFamily(ctx context.Context, family string) bool {
	guard, ok := l.familyGuards[family]
	if !ok {
		return false
	}
	select {
	case guard <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// unlockFamily releases the per-family load guard.
func (l *loader) unlockFamily(family string) {
	<-l.familyGuards[family]
}

// capacity returns the residency limit for a family.
func (l *loader) capacity(family string) int {
	if c, ok := l.capacities[family]; ok {
		return c
	}
	return defaultFamilyCapacity(family)
}

// run processes runner exits and idle evictions until ctx is cancelled, then
// unloads everything.
func (l *loader) run(ctx context.Context) {
	ticker := time.NewTicker(evictionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case r := <-l.exits:
			l.reap(r)
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

// load returns a resident runner for the given model, launching one if
// needed, with one reference held. Callers must release the runner.
func (l *loader) load(ctx context.Context, backend inference.Backend, entry catalog.Entry, mode inference.BackendMode) (*runner, error) {
	key := runnerKey{backend: backend.Name(), model: entry.Name, mode: mode}
	for {
		if !l.lock(ctx) {
			return nil, ctx.Err()
		}

		// Fast path: the model is resident and its process is healthy.
		if slot, ok := l.runners[key]; ok && !l.stale[slot] && l.slots[slot].alive() {
			l.references[slot]++
			l.timestamps[slot] = time.Now()
			r := l.slots[slot]
			l.unlock()
			return r, nil
		}

		// Coalesce with an in-flight load of the same model.
		if fl, ok := l.loads[key]; ok {
			fl.waiters++
			l.unlock()
			if err := l.await(ctx, fl); err != nil {
				return nil, err
			}
			continue
		}

		// Initiate a load. The load context is detached from the caller so
		// that other acquirers arriving later can still ride on it.
		fl := &inFlightLoad{done: make(chan struct{}), waiters: 1}
		loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl.cancel = cancel
		l.loads[key] = fl
		conf := l.configs[key]
		if conf.ContextSize == 0 && entry.ContextSize > 0 {
			conf.ContextSize = entry.ContextSize
		}
		l.unlock()

		go l.performLoad(loadCtx, backend, entry, mode, key, conf, fl)

		if err := l.await(ctx, fl); err != nil {
			return nil, err
		}
	}
}

// await blocks until the given load completes or ctx is cancelled. A
// successful load is claimed by looping back to the loader's fast path, so
// await itself takes no reference.
func (l *loader) await(ctx context.Context, fl *inFlightLoad) error {
	select {
	case <-fl.done:
		l.guard <- struct{}{}
		fl.waiters--
		l.unlock()
		return fl.err
	case <-ctx.Done():
		l.guard <- struct{}{}
		fl.waiters--
		if fl.waiters == 0 {
			// Last waiter gone: abort the load unless it already finished.
			select {
			case <-fl.done:
			default:
				fl.cancel()
			}
		}
		l.unlock()
		return ctx.Err()
	}
}

// release returns a reference taken by load. Stale runners are torn down
// when their last reference goes away.
func (l *loader) release(r *runner) {
	l.guard <- struct{}{}
	slot := r.slot
	if slot < 0 || slot >= len(l.slots) || l.slots[slot] != r {
		l.unlock()
		return
	}
	if l.references[slot] > 0 {
		l.references[slot]--
	}
	l.timestamps[slot] = time.Now()
	if l.references[slot] == 0 && l.stale[slot] {
		victim := l.evictLocked(slot)
		l.unlock()
		l.stopRunner(victim)
		l.log.Warnf("Removed stale %s runner for %s", victim.backend.Name(), victim.model)
		return
	}
	l.unlock()
}

// performLoad runs the slow path of a load and publishes the result. It owns
// the family guard for the full evict-launch-publish sequence.
func (l *loader) performLoad(
	ctx context.Context,
	backend inference.Backend,
	entry catalog.Entry,
	mode inference.BackendMode,
	key runnerKey,
	conf inference.BackendConfiguration,
	fl *inFlightLoad,
) {
	var r *runner
	var err error
	locked := l.lockFamily(ctx, key.backend)
	if locked {
		r, err = l.startModel(ctx, backend, entry, mode, conf)
	} else if err = ctx.Err(); err == nil {
		err = ErrBackendNotFound
	}

	// Publish before releasing the family guard so the next load in this
	// family counts this runner against capacity.
	l.guard <- struct{}{}
	delete(l.loads, key)
	slot := -1
	if err == nil {
		slot = l.freeSlotLocked()
		if slot < 0 {
			// Unreachable while the table is sized to the capacity sum.
			err = inference.NewError(inference.ErrAllModelsBusy, "no free runner slot")
		} else {
			r.slot = slot
			l.slots[slot] = r
			l.references[slot] = 0
			l.timestamps[slot] = time.Now()
			l.stale[slot] = false
			l.runners[key] = slot
		}
	}
	l.unlock()
	if locked {
		l.unlockFamily(key.backend)
	}

	if err != nil && r != nil {
		l.stopRunner(r)
	}

	fl.slot, fl.err = slot, err
	close(fl.done)

	if err != nil {
		l.log.Warnf("Failed to load %s (%s, %s mode): %v", entry.Name, key.backend, mode, err)
	} else {
		l.log.Infof("Loaded %s (%s, %s mode) on port %d", entry.Name, key.backend, mode, r.port)
	}
}

// startModel resolves weights, makes room in the family, and launches the
// backend process. The caller holds the family guard.
func (l *loader) startModel(
	ctx context.Context,
	backend inference.Backend,
	entry catalog.Entry,
	mode inference.BackendMode,
	conf inference.BackendConfiguration,
) (*runner, error) {
	// Resolve weights inside the coalesced load so concurrent acquirers
	// share one download.
	var artifacts inference.ModelArtifacts
	if backend.UsesExternalWeights() {
		artifacts = inference.ModelArtifacts{Checkpoint: entry.Checkpoint}
	} else {
		var err error
		artifacts, err = l.store.EnsureLocal(ctx, entry, nil)
		if err != nil {
			return nil, err
		}
	}

	if err := l.evictForFamily(ctx, backend.Name()); err != nil {
		return nil, err
	}

	runnerLog := l.log.WithFields(map[string]interface{}{
		"backend": backend.Name(),
		"model":   entry.Name,
	})
	var lastErr error
	for attempt := 0; attempt < maximumLaunchAttempts; attempt++ {
		port, err := l.ports.Allocate(entry.Name)
		if err != nil {
			return nil, inference.NewError(inference.ErrNoFreePort, "%v", err)
		}
		r := startRunner(runnerLog, backend, entry.Name, artifacts, mode, conf, port, l.notifyExit)
		if err := r.waitReady(ctx, l.readyTimeout); err != nil {
			l.stopRunner(r)
			if !isBindFailure(err) {
				return nil, err
			}
			l.log.Warnf("Port %d was taken before %s could bind, retrying: %v", port, backend.Name(), err)
			lastErr = err
			continue
		}
		return r, nil
	}
	return nil, lastErr
}

// stopRunner stops a runner and returns its port to the allocator once the
// process has exited.
func (l *loader) stopRunner(r *runner) {
	r.stop()
	l.ports.Release(r.port)
}

// evictForFamily ensures the family has room for one more runner, shutting
// down the least-recently-used idle sibling if needed. The caller holds the
// family guard, so residency cannot grow concurrently.
func (l *loader) evictForFamily(ctx context.Context, family string) error {
	if !l.lock(ctx) {
		return ctx.Err()
	}
	count := 0
	for _, r := range l.slots {
		if r != nil && r.backend.Name() == family {
			count++
		}
	}
	if count < l.capacity(family) {
		l.unlock()
		return nil
	}

	// Ties on last-use resolve to the lowest slot index.
	victim := -1
	for slot, r := range l.slots {
		if r == nil || r.backend.Name() != family || l.references[slot] > 0 {
			continue
		}
		if victim == -1 || l.timestamps[slot].Before(l.timestamps[victim]) {
			victim = slot
		}
	}
	if victim == -1 {
		l.unlock()
		return inference.NewError(inference.ErrAllModelsBusy,
			"all loaded %s models are busy", family)
	}
	r := l.evictLocked(victim)
	l.unlock()

	// The eviction must fully complete before the new launch so that family
	// resources (FLM's single port among them) are actually free.
	l.stopRunner(r)
	l.log.Infof("Evicted %s (%s) to make room", r.model, family)
	return nil
}

// evictLocked removes a slot's runner from the tables and returns it. The
// caller holds the loader guard and must stop the returned runner.
func (l *loader) evictLocked(slot int) *runner {
	r := l.slots[slot]
	l.slots[slot] = nil
	l.references[slot] = 0
	l.stale[slot] = false
	for key, s := range l.runners {
		if s == slot {
			delete(l.runners, key)
			break
		}
	}
	return r
}

// freeSlotLocked returns the lowest free slot index, or -1.
func (l *loader) freeSlotLocked() int {
	for slot, r := range l.slots {
		if r == nil {
			return slot
		}
	}
	return -1
}

// notifyExit is handed to runners; it posts unexpected process exits to the
// run loop.
func (l *loader) notifyExit(r *runner) {
	select {
	case l.exits <- r:
	default:
	}
}

// reap handles an unexpected runner exit. Busy runners are marked stale so
// the final release evicts them; idle ones are torn down immediately.
func (l *loader) reap(exited *runner) {
	l.guard <- struct{}{}
	slot := -1
	for i, r := range l.slots {
		if r == exited {
			slot = i
			break
		}
	}
	if slot < 0 {
		// Already evicted, or the load that launched it failed and rolled
		// back.
		l.unlock()
		return
	}
	if l.references[slot] > 0 {
		l.stale[slot] = true
		l.unlock()
		l.log.Warnf("%s runner for %s exited with requests in flight: %v",
			exited.backend.Name(), exited.model, exited.err)
		return
	}
	r := l.evictLocked(slot)
	l.unlock()
	l.stopRunner(r)
	l.log.Warnf("%s runner for %s exited unexpectedly: %v",
		exited.backend.Name(), exited.model, exited.err)
}

// evictIdle removes runners that have been unreferenced beyond the idle
// timeout.
func (l *loader) evictIdle() {
	now := time.Now()
	l.guard <- struct{}{}
	var victims []*runner
	for slot, r := range l.slots {
		if r == nil || l.references[slot] > 0 {
			continue
		}
		if now.Sub(l.timestamps[slot]) > l.idleTimeout {
			victims = append(victims, l.evictLocked(slot))
		}
	}
	l.unlock()
	for _, r := range victims {
		l.stopRunner(r)
		l.log.Infof("Unloaded %s after %s idle", r.model, l.idleTimeout)
	}
}

// shutdown unloads every runner, including busy ones; it only runs when the
// server itself is stopping.
func (l *loader) shutdown() {
	l.guard <- struct{}{}
	var victims []*runner
	for slot, r := range l.slots {
		if r != nil {
			victims = append(victims, l.evictLocked(slot))
		}
	}
	l.unlock()
	for _, r := range victims {
		l.stopRunner(r)
	}
}

// Unload removes the requested idle models and returns their names. Busy
// models are skipped.
func (l *loader) Unload(ctx context.Context, req UnloadRequest) []string {
	if !l.lock(ctx) {
		return nil
	}
	matchAll := req.All || req.ModelName == ""
	var victims []*runner
	for slot, r := range l.slots {
		if r == nil || l.references[slot] > 0 {
			continue
		}
		if matchAll || r.model == req.ModelName {
			victims = append(victims, l.evictLocked(slot))
		}
	}
	l.unlock()

	names := make([]string, 0, len(victims))
	for _, r := range victims {
		l.stopRunner(r)
		names = append(names, r.model)
	}
	sort.Strings(names)
	return names
}

// setRunnerConfig stores per-runner configuration applied at its next load.
// Configuration cannot change while the runner is loaded or loading.
func (l *loader) setRunnerConfig(ctx context.Context, backendName, model string, mode inference.BackendMode, conf inference.BackendConfiguration) error {
	if !l.lock(ctx) {
		return ctx.Err()
	}
	defer l.unlock()
	key := runnerKey{backend: backendName, model: model, mode: mode}
	if slot, ok := l.runners[key]; ok && l.slots[slot] != nil {
		return errRunnerAlreadyActive
	}
	if _, ok := l.loads[key]; ok {
		return errRunnerAlreadyActive
	}
	l.configs[key] = conf
	return nil
}

// status reports all resident runners, ordered by model name.
func (l *loader) status(ctx context.Context) []RunnerStatus {
	if !l.lock(ctx) {
		return nil
	}
	statuses := make([]RunnerStatus, 0, len(l.runners))
	for key, slot := range l.runners {
		r := l.slots[slot]
		if r == nil {
			continue
		}
		status := RunnerStatus{
			ModelName:     key.model,
			Backend:       key.backend,
			Mode:          key.mode.String(),
			Port:          r.port,
			UptimeSeconds: int64(time.Since(r.started).Seconds()),
			References:    l.references[slot],
		}
		if l.references[slot] == 0 {
			status.LastUsed = l.timestamps[slot]
		}
		statuses = append(statuses, status)
	}
	l.unlock()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ModelName < statuses[j].ModelName
	})
	return statuses
}

// isBindFailure reports whether a launch failure looks like a port bind
// race, which is worth retrying on a fresh port.
func isBindFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bind") || strings.Contains(msg, "address already in use")
}
