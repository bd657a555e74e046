package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"igclient/pkg/logger"
	"igclient/pkg/retry"
)

const (
	// defaultGrace is added to every computed wait so a request never lands
	// exactly on the window boundary.
	defaultGrace = 6 * time.Second

	// penaltyGrowth is applied to a category's penalty multiplier on each
	// explicit throttle signal. The multiplier shrinks the category's
	// effective budget for future threshold checks.
	penaltyGrowth = 1.5
	penaltyCap    = 8.0

	// softLimitFraction of the effective budget triggers an advisory
	// "approaching rate limit" warning before any explicit denial.
	softLimitFraction = 0.8
)

// Options configures a Controller.
type Options struct {
	// Window is the trailing sliding window over which requests are counted.
	Window time.Duration
	// Budget is the maximum weighted request count per window and category.
	Budget int
	// FloorPerSec paces all requests globally, independent of category
	// accounting. Zero disables the pacing floor.
	FloorPerSec float64
	// Weights assigns per-request cost weights to categories. Categories
	// without an entry weigh 1.0. Heavier endpoints are throttled more
	// aggressively by the remote service and get weights above 1.
	Weights map[string]float64
	// NoSleep disables proactive sleeping. Accounting still happens so
	// reactive backoff on explicit throttle signals keeps working.
	NoSleep bool

	// Grace is added to every computed wait so a request never lands
	// exactly on the window boundary. Zero uses the default.
	Grace time.Duration

	Logger logger.Logger
}

// Controller tracks request history per query category and decides how long
// the executor must sleep before each request. It learns proactively from
// its own accounting and reactively from explicit "too many requests"
// signals. State is per-process and in-memory only; the controller assumes
// it is the sole consumer of the remote service's quota.
type Controller struct {
	mu           sync.Mutex
	window       time.Duration
	budget       int
	grace        time.Duration
	weights      map[string]float64
	noSleep      bool
	categories   map[string]*category
	earliestNext time.Time

	floor *rate.Limiter
	log   logger.Logger

	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// category is the rate window state for one query category.
type category struct {
	timestamps []time.Time
	penalty    float64
	penalized  int
	lastDenied time.Time
	warned     bool
}

// NewController creates a rate controller from the given options.
func NewController(opts Options) *Controller {
	if opts.Window <= 0 {
		opts.Window = 660 * time.Second
	}
	if opts.Budget <= 0 {
		opts.Budget = 200
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	c := &Controller{
		window:     opts.Window,
		budget:     opts.Budget,
		grace:      opts.Grace,
		weights:    opts.Weights,
		noSleep:    opts.NoSleep,
		categories: make(map[string]*category),
		log:        opts.Logger,
		now:        time.Now,
		sleep:      retry.Wait,
	}
	if opts.FloorPerSec > 0 {
		c.floor = rate.NewLimiter(rate.Limit(opts.FloorPerSec), 1)
	}
	return c
}

// WaitBefore blocks until a request of the given category may be sent, then
// records the request in the category's window. The sleep is cancellable
// through ctx; cancellation leaves the window state untouched.
func (c *Controller) WaitBefore(ctx context.Context, cat string) error {
	c.mu.Lock()
	now := c.now()
	wait := c.waitTime(cat, now)
	if wait > 0 {
		c.category(cat).penalized++
	}
	c.mu.Unlock()

	if wait > 0 && !c.noSleep {
		if wait > 15*time.Second {
			c.log.WarnWithFields("too many queries in the last time, waiting", map[string]interface{}{
				"category": cat,
				"wait":     wait.Round(time.Second),
				"until":    time.Now().Add(wait).Format("15:04:05"),
			})
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	if c.floor != nil && !c.noSleep {
		if err := c.floor.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	st := c.category(cat)
	st.timestamps = append(st.timestamps, c.now())
	c.mu.Unlock()
	return nil
}

// HandleTooManyRequests records an explicit throttle signal for the category
// and returns how long the executor must back off before retrying the same
// request. The category's penalty multiplier is raised so future threshold
// checks become stricter until the penalty decays.
func (c *Controller) HandleTooManyRequests(cat string, retryAfter time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.category(cat)
	st.penalty = math.Min(st.penalty*penaltyGrowth, penaltyCap)
	st.lastDenied = now

	wait := c.waitTime(cat, now)
	inWindow := c.pruned(st, now)
	if len(inWindow) > 0 {
		// Retrying the same request is only safe once the oldest tracked
		// request has aged out of the window entirely.
		until := inWindow[0].Add(c.window + c.grace)
		if until.Sub(now) > wait {
			wait = until.Sub(now)
		}
	}
	if retryAfter > wait {
		wait = retryAfter
	}
	if next := now.Add(wait); next.After(c.earliestNext) {
		c.earliestNext = next
	}

	c.log.WarnWithFields("server signalled too many requests", map[string]interface{}{
		"category": cat,
		"backoff":  wait.Round(time.Second),
		"penalty":  st.penalty,
	})
	return wait
}

// WaitDuration returns the sleep the controller would currently impose on
// the category, without recording anything.
func (c *Controller) WaitDuration(cat string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitTime(cat, c.now())
}

// RequestCount returns how many requests have been recorded for the category
// within the trailing window.
func (c *Controller) RequestCount(cat string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.categories[cat]
	if !ok {
		return 0
	}
	return len(c.pruned(st, c.now()))
}

// PenalizedCount returns how many requests of the category were issued "too
// soon", i.e. required a proactive sleep first.
func (c *Controller) PenalizedCount(cat string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.categories[cat]
	if !ok {
		return 0
	}
	return st.penalized
}

// category returns the state record for cat, creating it when absent.
// Callers must hold c.mu.
func (c *Controller) category(cat string) *category {
	st, ok := c.categories[cat]
	if !ok {
		st = &category{penalty: 1.0}
		c.categories[cat] = st
	}
	return st
}

// pruned drops timestamps older than the window and returns the remainder,
// oldest first. Callers must hold c.mu.
func (c *Controller) pruned(st *category, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(st.timestamps) && !st.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.timestamps = append(st.timestamps[:0], st.timestamps[i:]...)
	}
	return st.timestamps
}

// weight returns the cost weight of the category. Subcategories written as
// "family:discriminator" fall back to the weight of their family.
func (c *Controller) weight(cat string) float64 {
	if w, ok := c.weights[cat]; ok && w > 0 {
		return w
	}
	if i := strings.IndexByte(cat, ':'); i > 0 {
		if w, ok := c.weights[cat[:i]]; ok && w > 0 {
			return w
		}
	}
	return 1.0
}

// effectivePenalty is the category's penalty multiplier after time decay:
// each full window of clean behavior since the last denial halves it, so
// sustained good behavior restores full throughput.
func (c *Controller) effectivePenalty(st *category, now time.Time) float64 {
	if st.penalty <= 1.0 || st.lastDenied.IsZero() {
		return 1.0
	}
	windows := now.Sub(st.lastDenied).Seconds() / c.window.Seconds()
	decayed := st.penalty / math.Pow(2, windows)
	if decayed < 1.0 {
		return 1.0
	}
	return decayed
}

// waitTime computes the sleep required before the next request of the
// category may be sent. Callers must hold c.mu.
//
// The wait is not a fixed constant: it is the time until enough requests
// have aged out of the trailing window, so it grows with how far over
// threshold the window is and shrinks as old requests expire.
func (c *Controller) waitTime(cat string, now time.Time) time.Duration {
	st := c.category(cat)
	inWindow := c.pruned(st, now)

	effectiveBudget := int(float64(c.budget) / (c.weight(cat) * c.effectivePenalty(st, now)))
	if effectiveBudget < 1 {
		effectiveBudget = 1
	}

	c.checkSoftLimit(cat, st, len(inWindow), effectiveBudget)

	if len(inWindow) < effectiveBudget {
		if c.earliestNext.After(now) {
			return c.earliestNext.Sub(now)
		}
		return 0
	}

	// The request at this index must age out of the window before the next
	// request fits under the threshold again.
	idx := len(inWindow) - effectiveBudget
	wait := inWindow[idx].Add(c.window + c.grace).Sub(now)
	if c.earliestNext.After(now.Add(wait)) {
		wait = c.earliestNext.Sub(now)
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// checkSoftLimit emits an advisory warning once the window crosses the soft
// threshold, before any explicit denial. Callers must hold c.mu.
func (c *Controller) checkSoftLimit(cat string, st *category, count, effectiveBudget int) {
	soft := int(float64(effectiveBudget) * softLimitFraction)
	switch {
	case count >= soft && !st.warned:
		st.warned = true
		c.log.WarnWithFields("approaching rate limit", map[string]interface{}{
			"category": cat,
			"requests": count,
			"budget":   effectiveBudget,
		})
	case count < effectiveBudget/2 && st.warned:
		st.warned = false
	}
}
