package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	errs "igclient/pkg/errors"
	"igclient/pkg/instagram"
	"igclient/pkg/iterator"
	"igclient/pkg/logger"
)

// ExitCode is the process exit status of a crawl run.
type ExitCode int

const (
	// ExitSuccess means every target completed.
	ExitSuccess ExitCode = 0
	// ExitNonFatal means the run finished but some targets failed.
	ExitNonFatal ExitCode = 1
	// ExitInitFailure means the run could not be set up at all.
	ExitInitFailure ExitCode = 2
	// ExitLoginFailure means authentication failed or was demanded.
	ExitLoginFailure ExitCode = 3
	// ExitAborted means a response matched the configured abort list.
	ExitAborted ExitCode = 4
	// ExitUserAborted means the operator interrupted the run.
	ExitUserAborted ExitCode = 5
)

// checkpointSaveInterval is how many yielded items pass between automatic
// checkpoint saves.
const checkpointSaveInterval = 10

// Handler consumes one crawled item. Returning an error fails the target.
type Handler func(target string, item iterator.Item) error

// Options configures a crawl run.
type Options struct {
	// Handler receives every yielded item. Nil items are only counted.
	Handler Handler

	// StopWhen ends a target's walk early; the matching item is still
	// delivered.
	StopWhen func(item iterator.Item) bool

	// Concurrency bounds how many targets are walked at once.
	Concurrency int

	// CheckpointDir overrides the platform data directory for checkpoint
	// files. Empty disables checkpointing entirely.
	CheckpointDir string
}

// Crawler walks the timelines of one or more target profiles through a
// shared client, checkpointing progress so interrupted runs resume where
// they stopped.
type Crawler struct {
	client *instagram.Client
	opts   Options
	log    logger.Logger

	mu       sync.Mutex
	failures []string
	items    int
}

// New creates a crawler over the given client.
func New(client *instagram.Client, opts Options, log logger.Logger) *Crawler {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Crawler{client: client, opts: opts, log: log}
}

// Run crawls all targets and returns the process exit code. Fatal failures
// (abort list hits, lost logins, operator interrupts) cancel the remaining
// targets; per-target failures are collected and reported at the end.
func (c *Crawler) Run(ctx context.Context, targets []string) ExitCode {
	if len(targets) == 0 {
		c.log.Error("no targets given")
		return ExitInitFailure
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Concurrency)

	for _, target := range targets {
		target := target
		group.Go(func() error {
			err := c.crawlTarget(ctx, target)
			if err == nil {
				return nil
			}
			if isFatal(err) {
				return err
			}
			c.mu.Lock()
			c.failures = append(c.failures, fmt.Sprintf("%s: %v", target, err))
			c.mu.Unlock()
			c.log.ErrorWithFields("target failed", map[string]interface{}{
				"target": target,
				"error":  err.Error(),
			})
			return nil
		})
	}

	err := group.Wait()

	c.mu.Lock()
	failures := c.failures
	items := c.items
	c.mu.Unlock()

	if err != nil {
		c.log.WithError(err).Error("crawl terminated")
		return ExitCodeFor(err)
	}

	c.log.InfoWithFields("crawl finished", map[string]interface{}{
		"targets": len(targets),
		"items":   items,
		"failed":  len(failures),
	})
	if len(failures) > 0 {
		c.log.ErrorWithFields("errors occurred", map[string]interface{}{
			"failures": strings.Join(failures, "; "),
		})
		return ExitNonFatal
	}
	return ExitSuccess
}

// crawlTarget walks one profile's timeline from its checkpoint to the end.
func (c *Crawler) crawlTarget(ctx context.Context, target string) error {
	profile, err := c.client.ResolveProfile(ctx, target)
	if err != nil {
		return err
	}

	c.log.InfoWithFields("crawling target", map[string]interface{}{
		"target":  profile.Username,
		"user_id": profile.ID,
		"count":   profile.MediaCount,
	})

	it := iterator.New(c.client, iterator.QuerySpec{
		QueryHash:      instagram.MediaQueryHash,
		Variables:      map[string]interface{}{"id": profile.ID},
		ConnectionPath: []string{"user", "edge_owner_to_timeline_media"},
		Referer:        fmt.Sprintf("%s/%s/", instagram.BaseURL, profile.Username),
		StopWhen:       c.opts.StopWhen,
	}, c.log)

	var mgr *iterator.CheckpointManager
	if c.opts.CheckpointDir != "" {
		mgr = iterator.NewCheckpointManagerAt(
			filepath.Join(c.opts.CheckpointDir, profile.Username+".checkpoint.json"))
		frozen, err := mgr.Load()
		if err != nil {
			return err
		}
		if frozen != nil {
			if err := it.ResumeFrom(frozen); err != nil {
				// The signature covers the profile ID, so a stale
				// checkpoint after a rename or re-creation of the
				// account no longer matches.
				return errs.Wrap(errs.KindResourceChanged,
					fmt.Sprintf("checkpoint for %s no longer matches the profile, delete %s to start over",
						profile.Username, mgr.Path()), err)
			}
		}
	}

	sinceSave := 0
	for {
		// Snapshot before yielding: an item the handler never received
		// must be yielded again on resume.
		var before *iterator.Frozen
		if mgr != nil {
			before = it.Freeze()
		}

		item, err := it.Next(ctx)
		if err == iterator.ErrEndOfSequence {
			break
		}
		if err != nil {
			c.saveCheckpoint(mgr, it, profile.Username)
			return err
		}

		if c.opts.Handler != nil {
			if err := c.opts.Handler(profile.Username, item); err != nil {
				if mgr != nil {
					if saveErr := mgr.Save(before); saveErr != nil {
						c.log.WithError(saveErr).Error("failed to save checkpoint")
					}
				}
				return fmt.Errorf("handler failed on %s: %w", item.ID, err)
			}
		}

		c.mu.Lock()
		c.items++
		c.mu.Unlock()

		sinceSave++
		if mgr != nil && sinceSave >= checkpointSaveInterval {
			c.saveCheckpoint(mgr, it, profile.Username)
			sinceSave = 0
		}
	}

	if mgr != nil {
		if err := mgr.Delete(); err != nil {
			c.log.WithError(err).Warn("failed to delete finished checkpoint")
		}
	}

	c.log.InfoWithFields("target complete", map[string]interface{}{
		"target": profile.Username,
		"items":  it.Total(),
	})
	return nil
}

func (c *Crawler) saveCheckpoint(mgr *iterator.CheckpointManager, it *iterator.NodeIterator, target string) {
	if mgr == nil {
		return
	}
	if err := mgr.Save(it.Freeze()); err != nil {
		c.log.ErrorWithFields("failed to save checkpoint", map[string]interface{}{
			"target": target,
			"error":  err.Error(),
		})
	}
}

// isFatal reports whether a target failure must cancel the whole run.
func isFatal(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch errs.GetKind(err) {
	case errs.KindAbort, errs.KindAuthRequired, errs.KindBadCredentials, errs.KindTwoFactorRequired:
		return true
	}
	return false
}

// ExitCodeFor maps a terminating error to the process exit status.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	if stderrors.Is(err, context.Canceled) {
		return ExitUserAborted
	}
	switch errs.GetKind(err) {
	case errs.KindAbort:
		return ExitAborted
	case errs.KindAuthRequired, errs.KindBadCredentials, errs.KindTwoFactorRequired:
		return ExitLoginFailure
	case errs.KindInvalidArgument:
		return ExitInitFailure
	default:
		return ExitNonFatal
	}
}
