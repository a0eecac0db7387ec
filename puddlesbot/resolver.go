package puddlesbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// UserLookup resolves a discord user ID to a user record. It must be
// safe for concurrent use. [discordgo.Session.User] satisfies this
// through [DiscordSessionHandler].
type UserLookup func(ctx context.Context, userID string) (displayName string, err error)

// displayNameResolver fans out user-identity lookups for a render call.
// Lookups run concurrently so a page render costs roughly one lookup's
// latency instead of the sum of all of them, bounded by a concurrency
// cap and a rate limiter to respect the discord API's limits.
type displayNameResolver struct {
	lookup        UserLookup
	limiter       *rate.Limiter
	maxConcurrent int
	lookupTimeout time.Duration
	logger        *slog.Logger
}

func newDisplayNameResolver(
	lookup UserLookup,
	config *ResolverConfig,
	logger *slog.Logger,
) *displayNameResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &displayNameResolver{
		lookup: lookup,
		limiter: rate.NewLimiter(
			rate.Limit(config.RequestsPerSecond),
			config.MaxConcurrent,
		),
		maxConcurrent: config.MaxConcurrent,
		lookupTimeout: config.LookupTimeout,
		logger:        logger.With(loggerNameKey, "resolver"),
	}
}

// unknownUserDisplayName is the placeholder shown when a lookup fails
// or times out. A degraded name beats failing the whole page render.
func unknownUserDisplayName(userID string) string {
	return fmt.Sprintf("Unknown User (%s)", userID)
}

// ResolveAll resolves the given user IDs to display names. Duplicate
// IDs are deduplicated before any lookups are issued, so a set of tasks
// sharing assignees costs one lookup per unique user. Results are not
// cached across calls.
//
// The returned map always contains an entry for every input ID; failed
// or timed-out lookups map to a placeholder.
func (r *displayNameResolver) ResolveAll(
	ctx context.Context,
	userIDs []string,
) map[string]string {
	unique := dedupeStrings(userIDs)

	results := make(map[string]string, len(unique))
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)

	for _, userID := range unique {
		userID := userID
		g.Go(
			func() error {
				name := r.resolveOne(groupCtx, userID)
				mu.Lock()
				results[userID] = name
				mu.Unlock()
				return nil
			},
		)
	}
	// lookup errors degrade to placeholders rather than propagating
	_ = g.Wait()

	return results
}

func (r *displayNameResolver) resolveOne(
	ctx context.Context,
	userID string,
) string {
	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	if err := r.limiter.Wait(lookupCtx); err != nil {
		r.logger.WarnContext(
			ctx,
			"rate limiter wait aborted",
			"user_id", userID,
			tint.Err(err),
		)
		return unknownUserDisplayName(userID)
	}

	name, err := r.lookup(lookupCtx, userID)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"user lookup failed",
			"user_id", userID,
			tint.Err(err),
		)
		return unknownUserDisplayName(userID)
	}
	if name == "" {
		return unknownUserDisplayName(userID)
	}
	return name
}
