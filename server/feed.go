package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"fedilace/server/activity"
	"fedilace/server/rss"
	"fedilace/server/storage"
	"fedilace/server/telemetry"
)

const defaultFeedPeriod = 30 * time.Minute

// seenFeedItems is the storage collection remembering which feed item
// ids were already turned into notes, so restarts don't repost a feed.
const seenFeedItems = "feedItems"

// feedSource polls one RSS feed and posts each new item as a public
// note from its bot.
type feedSource struct {
	bot       *Bot
	db        storage.Collections
	formatter *URLFormatter
	watcher   rss.FeedWatcher
	period    time.Duration
}

func newFeedSource(bot *Bot, db storage.Collections, formatter *URLFormatter, cfg botConfig) *feedSource {
	f := &feedSource{
		bot:       bot,
		db:        db,
		formatter: formatter,
		period:    defaultFeedPeriod,
	}
	if cfg.FeedMinutes > 0 {
		f.period = time.Duration(cfg.FeedMinutes) * time.Minute
	}
	f.watcher = rss.NewFeedWatcher(cfg.FeedURL, f)
	return f
}

func (f *feedSource) watch(ctx context.Context) {
	telemetry.Log("watching feed [%s] for [%s] every %s", f.watcher.URL, f.bot.Username, f.period)
	f.watcher.Watch(ctx, f.period)
}

// StatusCode implements rss.ItemHandler
func (f *feedSource) StatusCode(code int) {
	if code != http.StatusOK && code != http.StatusNotModified {
		telemetry.Warn("feed [%s] returned status %d", f.watcher.URL, code)
	}
	telemetry.Increment("feed_fetches", 1)
}

// NewItem implements rss.ItemHandler. Items already posted in an
// earlier run are skipped.
func (f *feedSource) NewItem(item rss.Item) {
	seen, err := f.db.InCollection(f.bot.Username, seenFeedItems, item.ID)
	if err != nil {
		telemetry.Error(err, "checking feed item [%s]", item.ID)
		return
	}
	if seen {
		return
	}
	if err := f.db.AddToCollection(f.bot.Username, seenFeedItems, item.ID); err != nil {
		telemetry.Error(err, "recording feed item [%s]", item.ID)
		return
	}

	content := item.Title
	if item.URL != "" {
		content = fmt.Sprintf("%s\n\n%s", item.Title, item.URL)
	}
	noteID := f.bot.PostNote(content,
		[]string{activity.Public},
		[]string{f.formatter.ActorCollection(f.bot.Username, FollowersCollection)},
	)
	if noteID != "" {
		telemetry.Log("posted feed item [%s] as [%s]", item.ID, noteID)
		telemetry.Increment("feed_notes", 1)
	}
}
