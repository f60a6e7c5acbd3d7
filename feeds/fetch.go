package feeds

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/internal/httpclient"
	"github.com/teranos/nebular/logger"
)

// MaxFeedBytes caps the body read from a feed response
const MaxFeedBytes = 10 << 20

// FetchError is a classified fetch failure. StatusCode is 0 when no response arrived.
type FetchError struct {
	Class      Class
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Result is a successfully fetched and parsed feed
type Result struct {
	Items      []Item
	FeedType   string // rss, atom, json
	Title      string
	Host       string
	StatusCode int
}

// FetcherOptions configures a Fetcher
type FetcherOptions struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerMinute int // per host; 0 = unlimited
	AllowPrivateHosts bool
	Classifier        *Classifier
}

// Fetcher downloads and parses feeds, rate limited per host
type Fetcher struct {
	client     *httpclient.Client
	classifier *Classifier
	rpm        int
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher creates a fetcher
func NewFetcher(opts FetcherOptions, log *zap.SugaredLogger) *Fetcher {
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Fetcher{
		client: httpclient.New(httpclient.Options{
			Timeout:      opts.Timeout,
			UserAgent:    opts.UserAgent,
			AllowPrivate: opts.AllowPrivateHosts,
		}),
		classifier: classifier,
		rpm:        opts.RequestsPerMinute,
		logger:     logger.AddFeedSymbol(logger.OrNop(log).Named("feeds")),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[host]
	if !ok {
		if f.rpm <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			l = rate.NewLimiter(rate.Limit(float64(f.rpm)/60.0), 1)
		}
		f.limiters[host] = l
	}
	return l
}

// Fetch downloads and parses src. Failures are *FetchError values marked with
// errors.ErrTransientFetch or errors.ErrPermanentFetch.
func (f *Fetcher) Fetch(ctx context.Context, src *Source) (*Result, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, f.fail(0, errors.Wrap(err, "invalid URL"))
	}
	host := strings.ToLower(u.Hostname())

	if err := f.limiter(host).Wait(ctx); err != nil {
		return nil, f.fail(0, errors.Wrapf(err, "rate limit wait for %s", host))
	}

	resp, err := f.client.Get(ctx, src.URL)
	if err != nil {
		return nil, f.fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, f.fail(resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFeedBytes))
	if err != nil {
		return nil, f.fail(resp.StatusCode, errors.Wrap(err, "failed to read feed body"))
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, f.failAs(ClassPermanent, resp.StatusCode, errors.Wrap(err, "failed to parse feed"))
	}

	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		item := Item{
			GUID:    cmp.Or(it.GUID, it.Link),
			Title:   strings.TrimSpace(it.Title),
			Link:    it.Link,
			Summary: strings.TrimSpace(it.Description),
		}
		if item.GUID == "" {
			continue
		}
		if it.PublishedParsed != nil {
			t := it.PublishedParsed.UTC()
			item.PublishedAt = &t
		} else if it.UpdatedParsed != nil {
			t := it.UpdatedParsed.UTC()
			item.PublishedAt = &t
		}
		items = append(items, item)
	}

	f.logger.Debugw("Fetched feed",
		logger.FieldSourceID, src.ID,
		logger.FieldHost, host,
		logger.FieldCount, len(items),
	)

	return &Result{
		Items:      items,
		FeedType:   feed.FeedType,
		Title:      feed.Title,
		Host:       host,
		StatusCode: resp.StatusCode,
	}, nil
}

func (f *Fetcher) fail(status int, err error) error {
	return f.failAs(f.classifier.Classify(status, err), status, err)
}

func (f *Fetcher) failAs(class Class, status int, err error) error {
	return errors.Mark(&FetchError{Class: class, StatusCode: status, Err: err}, class.Sentinel())
}
