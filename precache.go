package precache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
	serializer "github.com/always-cache/precache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrBadStatus is returned by Install when a manifest entry responds with
// a non-2xx status code.
var ErrBadStatus = errors.New("Non-success response")

const defaultFetchConcurrency = 6

type Config struct {
	// Storage for cached responses.
	Cache cache.CacheProvider
	// Name of the bucket both install and fetch operate on.
	// Changing it leaves the previous bucket orphaned.
	Bucket string
	// Paths (or absolute URLs) to store on install, in order.
	Manifest []string
	// URL of the origin server the manifest paths are resolved against,
	// and where cache misses are forwarded.
	OriginURL url.URL
	// HTTP client used for all network access.
	// A client with default settings is used if nil.
	Client *http.Client
	// Maximum number of manifest entries fetched at the same time.
	FetchConcurrency int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker holds the three lifecycle handlers: Install, Activate and Fetch.
// Its configuration is fixed at creation.
type Worker struct {
	cache       cache.CacheProvider
	bucket      string
	manifest    []string
	originURL   url.URL
	httpClient  *http.Client
	concurrency int
	log         zerolog.Logger
}

// CreateWorker initializes a worker from the given config.
// The manifest is copied and duplicate entries are dropped.
func CreateWorker(config Config) (*Worker, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("Cache provider is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("Bucket name is required")
	}
	if len(config.Manifest) == 0 {
		return nil, fmt.Errorf("Manifest must have at least one entry")
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("bucket", config.Bucket).
		Logger()

	w := &Worker{
		cache:       config.Cache,
		bucket:      config.Bucket,
		originURL:   config.OriginURL,
		httpClient:  config.Client,
		concurrency: config.FetchConcurrency,
		log:         logger,
	}
	if w.httpClient == nil {
		w.httpClient = &http.Client{}
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultFetchConcurrency
	}

	seen := make(map[string]bool, len(config.Manifest))
	for _, path := range config.Manifest {
		if seen[path] {
			w.log.Warn().Str("path", path).Msg("Duplicate manifest entry ignored")
			continue
		}
		seen[path] = true
		w.manifest = append(w.manifest, path)
	}

	return w, nil
}

// Bucket returns the name of the bucket the worker operates on.
func (w *Worker) Bucket() string {
	return w.bucket
}

// Manifest returns a copy of the (deduplicated) manifest.
func (w *Worker) Manifest() []string {
	return append([]string(nil), w.manifest...)
}

// Install opens the bucket and stores every manifest entry in it.
// It returns when all fetches have settled.
// If any entry fails to fetch, nothing is stored and the error is returned.
// Entries already in the bucket are fetched again and replaced.
func (w *Worker) Install(ctx context.Context) error {
	w.log.Info().Msg("Install event in progress")
	if err := w.cache.Open(w.bucket); err != nil {
		return fmt.Errorf("could not open bucket %s: %w", w.bucket, err)
	}
	w.log.Info().Msg("Opened cache")

	entries := make([]cache.CacheEntry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, path := range w.manifest {
		i, path := i, path
		g.Go(func() error {
			ce, err := w.fetchEntry(gctx, path)
			if err != nil {
				return fmt.Errorf("could not precache %s: %w", path, err)
			}
			entries[i] = ce
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.log.Error().Err(err).Msg("Install failed")
		return err
	}

	if err := w.cache.PutAll(w.bucket, entries); err != nil {
		return fmt.Errorf("could not write bucket %s: %w", w.bucket, err)
	}
	w.log.Info().Int("entries", len(entries)).Msg("Install complete")
	return nil
}

// fetchEntry requests a single manifest path from the network
// and serializes the response for storage.
func (w *Worker) fetchEntry(ctx context.Context, path string) (cache.CacheEntry, error) {
	ce := cache.CacheEntry{RequestedAt: time.Now()}
	ref, err := url.Parse(path)
	if err != nil {
		return ce, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.originURL.ResolveReference(ref).String(), nil)
	if err != nil {
		return ce, err
	}
	if ce.Key, err = cachekey.GetKey(req); err != nil {
		return ce, err
	}
	w.log.Trace().Str("key", ce.Key).Msg("Requesting content from origin")

	res, err := w.httpClient.Do(req)
	if err != nil {
		return ce, err
	}
	defer res.Body.Close()
	ce.ReceivedAt = time.Now()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return ce, fmt.Errorf("%w: %s", ErrBadStatus, res.Status)
	}
	ce.Bytes, err = serializer.ResponseToBytes(res)
	return ce, err
}

// Activate runs on activation. It does not touch the cache.
func (w *Worker) Activate(ctx context.Context) error {
	w.log.Info().Msg("Activate event in progress")
	return nil
}

// Fetch returns the stored response for the request if there is one.
// Otherwise the request is sent to the network and the result is returned
// as is. Network responses are never written to the cache.
//
// The worker fronts a single origin: scheme and host of the request URL are
// ignored, so lookups use only method, path and query, and misses are
// always forwarded to the configured origin.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := w.fetch(ctx, r)
	return res, err
}

// fetch is Fetch, also reporting whether the response came from the cache.
func (w *Worker) fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	w.log.Debug().Str("method", r.Method).Str("url", r.URL.String()).Msg("Fetching")

	if res := w.match(r); res != nil {
		return res, true, nil
	}
	res, err := w.network(ctx, r)
	return res, false, err
}

// match looks up the stored response for the request.
// Lookup errors are logged and reported as a miss.
func (w *Worker) match(r *http.Request) *http.Response {
	key, err := cachekey.GetKey(r)
	if err != nil {
		return nil
	}
	ce, ok, err := w.cache.Get(w.bucket, key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	res, err := serializer.BytesToResponse(ce.Bytes)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not create response")
		return nil
	}
	res.Request = r
	if r.Method == http.MethodHead {
		res.Body.Close()
		res.Body = http.NoBody
	}
	w.log.Trace().Str("key", key).Msg("Cache hit")
	return res
}

// network forwards the request to the origin.
func (w *Worker) network(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := w.originURL.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	var body io.Reader = r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	w.log.Trace().Str("url", req.URL.String()).Msg("Forwarding to network")
	return w.httpClient.Do(req)
}

// ServeHTTP implements the http.Handler interface.
// Network errors result in a 502 response.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	res, hit, err := w.fetch(r.Context(), r)
	cs := CacheStatus{}
	if hit {
		cs.Hit()
	} else {
		cs.Forward(FwdReasonUriMiss)
	}
	w.send(rw, r, res, err, cs)
}

// send writes the fetch result to the client.
func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response, err error, cs CacheStatus) {
	if err != nil {
		w.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from network")
		cs.Detail = "network-error"
		rw.Header().Set("Cache-Status", cs.String())
		http.Error(rw, "Error contacting origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.Header().Set("Cache-Status", cs.String())
	rw.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
