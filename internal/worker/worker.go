// ============================================================================
// geo-sampler Worker - Job Executor
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one (subject, location) job against the live session and
//           always turns the outcome into a Result
//
// Attempt loop (attempt = 1..MaxRetries+1):
//   1. Location differs from lastApplied?
//        navigate home → SET_LOCATION
//          OK         → remember location, settle
//          DETECTION  → finish job now (no extraction, no more attempts)
//          otherwise  → forget lastApplied, attempt = LOCATION_SET_FAILED,
//                       extraction is still tried
//   2. Navigate to the product page
//   3. EXTRACT(sellerName)
//          DETECTION  → finish job now
//          ok=false   → ERROR stays ERROR, anything else is EXTRACT_FAILED
//   4. Retryable status with attempts left → next attempt
//
// lastApplied:
//   Session-scoped memory of the location the site last confirmed. It lives
//   only in the Executor and is never persisted, so a restarted process
//   always re-applies the first location it sees.
//
// Error Handling:
//   Execute never returns an error. Context cancellation ends the attempt
//   loop early; the caller checks ctx.Err() and discards that Result.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/retry"
	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

// Config site URLs and the event sink
type Config struct {
	BaseURL  string // e.g. https://www.amazon.com
	HomeURL  string // navigated before every location switch; defaults to BaseURL
	Observer Observer
}

// Executor processes one job at a time against a single session
type Executor struct {
	sess     Session
	baseURL  string
	homeURL  string
	observer Observer
	now      func() time.Time

	lastApplied types.LocationCode
	hasApplied  bool
}

// NewExecutor creates an Executor with no location applied yet
func NewExecutor(sess Session, cfg Config) *Executor {
	base := strings.TrimRight(cfg.BaseURL, "/")
	home := cfg.HomeURL
	if home == "" {
		home = base
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Executor{
		sess:     sess,
		baseURL:  base,
		homeURL:  home,
		observer: obs,
		now:      time.Now,
	}
}

// ProductURL product page for a subject
func (e *Executor) ProductURL(subject types.SubjectID) string {
	return e.baseURL + "/dp/" + url.PathEscape(string(subject)) + "?th=1&psc=1"
}

// LastApplied location the site last confirmed, if any
func (e *Executor) LastApplied() (types.LocationCode, bool) {
	return e.lastApplied, e.hasApplied
}

// ForgetLocation drops lastApplied, e.g. when a new session is attached
func (e *Executor) ForgetLocation() {
	e.lastApplied = ""
	e.hasApplied = false
}

// attemptOutcome what one attempt produced
type attemptOutcome struct {
	status   types.StatusCode
	notes    []string
	seller   string
	isOwn    bool
	quantity string
}

func (o *attemptOutcome) note(s string) {
	if s != "" {
		o.notes = append(o.notes, s)
	}
}

// Execute runs the attempt loop for job and returns its final Result
func (e *Executor) Execute(ctx context.Context, spec JobSpec, id types.SessionID, job types.Job) types.Result {
	policy := retry.New(spec.MaxRetries)
	productURL := e.ProductURL(job.Subject)

	var out attemptOutcome
	attempt := 1
	for ; ; attempt++ {
		out = e.attempt(ctx, spec, id, job, productURL)
		e.observer.AttemptFinished(out.status)

		if ctx.Err() != nil {
			out.status = types.StatusError
			out.note("interrupted")
			break
		}
		if !policy.ShouldRetry(out.status, attempt) {
			break
		}
		logger().Info("Retrying job",
			"subject", job.Subject, "location", job.Location,
			"attempt", attempt, "max_attempts", policy.MaxAttempts(), "status", out.status)
	}

	return types.Result{
		RunID:             spec.RunID,
		Timestamp:         e.now().UTC(),
		Subject:           job.Subject,
		Location:          job.Location,
		Status:            out.status,
		FeaturedSeller:    out.seller,
		IsOwnSeller:       out.isOwn,
		QuantityAvailable: out.quantity,
		RetryCount:        attempt - 1,
		Notes:             strings.Join(out.notes, "; "),
		URL:               productURL,
	}
}

// attempt one pass of location-set, navigate, extract
func (e *Executor) attempt(ctx context.Context, spec JobSpec, id types.SessionID, job types.Job, productURL string) attemptOutcome {
	out := attemptOutcome{status: types.StatusOK}

	if !e.hasApplied || e.lastApplied != job.Location {
		if err := e.sess.Navigate(ctx, id, e.homeURL); err != nil {
			out.status = types.StatusError
			return out
		}

		resp := e.sess.Send(ctx, id, session.SetLocation(job.Location))
		switch {
		case resp.OK:
			e.lastApplied, e.hasApplied = job.Location, true
			e.observer.LocationSwitch(true)
			logger().Info("Location set", "location", job.Location)
			if err := e.sess.Settle(ctx); err != nil {
				out.status = types.StatusError
				return out
			}
		case resp.Status == types.StatusDetection:
			e.observer.LocationSwitch(false)
			out.status = types.StatusDetection
			out.note("detection during location change")
			logger().Warn("Detection during location change", "subject", job.Subject, "location", job.Location)
			return out
		default:
			e.ForgetLocation()
			e.observer.LocationSwitch(false)
			out.status = types.StatusLocationSetFailed
			out.note(firstNonEmpty(resp.Error, "location set failed"))
			logger().Warn("Location set failed", "location", job.Location, "status", resp.Status, "error", resp.Error)
		}
	}

	if err := e.sess.Navigate(ctx, id, productURL); err != nil {
		out.status = types.StatusError
		return out
	}

	resp := e.sess.Send(ctx, id, session.Extract(spec.SellerName))
	if !resp.OK {
		switch resp.Status {
		case types.StatusDetection:
			out.status = types.StatusDetection
			out.note("detection on product page")
		case types.StatusError:
			out.status = types.StatusError
			out.note(firstNonEmpty(resp.Error, "session error"))
		default:
			out.status = types.StatusExtractFailed
			out.note(firstNonEmpty(resp.Error, "extraction failed"))
		}
		logger().Warn("Extraction failed", "subject", job.Subject, "location", job.Location, "status", out.status)
		return out
	}

	out.seller = resp.SoldBy
	out.isOwn = resp.IsOwn
	out.quantity = resp.QuantityAvailable
	out.note(resp.Notes)
	// 位置切換失敗時保留 LOCATION_SET_FAILED，不被擷取結果覆蓋
	if out.status == types.StatusOK {
		out.status = resp.Status
	}
	logger().Info("Extracted", "subject", job.Subject, "location", job.Location,
		"status", out.status, "seller", out.seller, "own", out.isOwn)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
