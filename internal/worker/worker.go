package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/failure"
	"github.com/tbourn/portal-integrator/internal/portal"
	"github.com/tbourn/portal-integrator/internal/repo"
)

var (
	// ErrCircuitOpen is returned by Run when a systemic storage error stopped
	// the loop. The process supervisor is expected to restart the worker.
	ErrCircuitOpen = errors.New("worker stopped: systemic failure")
	// ErrAlreadyRunning is returned by Run when the loop is already active.
	ErrAlreadyRunning = errors.New("worker already running")
)

// TokenCipher decrypts stored portal tokens.
type TokenCipher interface {
	Decrypt(ciphertext string) (string, error)
}

// Refresher renews an expiring access token and returns the new plaintext
// token. The OAuth service implements it.
type Refresher interface {
	Refresh(ctx context.Context, conn *domain.PortalConnection) (string, error)
}

// Deps are the collaborators of a Worker.
type Deps struct {
	DB       *gorm.DB
	Registry *portal.Registry
	Cipher   TokenCipher
	// Refresher is optional; without it tokens are used until they fail.
	Refresher Refresher
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Options tune the poll loop. Zero values take the defaults below.
type Options struct {
	WorkerID       string
	PollInterval   time.Duration // 3s
	BackoffUnit    time.Duration // 10s
	MaxAttempts    int           // domain.DefaultMaxAttempts, for jobs without a limit
	AdapterTimeout time.Duration // 30s
	Lease          time.Duration // 5m
	RefreshSkew    time.Duration // 2m
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = domain.DefaultMaxAttempts
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 30 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.RefreshSkew <= 0 {
		o.RefreshSkew = 2 * time.Minute
	}
	return o
}

// Worker claims integration jobs one at a time and drives them to a
// terminal state or a scheduled retry.
type Worker struct {
	db        *gorm.DB
	registry  *portal.Registry
	cipher    TokenCipher
	refresher Refresher
	now       func() time.Time
	opts      Options

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a Worker. DB, Registry and Cipher are required.
func New(d Deps, opts Options) *Worker {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		db:        d.DB,
		registry:  d.Registry,
		cipher:    d.Cipher,
		refresher: d.Refresher,
		now:       now,
		opts:      opts.withDefaults(),
		stop:      make(chan struct{}),
	}
}

// ID returns the worker id written to claimed jobs.
func (w *Worker) ID() string { return w.opts.WorkerID }

// Running reports whether Run is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Stop asks Run to return after the job in flight, if any.
func (w *Worker) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// Run polls until ctx is done, Stop is called, or a systemic storage error
// opens the circuit. Only the last case returns a non-nil error.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	workerRunning.Set(1)
	defer func() {
		w.running.Store(false)
		workerRunning.Set(0)
	}()

	logger := log.With().Str("worker_id", w.opts.WorkerID).Logger()
	logger.Info().Dur("poll_interval", w.opts.PollInterval).Msg("worker started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopped")
			return nil
		case <-w.stop:
			logger.Info().Msg("worker stopped")
			return nil
		case <-timer.C:
		}

		processed, err := w.PollOnce(ctx)
		if err != nil {
			if failure.KindOf(err) == failure.KindSystemic {
				logger.Error().Err(err).Msg("systemic failure; stopping worker")
				return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
			}
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("poll failed")
			}
		}
		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(w.opts.PollInterval)
		}
	}
}

// PollOnce claims and processes at most one job. It reports whether a job
// was claimed. Job failures are recorded on the job and never returned; the
// error is a storage failure, and a systemic one met mid-job leaves the job
// pending again.
func (w *Worker) PollOnce(ctx context.Context) (bool, error) {
	job, err := repo.ClaimNextJob(ctx, w.db, w.opts.WorkerID, w.opts.Lease, w.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *domain.IntegrationJob) error {
	start := time.Now()
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.JobType)),
		attribute.String("portal.code", job.PortalCode),
		attribute.Int("job.attempts", job.Attempts),
	)
	logger := log.With().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("portal", job.PortalCode).
		Str("job_type", string(job.JobType)).
		Int("attempt", job.Attempts+1).
		Logger()
	defer func() {
		jobDuration.WithLabelValues(job.PortalCode, string(job.JobType)).Observe(time.Since(start).Seconds())
	}()

	status, token, err := repo.JobStatusOf(ctx, w.db, job.ID)
	if err != nil {
		return repo.ClassifyStorageError("recheck job", err)
	}
	if status != domain.StatusProcessing || token == nil || job.ClaimToken == nil || *token != *job.ClaimToken {
		logger.Info().Str("status", string(status)).Msg("job no longer eligible; skipping")
		jobsProcessed.WithLabelValues(job.PortalCode, string(job.JobType), "skipped").Inc()
		return nil
	}

	execErr := w.execute(ctx, job, logger)

	// Bookkeeping must land even when shutdown cancelled the execution.
	bctx := context.WithoutCancel(ctx)
	if execErr == nil {
		return w.complete(bctx, job, logger)
	}
	span.RecordError(execErr)
	span.SetStatus(codes.Error, failure.KindOf(execErr).String())
	switch {
	case failure.KindOf(execErr) == failure.KindSystemic:
		// The job is not at fault; hand it back and let Run open the circuit.
		if err := w.release(bctx, job, "storage failure: "+execErr.Error(), logger); err != nil {
			return err
		}
		return execErr
	case ctx.Err() != nil && failure.Retryable(execErr):
		return w.release(bctx, job, "interrupted: "+execErr.Error(), logger)
	}
	return w.fail(bctx, job, execErr, logger)
}

func (w *Worker) complete(ctx context.Context, job *domain.IntegrationJob, logger zerolog.Logger) error {
	if err := repo.CompleteJob(ctx, w.db, job, w.now()); err != nil {
		return w.bookkeepingError(err, logger)
	}
	jobsProcessed.WithLabelValues(job.PortalCode, string(job.JobType), "completed").Inc()
	logger.Info().Msg("job completed")
	w.audit(ctx, job, domain.LevelInfo, fmt.Sprintf("Job %s completed successfully.", job.JobType))
	return nil
}

func (w *Worker) fail(ctx context.Context, job *domain.IntegrationJob, cause error, logger zerolog.Logger) error {
	kind := failure.KindOf(cause)
	msg := cause.Error()
	now := w.now()

	if failure.RequiresReauth(cause) {
		if err := repo.MarkNeedsReauth(ctx, w.db, job.TenantID, job.PortalCode); err != nil && !errors.Is(err, repo.ErrNotFound) {
			logger.Error().Err(err).Msg("mark needs_reauth")
		}
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.opts.MaxAttempts
	}

	switch {
	case failure.Retryable(cause) && job.Attempts < maxAttempts:
		attempts := job.Attempts + 1
		next := now.Add(Backoff(w.opts.BackoffUnit, attempts))
		if err := repo.RetryJob(ctx, w.db, job, attempts, next, msg, now); err != nil {
			return w.bookkeepingError(err, logger)
		}
		jobsProcessed.WithLabelValues(job.PortalCode, string(job.JobType), "retried").Inc()
		logger.Warn().Err(cause).Str("kind", kind.String()).Time("next_attempt_at", next).Msg("job failed; retry scheduled")
	case failure.Retryable(cause):
		if err := repo.FailJob(ctx, w.db, job, job.Attempts+1, msg, now); err != nil {
			return w.bookkeepingError(err, logger)
		}
		jobsProcessed.WithLabelValues(job.PortalCode, string(job.JobType), "failed").Inc()
		logger.Error().Err(cause).Str("kind", kind.String()).Msg("job failed; attempts exhausted")
	default:
		if err := repo.FailJob(ctx, w.db, job, job.Attempts, msg, now); err != nil {
			return w.bookkeepingError(err, logger)
		}
		jobsProcessed.WithLabelValues(job.PortalCode, string(job.JobType), "failed").Inc()
		logger.Error().Err(cause).Str("kind", kind.String()).Msg("job failed permanently")
	}
	w.audit(ctx, job, domain.LevelError, "Job failed: "+msg)
	return nil
}

// release hands a job back to the queue, due immediately, without charging
// an attempt. Used on shutdown and when storage breaks under the job.
func (w *Worker) release(ctx context.Context, job *domain.IntegrationJob, note string, logger zerolog.Logger) error {
	now := w.now()
	if err := repo.RetryJob(ctx, w.db, job, job.Attempts, now, note, now); err != nil {
		return w.bookkeepingError(err, logger)
	}
	jobsProcessed.WithLabelValues(job.PortalCode, string(job.JobType), "released").Inc()
	logger.Info().Str("reason", note).Msg("job released")
	return nil
}

func (w *Worker) bookkeepingError(err error, logger zerolog.Logger) error {
	if errors.Is(err, repo.ErrClaimLost) {
		logger.Info().Msg("claim lost during execution; result discarded")
		return nil
	}
	return repo.ClassifyStorageError("job bookkeeping", err)
}

func (w *Worker) audit(ctx context.Context, job *domain.IntegrationJob, level domain.LogLevel, msg string) {
	if _, err := repo.AppendLog(ctx, w.db, job.TenantID, job.PortalCode, job.ID, level, msg); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("append audit log")
	}
}

// execute performs the job's action. The returned error is classified.
func (w *Worker) execute(ctx context.Context, job *domain.IntegrationJob, logger zerolog.Logger) error {
	veh, err := repo.GetVehicle(ctx, w.db, job.VehicleID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && veh.TenantID != job.TenantID) {
		return failure.NotFound("worker.load_vehicle", "vehicle %s not found", job.VehicleID)
	}
	if err != nil {
		return repo.ClassifyStorageError("load vehicle", err)
	}

	nv, err := domain.Normalize(veh)
	if err != nil {
		if !errors.Is(err, domain.ErrNoMedia) {
			return failure.Validation("worker.normalize", "%v", err)
		}
		if job.JobType == domain.JobPublish || job.JobType == domain.JobUpdate {
			return failure.Validation("worker.normalize", "vehicle has no photos")
		}
	}

	adapter, err := w.registry.Lookup(job.PortalCode)
	if err != nil {
		return err
	}

	switch job.JobType {
	case domain.JobPublish:
		return w.publish(ctx, job, adapter, nv, logger)
	case domain.JobUpdate, domain.JobPause, domain.JobDelete, domain.JobSyncStatus:
		return w.mutateListing(ctx, job, adapter, nv)
	default:
		return failure.Validation("worker.dispatch", "unsupported job type %q", job.JobType)
	}
}

func validate(a portal.Adapter, nv *domain.NormalizedVehicle) error {
	if violations := a.Validate(nv); len(violations) > 0 {
		return failure.Validation("worker.validate", "%s", strings.Join(violations, ", "))
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, job *domain.IntegrationJob, a portal.Adapter, nv *domain.NormalizedVehicle, logger zerolog.Logger) error {
	if err := validate(a, nv); err != nil {
		return err
	}

	existing, err := repo.GetListing(ctx, w.db, job.VehicleID, a.Code())
	switch {
	case err == nil && existing.Status == domain.ListingPublished && existing.IdempotencyKey == job.IdempotencyKey:
		logger.Info().Str("external_id", existing.ExternalID).Msg("listing already published for this key; skipping publish")
		return nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return repo.ClassifyStorageError("load listing", err)
	}

	creds, err := w.credentials(ctx, job, a)
	if err != nil {
		return err
	}

	var res portal.PublishResult
	if err := w.call(ctx, a, "publish", func(ctx context.Context) (err error) {
		res, err = a.Publish(ctx, creds, nv)
		return err
	}); err != nil {
		return err
	}

	if _, err := repo.UpsertListing(context.WithoutCancel(ctx), w.db, &domain.PortalListing{
		TenantID:       job.TenantID,
		VehicleID:      job.VehicleID,
		PortalCode:     a.Code(),
		ExternalID:     res.ExternalID,
		ExternalURL:    res.ExternalURL,
		Status:         domain.ListingPublished,
		IdempotencyKey: job.IdempotencyKey,
		LastSyncAt:     w.now(),
	}); err != nil {
		// A retry would publish a second listing.
		return failure.Unrecorded("worker.store_listing", repo.ClassifyStorageError("store listing", err),
			"%s listing %s published but not recorded", a.Code(), res.ExternalID)
	}
	logger.Info().Str("external_id", res.ExternalID).Msg("listing published")
	return nil
}

func (w *Worker) mutateListing(ctx context.Context, job *domain.IntegrationJob, a portal.Adapter, nv *domain.NormalizedVehicle) error {
	if job.JobType == domain.JobUpdate {
		if err := validate(a, nv); err != nil {
			return err
		}
	}

	listing, err := repo.GetListing(ctx, w.db, job.VehicleID, a.Code())
	if errors.Is(err, repo.ErrNotFound) {
		return failure.NotFound("worker.load_listing", "no %s listing for vehicle %s", a.Code(), job.VehicleID)
	}
	if err != nil {
		return repo.ClassifyStorageError("load listing", err)
	}

	creds, err := w.credentials(ctx, job, a)
	if err != nil {
		return err
	}

	next := listing.Status
	switch job.JobType {
	case domain.JobUpdate:
		err = w.call(ctx, a, "update", func(ctx context.Context) error {
			return a.Update(ctx, creds, listing.ExternalID, nv)
		})
	case domain.JobPause:
		next = domain.ListingPaused
		err = w.call(ctx, a, "pause", func(ctx context.Context) error {
			return a.Pause(ctx, creds, listing.ExternalID)
		})
	case domain.JobDelete:
		next = domain.ListingRemoved
		err = w.call(ctx, a, "remove", func(ctx context.Context) error {
			return a.Remove(ctx, creds, listing.ExternalID)
		})
	case domain.JobSyncStatus:
		var st portal.StatusResult
		err = w.call(ctx, a, "sync_status", func(ctx context.Context) (err error) {
			st, err = a.SyncStatus(ctx, creds, listing.ExternalID)
			return err
		})
		next = listingStatusOf(st)
	}
	if err != nil {
		return err
	}

	if err := repo.UpdateListingStatus(context.WithoutCancel(ctx), w.db, listing.ID, next, w.now()); err != nil {
		return repo.ClassifyStorageError("update listing", err)
	}
	return nil
}

func listingStatusOf(st portal.StatusResult) domain.ListingStatus {
	switch {
	case st.IsActive:
		return domain.ListingPublished
	case strings.EqualFold(st.Status, "removed"), strings.EqualFold(st.Status, "deleted"):
		return domain.ListingRemoved
	default:
		return domain.ListingPaused
	}
}

// credentials resolves the decrypted token for a's calls on behalf of the
// job's tenant, refreshing it when it is about to expire.
func (w *Worker) credentials(ctx context.Context, job *domain.IntegrationJob, a portal.Adapter) (portal.Credentials, error) {
	if !a.RequiresCredentials() {
		return portal.Credentials{}, nil
	}
	conn, err := repo.GetConnection(ctx, w.db, job.TenantID, a.Code())
	if errors.Is(err, repo.ErrNotFound) {
		return portal.Credentials{}, failure.Configuration("worker.credentials", "tenant has no %s connection", a.Name())
	}
	if err != nil {
		return portal.Credentials{}, repo.ClassifyStorageError("load connection", err)
	}
	if !conn.Usable() {
		return portal.Credentials{}, failure.Auth("worker.credentials", "%s connection requires re-authentication", a.Name())
	}

	if w.refresher != nil && conn.RefreshToken != nil && conn.ExpiresWithin(w.now(), w.opts.RefreshSkew) {
		token, err := w.refresher.Refresh(ctx, conn)
		if err != nil {
			return portal.Credentials{}, err
		}
		return portal.Credentials{AccessToken: token}, nil
	}

	token, err := w.cipher.Decrypt(conn.AccessToken)
	if err != nil {
		return portal.Credentials{}, failure.Wrap(failure.KindDecryption, "worker.credentials", err)
	}
	return portal.Credentials{AccessToken: token}, nil
}

// call runs one adapter operation under the per-call timeout.
func (w *Worker) call(ctx context.Context, a portal.Adapter, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, w.opts.AdapterTimeout)
	defer cancel()
	err := fn(cctx)
	adapterCalls.WithLabelValues(a.Code(), op, kindLabel(err)).Inc()
	return err
}
