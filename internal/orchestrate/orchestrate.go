// Package orchestrate implements the job orchestrator (spec.md §4.4): the
// chat-platform ingress handler, the async worker loop, and the twelve-step
// pipeline a job runs through between download and delivery.
//
// Service holds every collaborator as a narrow interface so tests substitute
// fakes for the database, queue, chat client, object store, media pipeline,
// transcription engine, formatter, and ASR providers — the same
// Options-over-interfaces shape the rest of this codebase uses for its
// top-level wiring.
package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxscribe/internal/chatapi"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/format"
	"github.com/MrWong99/voxscribe/internal/joberr"
	"github.com/MrWong99/voxscribe/internal/media"
	"github.com/MrWong99/voxscribe/internal/queue"
	"github.com/MrWong99/voxscribe/internal/store"
	"github.com/MrWong99/voxscribe/internal/transcribe"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// JobStore is the state-layer surface the orchestrator needs. *store.Store
// satisfies it.
type JobStore interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id string) (*store.User, error)
	UpdateUserSettings(ctx context.Context, id string, settings map[string]any) error
	UpdateBalance(ctx context.Context, userID string, delta float64) (float64, error)
	CreateJob(ctx context.Context, j *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status store.JobStatus, statusMessage, errorText, resultSummary string) error
	GetStuckJobs(ctx context.Context, olderThan time.Time, limit int) ([]store.Job, error)
	CreateTranscriptionLog(ctx context.Context, l *store.TranscriptionLog) error
}

// JobQueue is the async-dispatch surface. *queue.Queue satisfies it.
type JobQueue interface {
	Publish(ctx context.Context, payload string) error
	Receive(ctx context.Context, maxMessages int32, visibility time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, newVisibility time.Duration) error
}

// ChatClient is the chat-platform surface. *chatapi.Client satisfies it.
type ChatClient interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts chatapi.SendMessageOptions) ([]chatapi.SentMessage, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string, opts chatapi.SendMessageOptions) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error
	SendChatAction(ctx context.Context, chatID int64, action string)
	ResolveFileURL(ctx context.Context, fileID string) (string, error)
	DownloadFile(ctx context.Context, fileURL string) ([]byte, error)
	SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, amountMinorUnits int64) error
	AnswerPreCheckout(ctx context.Context, preCheckoutQueryID string, ok bool, errorMessage string) error
}

// ObjectStore is the large-upload/diarization-staging surface.
// *objectstore.Store satisfies it.
type ObjectStore interface {
	SignedPut(ctx context.Context, key, contentType string) (string, error)
	SignedGet(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// MediaPipeline is the transcode/probe/split surface. *media.Pipeline
// satisfies it.
type MediaPipeline interface {
	Prepare(ctx context.Context, path string, durationHint float64) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
	Split(ctx context.Context, path string, duration, chunkSeconds float64) []string
}

// Transcriber is the ASR-engine surface. *transcribe.Engine satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, provider asr.Provider, path string, durationSeconds float64, cfg asr.Config, onProgress transcribe.ProgressFunc) (string, error)
	TranscribeWithDiarization(ctx context.Context, alternates []asr.Provider, audio []byte, passA, passB asr.AsyncProvider, signedURL string, cfgA, cfgB asr.Config) (string, []types.Segment, transcribe.DiarizationDebug, error)
}

// TextFormatter is the LLM-formatting surface. *format.Formatter satisfies
// it.
type TextFormatter interface {
	Format(ctx context.Context, text string, opts format.Options) (string, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// IDGenerator mints job ids.
type IDGenerator interface {
	NewID() string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// directInvokeConnectTimeout bounds the fire-and-forget worker-invocation
// attempt of spec.md §4.4.2: long enough to establish a connection and hand
// off the request body, deliberately short of the worker's actual execution
// time, which this call never waits for.
const directInvokeConnectTimeout = 3 * time.Second

// jobDescriptor is the queue message payload: a pointer to the job row
// already created by ingress, not the job itself.
type jobDescriptor struct {
	JobID string `json:"job_id"`
}

// Deps bundles every collaborator [New] wires into a [Service].
type Deps struct {
	Store       JobStore
	Queue       JobQueue
	Chat        ChatClient
	Objects     ObjectStore
	Media       MediaPipeline
	Transcriber Transcriber
	Formatter   TextFormatter

	ASRProvider  asr.Provider
	DiarizePassA asr.AsyncProvider
	DiarizePassB asr.AsyncProvider

	// DiarizeAlternates lists the synchronous one-call diarization backend
	// variants of spec.md §4.2.3, tried in order before falling back to the
	// DiarizePassA/DiarizePassB two-pass default.
	DiarizeAlternates []asr.Provider

	Billing     config.BillingConfig
	Limits      config.LimitsConfig
	Admin       config.AdminConfig
	ObjectsConf config.ObjectStoreConfig

	// WorkerInvokeURL is the direct HTTP address for the fire-and-forget
	// fast path. Empty skips straight to queue publication.
	WorkerInvokeURL string
}

// Service is the Job Orchestrator (spec.md §4.4): ingress, worker loop, and
// pipeline, over the collaborators in Deps.
type Service struct {
	store       JobStore
	queue       JobQueue
	chat        ChatClient
	objects     ObjectStore
	media       MediaPipeline
	transcriber Transcriber
	formatter   TextFormatter

	asrProvider       asr.Provider
	diarizePassA      asr.AsyncProvider
	diarizePassB      asr.AsyncProvider
	diarizeAlternates []asr.Provider

	// billing and limits are swapped atomically by UpdateRuntimeConfig, the
	// hook the config file watcher calls on a hot-reloadable change
	// (spec.md ambient config stack; see config.Watcher/config.Diff).
	billing atomic.Pointer[config.BillingConfig]
	limits  atomic.Pointer[config.LimitsConfig]
	admin   config.AdminConfig
	objCfg  config.ObjectStoreConfig

	workerInvokeURL string
	httpClient      *http.Client

	clock       Clock
	ids         IDGenerator
	cloudDrive  *cloudDriveResolver
	mediaGroups *mediaGroupTracker
	rateLimiter *RateLimiter

	messages map[string]string
	counters counters
}

// Option configures a Service beyond its Deps.
type Option func(*Service)

// WithClock overrides the Service's time source, for tests.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithIDGenerator overrides the Service's job-id generator, for tests.
func WithIDGenerator(g IDGenerator) Option { return func(s *Service) { s.ids = g } }

// WithHTTPClient overrides the client used for direct worker invocation.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

// New builds a Service over deps, applying any Options afterward.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		store:       deps.Store,
		queue:       deps.Queue,
		chat:        deps.Chat,
		objects:     deps.Objects,
		media:       deps.Media,
		transcriber: deps.Transcriber,
		formatter:   deps.Formatter,

		asrProvider:       deps.ASRProvider,
		diarizePassA:      deps.DiarizePassA,
		diarizePassB:      deps.DiarizePassB,
		diarizeAlternates: deps.DiarizeAlternates,

		admin:  deps.Admin,
		objCfg: deps.ObjectsConf,

		workerInvokeURL: deps.WorkerInvokeURL,
		httpClient:      &http.Client{Timeout: directInvokeConnectTimeout},

		clock:       realClock{},
		ids:         uuidGenerator{},
		cloudDrive:  newCloudDriveResolver(nil),
		mediaGroups: newMediaGroupTracker(mediaGroupWindow),
		rateLimiter: NewRateLimiter(deps.Limits.RateLimitPerSecond, time.Second),

		messages: defaultMessages,
	}
	s.billing.Store(&deps.Billing)
	s.limits.Store(&deps.Limits)
	for _, o := range opts {
		o(s)
	}
	return s
}

// currentBilling returns a snapshot of the live billing knobs.
func (s *Service) currentBilling() config.BillingConfig { return *s.billing.Load() }

// currentLimits returns a snapshot of the live duration/rate limit knobs.
func (s *Service) currentLimits() config.LimitsConfig { return *s.limits.Load() }

// UpdateRuntimeConfig swaps the live billing and limits knobs in place. It is
// the hook the config file watcher calls when it detects a hot-reloadable
// change (spec.md ambient config stack); provider identity changes are
// reported by config.Diff but require a process restart to take effect, so
// they are not applied here.
func (s *Service) UpdateRuntimeConfig(billing config.BillingConfig, limits config.LimitsConfig) {
	s.billing.Store(&billing)
	s.limits.Store(&limits)
}

// HandleUpdate routes one inbound chat-platform update (spec.md §4.4.1):
// a message carrying an audio attachment or a recognized cloud-drive link
// becomes one or more jobs; a callback update is answered as a payment
// pre-checkout; anything else is a no-op.
func (s *Service) HandleUpdate(ctx context.Context, upd *chatapi.Update) error {
	switch {
	case upd.Callback != nil:
		return s.handlePreCheckout(ctx, upd.Callback)
	case upd.Message != nil:
		return s.handleMessage(ctx, upd.Message)
	default:
		return nil
	}
}

// handlePreCheckout approves the pending payment; the chat platform's own
// payment-success event (not modeled here) credits the purchased minutes.
func (s *Service) handlePreCheckout(ctx context.Context, cb *chatapi.Callback) error {
	return s.chat.AnswerPreCheckout(ctx, cb.Data, true, "")
}

func (s *Service) handleMessage(ctx context.Context, msg *chatapi.Message) error {
	userID := strconv.FormatInt(msg.FromID, 10)
	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("orchestrate: ensure user %q: %w", userID, err)
	}

	if !s.isAdmin(msg.FromID) && !s.rateLimiter.Allow(userID, s.clock.Now()) {
		return nil
	}

	handles, declaredSeconds, err := s.resolveSources(ctx, msg)
	if err != nil {
		s.sendPlain(ctx, msg.ChatID, joberr.UserMessage(err, s.translate))
		return nil
	}

	for _, handle := range handles {
		if err := s.ingest(ctx, user, msg.ChatID, handle, declaredSeconds); err != nil {
			slog.Error("orchestrate: ingest failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// resolveSources extracts the audio source(s) this update should become
// jobs for. A single attached file (outside a media group) yields one
// handle with its declared duration; a media-group member accumulates in
// mediaGroupTracker and only yields handles once the batch's debounce
// window elapses; a recognized cloud-drive link resolves to a direct
// download URL with an unknown (zero) duration.
func (s *Service) resolveSources(ctx context.Context, msg *chatapi.Message) ([]string, float64, error) {
	if msg.FileID != "" {
		if msg.MediaGroupID != "" {
			ready, files := s.mediaGroups.Add(strconv.FormatInt(msg.FromID, 10), msg.MediaGroupID, msg.FileID, s.clock.Now())
			if !ready {
				return nil, 0, nil
			}
			return files, 0, nil
		}
		return []string{msg.FileID}, msg.Duration, nil
	}

	text := strings.TrimSpace(msg.Text)
	if text != "" && isCloudDriveURL(text) {
		resolved, err := s.cloudDrive.resolve(ctx, text)
		if err != nil {
			return nil, 0, err
		}
		return []string{resolved}, 0, nil
	}
	return nil, 0, nil
}

// ensureUser looks up userID, creating it with a trial grant and notifying
// admins on first sight (spec.md §4.4.1, §4.5 "create_user").
func (s *Service) ensureUser(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	user = &store.User{
		ID:             userID,
		BalanceSeconds: float64(s.currentBilling().TrialGrantMinutes) * 60,
		TrialUsed:      true,
		Settings:       map[string]any{},
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.notifyAdmins(ctx, fmt.Sprintf("new user %s granted %d trial minutes", userID, s.currentBilling().TrialGrantMinutes))
	return user, nil
}

// IsAdmin reports whether userID is configured as an administrator,
// gating the admin stats/dashboard endpoints.
func (s *Service) IsAdmin(userID int64) bool { return s.isAdmin(userID) }

func (s *Service) isAdmin(userID int64) bool {
	for _, id := range s.admin.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Service) notifyAdmins(ctx context.Context, text string) {
	for _, id := range s.admin.UserIDs {
		s.sendPlain(ctx, id, "[admin] "+text)
	}
}

func (s *Service) sendPlain(ctx context.Context, chatID int64, text string) {
	if _, err := s.chat.SendMessage(ctx, chatID, text, chatapi.SendMessageOptions{}); err != nil {
		slog.Warn("orchestrate: send message failed", "chat_id", chatID, "error", err)
	}
}

// ingest performs the pre-flight balance check, posts a progress message,
// creates the job row, and routes it to the sync or async path by declared
// duration against limits.SyncThresholdSeconds (spec.md §4.4.1 steps 4-5).
// A zero declaredSeconds (cloud-drive links, or platform attachments with
// no reported length) is accepted provisionally; runPipeline re-checks the
// balance once ffprobe reports the real duration.
func (s *Service) ingest(ctx context.Context, user *store.User, chatID int64, fileHandle string, declaredSeconds float64) error {
	if declaredSeconds > 0 {
		neededMinutes := math.Ceil(declaredSeconds / 60)
		if user.BalanceSeconds/60 < neededMinutes {
			s.sendPlain(ctx, chatID, joberr.UserMessage(joberr.ErrInsufficientBalance, s.translate))
			return nil
		}
	}

	progressID, err := s.postProgress(ctx, chatID)
	if err != nil {
		slog.Warn("orchestrate: post progress message failed, continuing without one", "chat_id", chatID, "error", err)
	}

	job := &store.Job{
		ID:                s.ids.NewID(),
		UserID:            user.ID,
		ChatID:            strconv.FormatInt(chatID, 10),
		FileHandle:        fileHandle,
		DeclaredSeconds:   declaredSeconds,
		ProgressMessageID: progressID,
		Status:            store.JobPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	if declaredSeconds > 0 && declaredSeconds < s.currentLimits().SyncThresholdSeconds {
		return s.RunJob(ctx, job.ID)
	}
	s.publishAsync(ctx, job)
	return nil
}

func (s *Service) postProgress(ctx context.Context, chatID int64) (int64, error) {
	sent, err := s.chat.SendMessage(ctx, chatID, s.translate("processing_started"), chatapi.SendMessageOptions{})
	if err != nil {
		return 0, err
	}
	if len(sent) == 0 {
		return 0, nil
	}
	return sent[len(sent)-1].MessageID, nil
}

// publishAsync dispatches a job off the ingress goroutine per spec.md
// §4.4.2's fallback chain: direct worker invocation, then queue
// publication, then (if both are unavailable) synchronous degradation in
// place.
func (s *Service) publishAsync(ctx context.Context, job *store.Job) {
	if s.tryDirectInvoke(ctx, job.ID) {
		return
	}

	body, err := json.Marshal(jobDescriptor{JobID: job.ID})
	if err == nil {
		if err := s.queue.Publish(ctx, string(body)); err == nil {
			return
		}
	}

	slog.Warn("orchestrate: async dispatch unavailable, degrading to sync", "job_id", job.ID, "error", joberr.ErrAsyncUnavailable)
	if err := s.RunJob(ctx, job.ID); err != nil && !errors.Is(err, joberr.ErrDuplicateJob) {
		slog.Error("orchestrate: degraded sync execution failed", "job_id", job.ID, "error", err)
	}
}

// tryDirectInvoke fires a short-lived POST at the worker's invoke URL. A
// context-deadline error after the request body has been sent is treated as
// success: the worker's own execution legitimately outlives this wait, and
// this call never intends to read its response. Any other error (dial
// refused, DNS failure, non-5xx-free connection never established) means
// the invocation never reached the worker.
func (s *Service) tryDirectInvoke(ctx context.Context, jobID string) bool {
	if s.workerInvokeURL == "" {
		return false
	}

	ictx, cancel := context.WithTimeout(ctx, directInvokeConnectTimeout)
	defer cancel()

	body, err := json.Marshal(jobDescriptor{JobID: jobID})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ictx, http.MethodPost, s.workerInvokeURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Is(err, context.DeadlineExceeded)
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// PollQueue drains up to maxMessages waiting jobs, running each through
// RunJob and deleting it on success or on a duplicate-job no-op. Any other
// error leaves the message in place for the queue's own redelivery policy.
func (s *Service) PollQueue(ctx context.Context, maxMessages int32) error {
	messages, err := s.queue.Receive(ctx, maxMessages, 0)
	if err != nil {
		return fmt.Errorf("orchestrate: poll queue: %w", err)
	}

	for _, m := range messages {
		var desc jobDescriptor
		if err := json.Unmarshal([]byte(m.Body), &desc); err != nil {
			slog.Error("orchestrate: malformed job descriptor, dropping", "error", err)
			_ = s.queue.Delete(ctx, m.ReceiptHandle)
			continue
		}

		runErr := s.RunJob(ctx, desc.JobID)
		if runErr != nil && !errors.Is(runErr, joberr.ErrDuplicateJob) {
			slog.Error("orchestrate: run job failed", "job_id", desc.JobID, "error", runErr, "receive_count", m.ReceiveCount)
			continue
		}
		if err := s.queue.Delete(ctx, m.ReceiptHandle); err != nil {
			slog.Error("orchestrate: delete queue message failed", "job_id", desc.JobID, "error", err)
		}
	}
	return nil
}

// RunJob loads jobID, deduplicates against an in-flight or already-finished
// run, marks it processing, and executes the pipeline (spec.md §4.4.3).
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrate: run job: load %q: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("orchestrate: run job: %q not found", jobID)
	}
	if job.Status == store.JobProcessing || job.Status == store.JobCompleted {
		return joberr.ErrDuplicateJob
	}

	if err := s.store.UpdateJobStatus(ctx, job.ID, store.JobProcessing, "", "", ""); err != nil {
		return fmt.Errorf("orchestrate: mark processing: %w", err)
	}
	job.Status = store.JobProcessing

	s.counters.started.Add(1)
	s.counters.inFlight.Add(1)
	err = s.runPipeline(ctx, job)
	s.counters.inFlight.Add(-1)
	if err != nil {
		s.counters.failed.Add(1)
	} else {
		s.counters.completed.Add(1)
	}
	return err
}

// runPipeline executes the twelve steps of spec.md §4.4.4 over job: load
// the user, download and prepare the audio, recheck balance against the
// probed duration when none was declared, transcribe (routing to
// diarization above limits.DiarizationThresholdSeconds), guard empty
// transcripts, format, debit the balance, deliver, log, hint on low
// balance, and mark the job completed. A deferred [media.Cleanup] removes
// every temp path regardless of which exit was taken.
func (s *Service) runPipeline(ctx context.Context, job *store.Job) error {
	cleanup := &media.Cleanup{}
	defer cleanup.Run()

	user, err := s.store.GetUser(ctx, job.UserID)
	if err != nil {
		return s.failJob(ctx, job, fmt.Errorf("load user: %w", err), "")
	}
	if user == nil {
		return s.failJob(ctx, job, fmt.Errorf("orchestrate: user %q missing", job.UserID), "")
	}

	sourceBytes, err := s.downloadSource(ctx, job)
	if err != nil {
		return s.failJob(ctx, job, err, "")
	}

	tmpPath, err := writeTempFile(sourceBytes, job.ID)
	if err != nil {
		return s.failJob(ctx, job, err, "")
	}
	cleanup.Add(tmpPath)

	preparedPath, err := s.media.Prepare(ctx, tmpPath, job.DeclaredSeconds)
	if err != nil {
		return s.failJob(ctx, job, err, "")
	}
	cleanup.Add(preparedPath)

	duration := job.DeclaredSeconds
	if duration <= 0 {
		probed, perr := s.media.Duration(ctx, preparedPath)
		if perr != nil {
			slog.Warn("orchestrate: duration probe failed, proceeding with fallback", "job_id", job.ID, "error", perr)
		}
		duration = probed

		neededMinutes := math.Ceil(duration / 60)
		if user.BalanceSeconds/60 < neededMinutes {
			s.notifyInsufficientBalance(ctx, job)
			return s.failJob(ctx, job, joberr.ErrInsufficientBalance, "insufficient_balance")
		}
	}

	text, isDialogue, err := s.transcribeJob(ctx, job, user, preparedPath, duration, cleanup)
	if err != nil {
		return s.failJob(ctx, job, err, "")
	}
	if isEmptyTranscript(text) {
		return s.failJob(ctx, job, joberr.ErrNoSpeech, "no_speech")
	}

	formatted, ferr := s.formatter.Format(ctx, text, format.Options{
		CodeTags:           boolSetting(user.Settings, "code_tags", false),
		PreserveDiacriticE: boolSetting(user.Settings, "preserve_diacritic_e", true),
		IsChunked:          duration > transcribe.MaxChunkSeconds,
		IsDialogue:         isDialogue,
	})
	if ferr != nil {
		// format.Formatter's own fallback contract already returns the
		// input unchanged on provider failure; this branch is defensive,
		// not expected to execute against the real implementation.
		formatted = text
	}

	billedMinutes := math.Ceil(duration / 60)
	newBalance, err := s.store.UpdateBalance(ctx, job.UserID, -billedMinutes*60)
	debited := err == nil
	if err != nil {
		// §9 Open Question: balance-CAS exhaustion never blocks delivery —
		// the user already consumed the provider call, so withholding the
		// transcript would compound the failure. An admin alert covers the
		// accounting gap instead.
		s.notifyAdmins(ctx, fmt.Sprintf("balance update exhausted retries for user %s, job %s", job.UserID, job.ID))
		newBalance = user.BalanceSeconds
	}

	if err := s.deliver(ctx, job, formatted, user.Settings); err != nil {
		return s.failJob(ctx, job, fmt.Errorf("%w: %v", joberr.ErrDeliveryFailed, err), "delivery_failed")
	}

	// §8 scenario 6: on CAS exhaustion no delta occurred, so the log must not
	// claim a debit that never happened.
	loggedSeconds := billedMinutes * 60
	if !debited {
		loggedSeconds = 0
	}
	if err := s.store.CreateTranscriptionLog(ctx, &store.TranscriptionLog{
		JobID:          job.ID,
		UserID:         job.UserID,
		BilledSeconds:  loggedSeconds,
		CharacterCount: len(formatted),
		Outcome:        "completed",
	}); err != nil {
		slog.Error("orchestrate: append transcription log failed", "job_id", job.ID, "error", err)
	}

	s.sendLowBalanceHint(ctx, job, newBalance)

	if err := s.store.UpdateJobStatus(ctx, job.ID, store.JobCompleted, "", "", fmt.Sprintf("%d chars", len(formatted))); err != nil {
		slog.Error("orchestrate: mark job completed failed", "job_id", job.ID, "error", err)
	}
	return nil
}

// downloadSource fetches a job's source bytes. A file handle prefixed with
// "oss://" names a direct-upload object key, resolved through a signed GET;
// an http(s) URL (a resolved cloud-drive link) is fetched directly; anything
// else is treated as a chat-platform file id requiring getFile resolution
// first.
func (s *Service) downloadSource(ctx context.Context, job *store.Job) ([]byte, error) {
	switch {
	case strings.HasPrefix(job.FileHandle, "oss://"):
		key := strings.TrimPrefix(job.FileHandle, "oss://")
		url, err := s.objects.SignedGet(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("sign uploaded object %q: %w", key, err)
		}
		return s.chat.DownloadFile(ctx, url)
	case strings.HasPrefix(job.FileHandle, "http://"), strings.HasPrefix(job.FileHandle, "https://"):
		return s.chat.DownloadFile(ctx, job.FileHandle)
	default:
		fileURL, err := s.chat.ResolveFileURL(ctx, job.FileHandle)
		if err != nil {
			return nil, fmt.Errorf("resolve platform file url: %w", err)
		}
		return s.chat.DownloadFile(ctx, fileURL)
	}
}

func writeTempFile(data []byte, jobID string) (string, error) {
	f, err := os.CreateTemp("", "voxscribe-"+jobID+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return f.Name(), nil
}

// transcribeJob routes to single-pass or two-pass diarized transcription by
// duration against limits.DiarizationThresholdSeconds, and classifies a
// diarized result as dialogue only once it clears both the speaker-count
// and transition-count floors of spec.md §4.2.2/§4.4.4.
func (s *Service) transcribeJob(ctx context.Context, job *store.Job, user *store.User, preparedPath string, duration float64, cleanup *media.Cleanup) (string, bool, error) {
	if duration < s.currentLimits().DiarizationThresholdSeconds {
		text, err := s.transcriber.Transcribe(ctx, s.asrProvider, preparedPath, duration, asr.Config{}, nil)
		return text, false, err
	}

	audio, signedURL, err := s.stageForDiarization(ctx, job, preparedPath, cleanup)
	if err != nil {
		return "", false, err
	}

	text, segments, _, err := s.transcriber.TranscribeWithDiarization(ctx, s.diarizeAlternates, audio, s.diarizePassA, s.diarizePassB, signedURL, asr.Config{Diarize: true}, asr.Config{})
	if err != nil {
		return "", false, err
	}

	uniqueSpeakers, transitions := dialogueStats(segments)
	if uniqueSpeakers >= 2 && transitions >= s.currentLimits().MinDialogueTransitions {
		return joinDialogueSegments(segments), true, nil
	}
	return text, false, nil
}

// stageForDiarization reads the prepared audio and uploads it to object
// storage, returning both the raw bytes (fed to the synchronous alternate
// diarization providers) and a signed GET URL (the default two-pass variant
// is URL-fed, not payload-fed — spec.md §4.2.2).
func (s *Service) stageForDiarization(ctx context.Context, job *store.Job, preparedPath string, cleanup *media.Cleanup) ([]byte, string, error) {
	data, err := os.ReadFile(preparedPath)
	if err != nil {
		return nil, "", fmt.Errorf("read prepared audio for diarization: %w", err)
	}

	key := "diarization-staging/" + job.ID + ".mp3"
	if err := s.objects.Put(ctx, key, data, "audio/mpeg"); err != nil {
		return nil, "", fmt.Errorf("stage audio for diarization: %w", err)
	}

	url, err := s.objects.SignedGet(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("sign staged audio: %w", err)
	}
	return data, url, nil
}

// dialogueStats counts distinct speakers and speaker-to-speaker transitions
// across segments, in arrival order.
func dialogueStats(segments []types.Segment) (uniqueSpeakers, transitions int) {
	seen := map[int]bool{}
	prev := -1
	for i, seg := range segments {
		seen[seg.SpeakerID] = true
		if i > 0 && seg.SpeakerID != prev {
			transitions++
		}
		prev = seg.SpeakerID
	}
	return len(seen), transitions
}

// joinDialogueSegments renders diarized segments as one line per utterance,
// em-dash prefixed, matching the style the formatter's own dialogue prompt
// asks for (internal/format.Options.IsDialogue) so the LLM pass only needs
// to punctuate and paragraph, not invent structure.
func joinDialogueSegments(segments []types.Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, "— "+seg.Text)
	}
	return strings.Join(lines, "\n")
}

// noSpeechSentinels lists exact provider transcripts that indicate no real
// speech was recognized, despite not being empty or whitespace-only —
// Whisper's documented habit of returning "Продолжение следует..." ("to be
// continued...") on silent or near-silent audio
// (original_source/services/audio.py:537, alibaba/shared/audio.py:1143).
var noSpeechSentinels = map[string]struct{}{
	"Продолжение следует...": {},
}

func isEmptyTranscript(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	_, isSentinel := noSpeechSentinels[trimmed]
	return isSentinel
}

func boolSetting(settings map[string]any, key string, def bool) bool {
	if settings == nil {
		return def
	}
	v, ok := settings[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// deliver sends formatted text to the job's chat per spec.md §4.4.5's
// delivery-mode table: send as a document attachment when long_text_mode is
// "file" and the text exceeds [chatapi.MaxMessageLength]; edit the progress
// message in place when the text fits within that length; otherwise split
// across multiple messages at paragraph boundaries (chatapi.SendMessage's
// own splitting). HTML parse mode is requested iff code_tags is set.
func (s *Service) deliver(ctx context.Context, job *store.Job, text string, settings map[string]any) error {
	chatID, err := strconv.ParseInt(job.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", job.ChatID, err)
	}
	opts := chatapi.SendMessageOptions{HTML: boolSetting(settings, "code_tags", false)}
	longTextMode, _ := settings["long_text_mode"].(string)

	if longTextMode == "file" && len(text) > chatapi.MaxMessageLength {
		if err := s.chat.SendDocument(ctx, chatID, job.ID+".txt", []byte(text), s.translate("transcript_attached")); err == nil {
			if job.ProgressMessageID != 0 {
				_ = s.chat.DeleteMessage(ctx, chatID, job.ProgressMessageID)
			}
			return nil
		}
		// Document delivery failed; fall through to the text path below
		// rather than giving up, per spec.md §7's fallback-before-failure
		// policy.
	}

	if job.ProgressMessageID != 0 && len(text) <= chatapi.MaxMessageLength {
		if err := s.chat.EditMessage(ctx, chatID, job.ProgressMessageID, text, opts); err == nil {
			return nil
		}
	}

	if job.ProgressMessageID != 0 {
		_ = s.chat.DeleteMessage(ctx, chatID, job.ProgressMessageID)
	}
	_, err = s.chat.SendMessage(ctx, chatID, text, opts)
	return err
}

func (s *Service) notifyInsufficientBalance(ctx context.Context, job *store.Job) {
	chatID, err := strconv.ParseInt(job.ChatID, 10, 64)
	if err != nil {
		return
	}
	if job.ProgressMessageID != 0 {
		_ = s.chat.DeleteMessage(ctx, chatID, job.ProgressMessageID)
	}
	s.sendPlain(ctx, chatID, joberr.UserMessage(joberr.ErrInsufficientBalance, s.translate))
}

// sendLowBalanceHint appends a top-up nudge after successful delivery: an
// exhausted-balance message when the post-debit balance is zero or less, or
// a low-balance message when it is below the configured warn threshold
// (spec.md §4.4.4 step 10).
func (s *Service) sendLowBalanceHint(ctx context.Context, job *store.Job, newBalanceSeconds float64) {
	warnBelow := s.currentBilling().LowBalanceWarnBelow
	if warnBelow <= 0 {
		return
	}
	minutes := newBalanceSeconds / 60
	if minutes <= 0 {
		chatID, err := strconv.ParseInt(job.ChatID, 10, 64)
		if err != nil {
			return
		}
		s.sendPlain(ctx, chatID, s.translate("balance_exhausted"))
		return
	}
	if minutes < float64(warnBelow) {
		chatID, err := strconv.ParseInt(job.ChatID, 10, 64)
		if err != nil {
			return
		}
		s.sendPlain(ctx, chatID, s.translate("balance_low"))
	}
}

// failJob marks job failed with err's message (tagged with reasonKey for
// operator triage), notifies the user with the localized string
// joberr.UserMessage derives from it, and returns err so callers can
// propagate it to logs.
func (s *Service) failJob(ctx context.Context, job *store.Job, err error, reasonKey string) error {
	if uerr := s.store.UpdateJobStatus(ctx, job.ID, store.JobFailed, reasonKey, err.Error(), ""); uerr != nil {
		slog.Error("orchestrate: mark job failed failed", "job_id", job.ID, "error", uerr)
	}
	chatID, perr := strconv.ParseInt(job.ChatID, 10, 64)
	if perr == nil {
		if job.ProgressMessageID != 0 {
			if eerr := s.chat.EditMessage(ctx, chatID, job.ProgressMessageID, joberr.UserMessage(err, s.translate), chatapi.SendMessageOptions{}); eerr != nil {
				s.sendPlain(ctx, chatID, joberr.UserMessage(err, s.translate))
			}
		} else {
			s.sendPlain(ctx, chatID, joberr.UserMessage(err, s.translate))
		}
	}
	return err
}

// defaultMessages is the single supported locale's message table. spec.md
// §7 describes per-chat localization; this codebase carries one language
// until a second is actually needed, following translate's signature so
// adding one later is a table, not a rewrite.
var defaultMessages = map[string]string{
	"processing_started":   "Processing your audio…",
	"audio_too_long":       "This audio format or duration isn't supported.",
	"insufficient_balance": "Insufficient balance for this audio's length. Purchase more minutes to continue.",
	"processing_timeout":   "Transcription timed out. Please try again.",
	"no_speech":            "No speech was recognized in this audio.",
	"balance_exhausted":    "Your balance has reached zero. Purchase more minutes to keep transcribing.",
	"balance_low":          "Your balance is running low. Consider purchasing more minutes.",
	"transcript_attached":  "Transcript attached.",
	"generic_error":        "Something went wrong processing this audio. Please try again.",
}

func (s *Service) translate(key string) string {
	if msg, ok := s.messages[key]; ok {
		return msg
	}
	return key
}
