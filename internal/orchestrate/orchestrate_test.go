package orchestrate

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/chatapi"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/format"
	"github.com/MrWong99/voxscribe/internal/queue"
	"github.com/MrWong99/voxscribe/internal/store"
	"github.com/MrWong99/voxscribe/internal/transcribe"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// --- fakes -----------------------------------------------------------------

type fakeStore struct {
	users map[string]*store.User
	jobs  map[string]*store.Job
	logs  []store.TranscriptionLog

	createUserErr  error
	updateBalErr   error
	createJobErr   error
	createLogErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*store.User{}, jobs: map[string]*store.Job{}}
}

func (f *fakeStore) CreateUser(ctx context.Context, u *store.User) error {
	if f.createUserErr != nil {
		return f.createUserErr
	}
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UpdateUserSettings(ctx context.Context, id string, settings map[string]any) error {
	u, ok := f.users[id]
	if !ok {
		return fakeNotFound
	}
	u.Settings = settings
	return nil
}

func (f *fakeStore) UpdateBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	if f.updateBalErr != nil {
		return 0, f.updateBalErr
	}
	u, ok := f.users[userID]
	if !ok {
		return 0, fakeNotFound
	}
	u.BalanceSeconds += delta
	if u.BalanceSeconds < 0 {
		u.BalanceSeconds = 0
	}
	return u.BalanceSeconds, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, j *store.Job) error {
	if f.createJobErr != nil {
		return f.createJobErr
	}
	if _, exists := f.jobs[j.ID]; exists {
		return fakeDuplicate
	}
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, id string, status store.JobStatus, statusMessage, errorText, resultSummary string) error {
	j, ok := f.jobs[id]
	if !ok {
		return fakeNotFound
	}
	j.Status = status
	j.StatusMessage = statusMessage
	j.ErrorText = errorText
	j.ResultSummary = resultSummary
	return nil
}

func (f *fakeStore) GetStuckJobs(ctx context.Context, olderThan time.Time, limit int) ([]store.Job, error) {
	return nil, nil
}

func (f *fakeStore) CreateTranscriptionLog(ctx context.Context, l *store.TranscriptionLog) error {
	if f.createLogErr != nil {
		return f.createLogErr
	}
	f.logs = append(f.logs, *l)
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const fakeNotFound = fakeErr("not found")
const fakeDuplicate = fakeErr("duplicate")

type fakeQueue struct {
	published []string
}

func (f *fakeQueue) Publish(ctx context.Context, payload string) error {
	f.published = append(f.published, payload)
	return nil
}
func (f *fakeQueue) Receive(ctx context.Context, maxMessages int32, visibility time.Duration) ([]queue.Message, error) {
	return nil, nil
}
func (f *fakeQueue) Delete(ctx context.Context, receiptHandle string) error { return nil }
func (f *fakeQueue) ChangeVisibility(ctx context.Context, receiptHandle string, newVisibility time.Duration) error {
	return nil
}

type fakeChat struct {
	sent        []string
	edited      []string
	deleted     []int64
	nextMsgID   int64
	editErr     error
	sendDocErr  error
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, opts chatapi.SendMessageOptions) ([]chatapi.SentMessage, error) {
	f.sent = append(f.sent, text)
	f.nextMsgID++
	return []chatapi.SentMessage{{MessageID: f.nextMsgID}}, nil
}
func (f *fakeChat) EditMessage(ctx context.Context, chatID, messageID int64, text string, opts chatapi.SendMessageOptions) error {
	if f.editErr != nil {
		return f.editErr
	}
	f.edited = append(f.edited, text)
	return nil
}
func (f *fakeChat) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}
func (f *fakeChat) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	return f.sendDocErr
}
func (f *fakeChat) SendChatAction(ctx context.Context, chatID int64, action string) {}
func (f *fakeChat) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	return "https://chat.example/file/" + fileID, nil
}
func (f *fakeChat) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	return []byte("audio-bytes"), nil
}
func (f *fakeChat) SendInvoice(ctx context.Context, chatID int64, title, description, payload, currency string, amountMinorUnits int64) error {
	return nil
}
func (f *fakeChat) AnswerPreCheckout(ctx context.Context, preCheckoutQueryID string, ok bool, errorMessage string) error {
	return nil
}

type fakeObjects struct{}

func (fakeObjects) SignedPut(ctx context.Context, key, contentType string) (string, error) {
	return "https://objects.example/put/" + key, nil
}
func (fakeObjects) SignedGet(ctx context.Context, key string) (string, error) {
	return "https://objects.example/get/" + key, nil
}
func (fakeObjects) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return nil
}

type fakeMedia struct {
	duration float64
}

func (f *fakeMedia) Prepare(ctx context.Context, path string, durationHint float64) (string, error) {
	return path + ".prepared.mp3", nil
}
func (f *fakeMedia) Duration(ctx context.Context, path string) (float64, error) {
	return f.duration, nil
}
func (f *fakeMedia) Split(ctx context.Context, path string, duration, chunkSeconds float64) []string {
	return []string{path}
}

type fakeTranscriber struct {
	text     string
	segments []types.Segment
	err      error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, provider asr.Provider, path string, durationSeconds float64, cfg asr.Config, onProgress transcribe.ProgressFunc) (string, error) {
	return f.text, f.err
}
func (f *fakeTranscriber) TranscribeWithDiarization(ctx context.Context, alternates []asr.Provider, audio []byte, passA, passB asr.AsyncProvider, signedURL string, cfgA, cfgB asr.Config) (string, []types.Segment, transcribe.DiarizationDebug, error) {
	return f.text, f.segments, transcribe.DiarizationDebug{}, f.err
}

type fakeFormatter struct{}

func (fakeFormatter) Format(ctx context.Context, text string, opts format.Options) (string, error) {
	return "formatted: " + text, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() string { return f.id }

// newTestService builds a Service over fakes with sensible test limits.
func newTestService(t *testing.T, st *fakeStore, q *fakeQueue, chat *fakeChat, tr *fakeTranscriber, med *fakeMedia) *Service {
	t.Helper()
	return New(Deps{
		Store:       st,
		Queue:       q,
		Chat:        chat,
		Objects:     fakeObjects{},
		Media:       med,
		Transcriber: tr,
		Formatter:   fakeFormatter{},
		ASRProvider: nil,
		Billing:     config.BillingConfig{TrialGrantMinutes: 10, LowBalanceWarnBelow: 5},
		Limits: config.LimitsConfig{
			SyncThresholdSeconds:        15,
			DiarizationThresholdSeconds: 60,
			MinDialogueTransitions:      3,
			RateLimitPerSecond:          100,
		},
	}, WithClock(fixedClock{now: time.Unix(1000, 0)}), WithIDGenerator(fixedIDs{id: "job-1"}))
}

// --- tests -------------------------------------------------------------

func TestHandleUpdate_ShortAudioRunsSyncAndDebitsBalance(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 600}
	chat := &fakeChat{}
	tr := &fakeTranscriber{text: "hello world this is a test transcript with enough words"}
	med := &fakeMedia{duration: 10}
	svc := newTestService(t, st, &fakeQueue{}, chat, tr, med)

	upd := &chatapi.Update{Message: &chatapi.Message{
		FromID: 42, ChatID: 99, FileID: "file-1", Duration: 10,
	}}
	if err := svc.HandleUpdate(context.Background(), upd); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}

	job := st.jobs["job-1"]
	if job == nil {
		t.Fatal("expected job-1 to be created")
	}
	if job.Status != store.JobCompleted {
		t.Errorf("job status = %q, want completed", job.Status)
	}
	if len(st.logs) != 1 {
		t.Fatalf("transcription logs = %d, want 1", len(st.logs))
	}
	if st.logs[0].BilledSeconds != 60 {
		t.Errorf("billed seconds = %v, want 60 (1 minute)", st.logs[0].BilledSeconds)
	}
	if st.users["42"].BalanceSeconds != 540 {
		t.Errorf("remaining balance = %v, want 540", st.users["42"].BalanceSeconds)
	}
	if len(chat.edited) == 0 {
		t.Error("expected the progress message to be edited with the result")
	}
}

func TestHandleUpdate_LongAudioPublishesToQueue(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 6000}
	q := &fakeQueue{}
	chat := &fakeChat{}
	tr := &fakeTranscriber{text: "irrelevant for this test"}
	med := &fakeMedia{duration: 120}
	svc := newTestService(t, st, q, chat, tr, med)

	upd := &chatapi.Update{Message: &chatapi.Message{
		FromID: 42, ChatID: 99, FileID: "file-1", Duration: 120,
	}}
	if err := svc.HandleUpdate(context.Background(), upd); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}

	if len(q.published) != 1 {
		t.Fatalf("published messages = %d, want 1", len(q.published))
	}
	job := st.jobs["job-1"]
	if job == nil || job.Status != store.JobPending {
		t.Errorf("job should remain pending until the worker picks it up, got %+v", job)
	}
}

func TestHandleUpdate_InsufficientBalanceRejectsBeforeJobCreation(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 30} // 0.5 minute
	chat := &fakeChat{}
	tr := &fakeTranscriber{}
	med := &fakeMedia{}
	svc := newTestService(t, st, &fakeQueue{}, chat, tr, med)

	upd := &chatapi.Update{Message: &chatapi.Message{
		FromID: 42, ChatID: 99, FileID: "file-1", Duration: 10,
	}}
	if err := svc.HandleUpdate(context.Background(), upd); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}

	if _, exists := st.jobs["job-1"]; exists {
		t.Error("no job should be created when balance is insufficient")
	}
	if len(chat.sent) == 0 {
		t.Error("expected an insufficient-balance notice to be sent")
	}
}

func TestRunJob_DuplicateIsNoOp(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 600}
	st.jobs["job-done"] = &store.Job{ID: "job-done", UserID: "42", ChatID: "99", Status: store.JobCompleted}
	svc := newTestService(t, st, &fakeQueue{}, &fakeChat{}, &fakeTranscriber{}, &fakeMedia{})

	err := svc.RunJob(context.Background(), "job-done")
	if err == nil {
		t.Fatal("expected ErrDuplicateJob for an already-completed job")
	}
}

func TestRunJob_BalanceCASExhaustionStillDelivers(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 600}
	st.updateBalErr = fakeErr("cas exhausted")
	chat := &fakeChat{}
	tr := &fakeTranscriber{text: "a transcript long enough to survive the empty check"}
	med := &fakeMedia{duration: 10}
	svc := newTestService(t, st, &fakeQueue{}, chat, tr, med)

	st.jobs["job-1"] = &store.Job{ID: "job-1", UserID: "42", ChatID: "99", DeclaredSeconds: 10, Status: store.JobPending}

	if err := svc.RunJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("RunJob() error = %v, want delivery to succeed despite balance CAS exhaustion", err)
	}
	if st.jobs["job-1"].Status != store.JobCompleted {
		t.Errorf("job status = %q, want completed even though balance update failed", st.jobs["job-1"].Status)
	}
	if len(st.logs) != 1 {
		t.Fatalf("transcription log should still be written, got %d", len(st.logs))
	}
	if st.logs[0].BilledSeconds != 0 {
		t.Errorf("billed seconds = %v, want 0 since the balance CAS never applied", st.logs[0].BilledSeconds)
	}
}

func TestRunJob_EmptyTranscriptFailsJobWithNoSpeechMessage(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 600}
	chat := &fakeChat{}
	tr := &fakeTranscriber{text: "   "}
	med := &fakeMedia{duration: 10}
	svc := newTestService(t, st, &fakeQueue{}, chat, tr, med)

	st.jobs["job-1"] = &store.Job{ID: "job-1", UserID: "42", ChatID: "99", DeclaredSeconds: 10, Status: store.JobPending}

	if err := svc.RunJob(context.Background(), "job-1"); err == nil {
		t.Fatal("expected an error for an empty transcript")
	}
	if st.jobs["job-1"].Status != store.JobFailed {
		t.Errorf("job status = %q, want failed", st.jobs["job-1"].Status)
	}
}

func TestResolveSources_CloudDriveLinkResolvesBeforeIngest(t *testing.T) {
	st := newFakeStore()
	st.users["42"] = &store.User{ID: "42", BalanceSeconds: 600}
	chat := &fakeChat{}
	tr := &fakeTranscriber{text: "hello world this is a test transcript with enough words"}
	med := &fakeMedia{duration: 10}
	svc := newTestService(t, st, &fakeQueue{}, chat, tr, med)

	upd := &chatapi.Update{Message: &chatapi.Message{
		FromID: 42, ChatID: 99, Text: "https://www.dropbox.com/s/abc/audio.mp3?dl=0",
	}}
	if err := svc.HandleUpdate(context.Background(), upd); err != nil {
		t.Fatalf("HandleUpdate() error = %v", err)
	}

	job := st.jobs["job-1"]
	if job == nil {
		t.Fatal("expected a job to be created from the cloud-drive link")
	}
	if job.FileHandle != "https://www.dropbox.com/s/abc/audio.mp3?dl=1" {
		t.Errorf("file handle = %q, want the dl=1 rewritten URL", job.FileHandle)
	}
}

func TestDialogueStats_CountsSpeakersAndTransitions(t *testing.T) {
	segs := []types.Segment{
		{SpeakerID: 0, Text: "a"},
		{SpeakerID: 1, Text: "b"},
		{SpeakerID: 0, Text: "c"},
		{SpeakerID: 0, Text: "d"},
		{SpeakerID: 1, Text: "e"},
	}
	speakers, transitions := dialogueStats(segs)
	if speakers != 2 {
		t.Errorf("speakers = %d, want 2", speakers)
	}
	if transitions != 3 {
		t.Errorf("transitions = %d, want 3", transitions)
	}
}

func TestJoinDialogueSegments_PrefixesEachLine(t *testing.T) {
	segs := []types.Segment{{Text: "hi"}, {Text: "there"}}
	got := joinDialogueSegments(segs)
	want := "— hi\n— there"
	if got != want {
		t.Errorf("joinDialogueSegments() = %q, want %q", got, want)
	}
}
