package orchestrate

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/voxscribe/internal/joberr"
	"github.com/MrWong99/voxscribe/internal/store"
)

// AuthenticateUpload verifies HMAC-signed initData from the direct-upload
// web surface and returns the authenticated user id (spec.md §4.4.8).
func (s *Service) AuthenticateUpload(initData map[string]string) (string, error) {
	if err := verifyInitData(initData, s.objCfg.HMACSecret); err != nil {
		return "", fmt.Errorf("orchestrate: authenticate upload: %w", err)
	}
	return initDataUserID(initData)
}

// IssueUploadURL mints a signed PUT URL and object key for userID to upload
// an audio file with the given extension, enforcing the configured
// extension whitelist (spec.md §4.4.8 "/api/signed-url"). The returned key
// is later passed back to [Service.AcceptUpload].
func (s *Service) IssueUploadURL(ctx context.Context, userID, ext string) (url, key string, err error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !extensionAllowed(ext, s.objCfg.UploadExtensions) {
		return "", "", fmt.Errorf("orchestrate: extension %q is not allowed for upload", ext)
	}

	key = "uploads/" + userID + "/" + s.ids.NewID() + "." + ext
	url, err = s.objects.SignedPut(ctx, key, contentTypeForExt(ext))
	if err != nil {
		return "", "", fmt.Errorf("orchestrate: issue upload url: %w", err)
	}
	return url, key, nil
}

func extensionAllowed(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

func contentTypeForExt(ext string) string {
	switch ext {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "m4a":
		return "audio/mp4"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// AcceptUpload creates a job for a previously uploaded object key, after
// verifying the key's path belongs to the authenticated caller (spec.md
// §4.4.8 "/api/process"). It routes the job exactly as [Service.ingest]
// routes a chat attachment: sync below the configured threshold, async
// otherwise.
func (s *Service) AcceptUpload(ctx context.Context, userID, key string, declaredSeconds float64, chatID int64) (string, error) {
	prefix := "uploads/" + userID + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", fmt.Errorf("orchestrate: upload key %q does not belong to user %q", key, userID)
	}

	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("orchestrate: accept upload: ensure user: %w", err)
	}

	if declaredSeconds > 0 {
		neededMinutes := math.Ceil(declaredSeconds / 60)
		if user.BalanceSeconds/60 < neededMinutes {
			return "", joberr.ErrInsufficientBalance
		}
	}

	job := &store.Job{
		ID:              s.ids.NewID(),
		UserID:          user.ID,
		ChatID:          strconv.FormatInt(chatID, 10),
		FileHandle:      "oss://" + key,
		DeclaredSeconds: declaredSeconds,
		Status:          store.JobPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("orchestrate: accept upload: create job: %w", err)
	}

	if declaredSeconds > 0 && declaredSeconds < s.currentLimits().SyncThresholdSeconds {
		return job.ID, s.RunJob(ctx, job.ID)
	}
	s.publishAsync(ctx, job)
	return job.ID, nil
}
