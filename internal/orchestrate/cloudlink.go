package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// cloudDriveResolver recognizes known cloud-drive share-URL patterns and
// resolves them to a direct-download URL (spec.md §4.4.7). Yandex Disk
// requires an API round-trip to mint the download link; Google Drive and
// Dropbox links are resolved with a plain URL rewrite.
type cloudDriveResolver struct {
	httpClient               *http.Client
	resolveYandexDiskAPIBase string
}

const yandexDiskAPIBase = "https://cloud-api.yandex.net/v1/disk/public/resources/download"

func newCloudDriveResolver(client *http.Client) *cloudDriveResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &cloudDriveResolver{httpClient: client, resolveYandexDiskAPIBase: yandexDiskAPIBase}
}

var (
	yandexDiskPattern  = regexp.MustCompile(`^https://(yadi\.sk|disk\.yandex\.(ru|com))/`)
	googleDrivePattern = regexp.MustCompile(`^https://drive\.google\.com/file/d/([^/]+)/`)
	dropboxPattern     = regexp.MustCompile(`^https://www\.dropbox\.com/`)
)

// isCloudDriveURL reports whether text matches a recognized share-link
// pattern.
func isCloudDriveURL(text string) bool {
	return yandexDiskPattern.MatchString(text) ||
		googleDrivePattern.MatchString(text) ||
		dropboxPattern.MatchString(text)
}

// resolve turns a recognized share URL into a direct-download URL.
func (c *cloudDriveResolver) resolve(ctx context.Context, shareURL string) (string, error) {
	switch {
	case yandexDiskPattern.MatchString(shareURL):
		return c.resolveYandexDisk(ctx, shareURL)
	case googleDrivePattern.MatchString(shareURL):
		return resolveGoogleDrive(shareURL), nil
	case dropboxPattern.MatchString(shareURL):
		return resolveDropbox(shareURL), nil
	default:
		return "", fmt.Errorf("orchestrate: %q is not a recognized cloud-drive URL", shareURL)
	}
}

// resolveYandexDisk round-trips Yandex's public-resources API, which
// returns a time-limited direct download href for a public share link.
func (c *cloudDriveResolver) resolveYandexDisk(ctx context.Context, shareURL string) (string, error) {
	api := c.resolveYandexDiskAPIBase + "?public_key=" + url.QueryEscape(shareURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return "", fmt.Errorf("orchestrate: yandex disk request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("orchestrate: yandex disk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("orchestrate: yandex disk api returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("orchestrate: yandex disk read response: %w", err)
	}

	var out struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("orchestrate: yandex disk parse response: %w", err)
	}
	if out.Href == "" {
		return "", fmt.Errorf("orchestrate: yandex disk response missing href")
	}
	return out.Href, nil
}

// resolveGoogleDrive rewrites a file-view share link into Drive's direct
// download endpoint.
func resolveGoogleDrive(shareURL string) string {
	m := googleDrivePattern.FindStringSubmatch(shareURL)
	if len(m) < 2 {
		return shareURL
	}
	return "https://drive.google.com/uc?export=download&id=" + m[1]
}

// resolveDropbox rewrites the dl query parameter to force a direct
// download instead of the share-page preview.
func resolveDropbox(shareURL string) string {
	if strings.Contains(shareURL, "dl=0") {
		return strings.Replace(shareURL, "dl=0", "dl=1", 1)
	}
	if strings.Contains(shareURL, "?") {
		return shareURL + "&dl=1"
	}
	return shareURL + "?dl=1"
}
