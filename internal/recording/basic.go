package recording

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"cdr-pipeline/internal/models"
)

// BasicAuthDownloader fetches recordings over plain HTTP GET beneath the
// connection's recording_base_url, authenticating with the API credentials
// when they are set. Used for FreePBX and generic PBXs.
type BasicAuthDownloader struct {
	client   *http.Client
	maxBytes int64
}

func (d *BasicAuthDownloader) Download(ctx context.Context, conn models.PbxConnection, filename string) (Recording, error) {
	base := conn.RecordingBaseURL
	if base == "" {
		base = conn.BaseURL
	}
	if base == "" {
		return Recording{}, eris.Errorf("recording: connection %s has no recording base url", conn.ID)
	}
	target, err := joinURL(base, filename)
	if err != nil {
		return Recording{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Recording{}, eris.Wrap(err, "recording: build request")
	}
	if conn.APIUsername != "" {
		req.SetBasicAuth(conn.APIUsername, conn.APIPassword)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Recording{}, eris.Wrap(err, "recording: download")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Recording{}, eris.Errorf("recording: download %s: status %d", filename, resp.StatusCode)
	}
	body, err := readLimited(resp.Body, d.maxBytes)
	if err != nil {
		return Recording{}, err
	}
	if len(body) == 0 {
		return Recording{}, eris.Errorf("recording: %s is empty", filename)
	}
	return Recording{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// joinURL appends a (possibly nested) filename to base, escaping each segment.
func joinURL(base, filename string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", eris.Wrapf(err, "recording: parse base url %q", base)
	}
	var segs []string
	for _, s := range strings.Split(filename, "/") {
		if s == "" || s == "." || s == ".." {
			continue
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return "", eris.Errorf("recording: invalid filename %q", filename)
	}
	return u.JoinPath(segs...).String(), nil
}
