package recording

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"cdr-pipeline/internal/models"
)

// UCM recordings live in the "monitor" directory of the recording API.
const ucmRecordingDir = "monitor"

// UCMDownloader talks to the Grandstream UCM HTTPS API: challenge, login with
// md5(challenge+password), then recapi with the session cookie.
type UCMDownloader struct {
	client   *http.Client
	maxBytes int64
}

type ucmRequest struct {
	Request map[string]string `json:"request"`
}

type ucmResponse struct {
	Status   int `json:"status"`
	Response struct {
		Challenge string `json:"challenge"`
		Cookie    string `json:"cookie"`
	} `json:"response"`
}

// LoginToken is the UCM login token for a challenge.
func LoginToken(challenge, password string) string {
	sum := md5.Sum([]byte(challenge + password))
	return hex.EncodeToString(sum[:])
}

func (d *UCMDownloader) Download(ctx context.Context, conn models.PbxConnection, filename string) (Recording, error) {
	if conn.BaseURL == "" {
		return Recording{}, eris.Errorf("recording: connection %s has no base url", conn.ID)
	}
	endpoint := strings.TrimRight(conn.BaseURL, "/") + "/api"

	challenge, err := d.call(ctx, endpoint, map[string]string{
		"action": "challenge", "user": conn.APIUsername, "version": "1.0",
	})
	if err != nil {
		return Recording{}, eris.Wrap(err, "recording: ucm challenge")
	}
	if challenge.Response.Challenge == "" {
		return Recording{}, eris.New("recording: ucm returned an empty challenge")
	}

	login, err := d.call(ctx, endpoint, map[string]string{
		"action": "login", "user": conn.APIUsername, "token": LoginToken(challenge.Response.Challenge, conn.APIPassword),
	})
	if err != nil {
		return Recording{}, eris.Wrap(err, "recording: ucm login")
	}
	cookie := login.Response.Cookie
	if cookie == "" {
		return Recording{}, eris.New("recording: ucm login returned no cookie")
	}
	defer func() {
		if _, err := d.call(context.WithoutCancel(ctx), endpoint, map[string]string{"action": "logout", "cookie": cookie}); err != nil {
			zap.L().Debug("ucm logout failed", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}()

	resp, err := d.post(ctx, endpoint, map[string]string{
		"action": "recapi", "cookie": cookie, "filedir": ucmRecordingDir, "filename": filename,
	})
	if err != nil {
		return Recording{}, eris.Wrap(err, "recording: ucm recapi")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Recording{}, eris.Errorf("recording: ucm recapi %s: status %d", filename, resp.StatusCode)
	}
	body, err := readLimited(resp.Body, d.maxBytes)
	if err != nil {
		return Recording{}, err
	}
	ct := resp.Header.Get("Content-Type")
	// Errors come back as a JSON status document instead of audio.
	if strings.Contains(ct, "json") || bytes.HasPrefix(bytes.TrimSpace(body), []byte(`{`)) {
		var r ucmResponse
		if err := json.Unmarshal(body, &r); err == nil && r.Status != 0 {
			return Recording{}, eris.Errorf("recording: ucm recapi %s: status %d", filename, r.Status)
		}
	}
	if len(body) == 0 {
		return Recording{}, eris.Errorf("recording: %s is empty", filename)
	}
	return Recording{Body: body, ContentType: ct}, nil
}

func (d *UCMDownloader) post(ctx context.Context, endpoint string, params map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(ucmRequest{Request: params})
	if err != nil {
		return nil, eris.Wrap(err, "encode ucm request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "build ucm request")
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "send ucm request")
	}
	return resp, nil
}

func (d *UCMDownloader) call(ctx context.Context, endpoint string, params map[string]string) (ucmResponse, error) {
	resp, err := d.post(ctx, endpoint, params)
	if err != nil {
		return ucmResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ucmResponse{}, eris.Errorf("ucm %s: http status %d", params["action"], resp.StatusCode)
	}
	var out ucmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ucmResponse{}, eris.Wrapf(err, "decode ucm %s response", params["action"])
	}
	if out.Status != 0 {
		return ucmResponse{}, eris.Errorf("ucm %s: status %d", params["action"], out.Status)
	}
	return out, nil
}
