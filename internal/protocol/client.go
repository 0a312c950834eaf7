package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// HTTPClient implements Cmds over the authenticated HTTP API. Transient
// failures (no response, 429, 5xx) are retried a bounded number of
// times with exponential backoff before surfacing ErrOffline.
type HTTPClient struct {
	baseURL    string
	org        types.OrganizationID
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, org types.OrganizationID, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:6777"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		org:        org,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type cmdReply struct {
	Status              string          `json:"status"`
	StrictlyGreaterThan *types.DateTime `json:"strictlyGreaterThan,omitempty"`
	ClientTimestamp     *types.DateTime `json:"clientTimestamp,omitempty"`
	ServerTimestamp     *types.DateTime `json:"serverTimestamp,omitempty"`
	LastTimestamp       *types.DateTime `json:"lastTimestamp,omitempty"`
	Message             string          `json:"message,omitempty"`
}

func (c *HTTPClient) CertificateGet(ctx context.Context, offset uint64) ([][]byte, error) {
	var out struct {
		cmdReply
		Certificates [][]byte `json:"certificates"`
	}
	body := map[string]any{"offset": offset}
	if err := c.do(ctx, "certificate_get", body, &out); err != nil {
		return nil, err
	}
	if err := replyError(out.cmdReply); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

func (c *HTTPClient) RealmCreate(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, roleCertificate []byte) error {
	return c.doStatusOnly(ctx, "realm_create", map[string]any{
		"realmId":              realmID,
		"timestamp":            timestamp,
		"realmRoleCertificate": roleCertificate,
	})
}

func (c *HTTPClient) RealmShare(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, roleCertificate []byte) error {
	return c.doStatusOnly(ctx, "realm_share", map[string]any{
		"realmId":              realmID,
		"timestamp":            timestamp,
		"realmRoleCertificate": roleCertificate,
	})
}

func (c *HTTPClient) RealmRename(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, nameCertificate []byte) error {
	return c.doStatusOnly(ctx, "realm_rename", map[string]any{
		"realmId":              realmID,
		"timestamp":            timestamp,
		"realmNameCertificate": nameCertificate,
	})
}

func (c *HTTPClient) RealmRotateKey(ctx context.Context, realmID types.VlobID, keyIndex uint64, timestamp types.DateTime, keyRotationCertificate []byte) error {
	return c.doStatusOnly(ctx, "realm_rotate_key", map[string]any{
		"realmId":                realmID,
		"keyIndex":               keyIndex,
		"timestamp":              timestamp,
		"keyRotationCertificate": keyRotationCertificate,
	})
}

func (c *HTTPClient) UserUpdateProfile(ctx context.Context, userID types.UserID, timestamp types.DateTime, profileCertificate []byte) error {
	return c.doStatusOnly(ctx, "user_update_profile", map[string]any{
		"userId":             userID,
		"timestamp":          timestamp,
		"profileCertificate": profileCertificate,
	})
}

func (c *HTTPClient) VlobCreate(ctx context.Context, realmID, vlobID types.VlobID, keyIndex uint64, timestamp types.DateTime, blob []byte) error {
	return c.doStatusOnly(ctx, "vlob_create", map[string]any{
		"realmId":   realmID,
		"vlobId":    vlobID,
		"keyIndex":  keyIndex,
		"timestamp": timestamp,
		"blob":      blob,
	})
}

func (c *HTTPClient) VlobUpdate(ctx context.Context, realmID, vlobID types.VlobID, version uint32, keyIndex uint64, timestamp types.DateTime, blob []byte) error {
	return c.doStatusOnly(ctx, "vlob_update", map[string]any{
		"realmId":   realmID,
		"vlobId":    vlobID,
		"version":   version,
		"keyIndex":  keyIndex,
		"timestamp": timestamp,
		"blob":      blob,
	})
}

func (c *HTTPClient) VlobRead(ctx context.Context, realmID, vlobID types.VlobID, version uint32) (Vlob, error) {
	var out struct {
		cmdReply
		Vlob Vlob `json:"vlob"`
	}
	body := map[string]any{
		"realmId": realmID,
		"vlobId":  vlobID,
		"version": version,
	}
	if err := c.do(ctx, "vlob_read", body, &out); err != nil {
		return Vlob{}, err
	}
	if err := replyError(out.cmdReply); err != nil {
		return Vlob{}, err
	}
	return out.Vlob, nil
}

func (c *HTTPClient) VlobPollChanges(ctx context.Context, realmID types.VlobID, checkpoint uint64) (uint64, map[types.VlobID]uint32, error) {
	var out struct {
		cmdReply
		Checkpoint uint64            `json:"checkpoint"`
		Changes    map[string]uint32 `json:"changes"`
	}
	body := map[string]any{
		"realmId":    realmID,
		"checkpoint": checkpoint,
	}
	if err := c.do(ctx, "vlob_poll_changes", body, &out); err != nil {
		return checkpoint, nil, err
	}
	if err := replyError(out.cmdReply); err != nil {
		return checkpoint, nil, err
	}
	changes := make(map[types.VlobID]uint32, len(out.Changes))
	for raw, version := range out.Changes {
		id, err := types.ParseVlobID(raw)
		if err != nil {
			return checkpoint, nil, err
		}
		changes[id] = version
	}
	return out.Checkpoint, changes, nil
}

func (c *HTTPClient) BlockCreate(ctx context.Context, realmID types.VlobID, blockID types.BlockID, keyIndex uint64, data []byte) error {
	return c.doStatusOnly(ctx, "block_create", map[string]any{
		"realmId":  realmID,
		"blockId":  blockID,
		"keyIndex": keyIndex,
		"block":    data,
	})
}

func (c *HTTPClient) BlockRead(ctx context.Context, blockID types.BlockID) ([]byte, uint64, error) {
	var out struct {
		cmdReply
		Block    []byte `json:"block"`
		KeyIndex uint64 `json:"keyIndex"`
	}
	if err := c.do(ctx, "block_read", map[string]any{"blockId": blockID}, &out); err != nil {
		return nil, 0, err
	}
	if err := replyError(out.cmdReply); err != nil {
		return nil, 0, err
	}
	return out.Block, out.KeyIndex, nil
}

func (c *HTTPClient) doStatusOnly(ctx context.Context, cmd string, body map[string]any) error {
	var out cmdReply
	if err := c.do(ctx, cmd, body, &out); err != nil {
		return err
	}
	return replyError(out)
}

// replyError maps the closed reply variants onto the error taxonomy.
func replyError(reply cmdReply) error {
	switch reply.Status {
	case "ok", "":
		return nil
	case "require_greater_timestamp":
		err := &RequireGreaterTimestampError{}
		if reply.StrictlyGreaterThan != nil {
			err.StrictlyGreaterThan = *reply.StrictlyGreaterThan
		}
		return err
	case "timestamp_out_of_ballpark":
		err := &TimestampOutOfBallparkError{}
		if reply.ClientTimestamp != nil {
			err.ClientTimestamp = *reply.ClientTimestamp
		}
		if reply.ServerTimestamp != nil {
			err.ServerTimestamp = *reply.ServerTimestamp
		}
		return err
	case "realm_already_exists":
		err := &RealmAlreadyExistsError{}
		if reply.LastTimestamp != nil {
			err.LastTimestamp = *reply.LastTimestamp
		}
		return err
	case "bad_version":
		return ErrBadVersion
	case "not_found", "vlob_not_found", "block_not_found", "realm_not_found":
		return ErrNotFound
	case "not_allowed", "author_not_allowed":
		return ErrNotAllowed
	case "block_already_exists":
		return ErrBlockAlreadyExists
	case "invalid_certificate":
		return ErrInvalidCertificate
	default:
		return fmt.Errorf("unexpected reply status %q: %s", reply.Status, reply.Message)
	}
}

func (c *HTTPClient) do(ctx context.Context, cmd string, body map[string]any, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	requestPath := fmt.Sprintf("/v1/org/%s/%s", url.PathEscape(string(c.org)), cmd)
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return ErrOffline
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return ErrOffline
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		if resp.StatusCode >= 500 {
			return ErrOffline
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusForbidden:
			return ErrNotAllowed
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
