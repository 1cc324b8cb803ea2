package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const maxRecordLine = 1 << 20

// RecordingFile references one data file of a recording.
type RecordingFile struct {
	File string `json:"file"`
}

// RecordingMetadata is the recording.g3 document describing a recording.
type RecordingMetadata struct {
	Name     string        `json:"name"`
	Created  string        `json:"created"`
	Duration float64       `json:"duration"`
	Gaze     RecordingFile `json:"gaze"`
	Events   RecordingFile `json:"events"`
	IMU      RecordingFile `json:"imu"`

	Raw json.RawMessage `json:"-"`
}

// RecordingURL returns the HTTP URL of a recording's folder.
func (c *G3Client) RecordingURL(ctx context.Context, id uuid.UUID) (string, error) {
	parent := "recordings/" + id.String()
	path, err := getProperty[string](ctx, c, parent, "http-path")
	if err != nil {
		return "", err
	}
	return c.HTTPURL() + path, nil
}

// RecordingMetadata downloads the recording.g3 document of a recording.
func (c *G3Client) RecordingMetadata(ctx context.Context, id uuid.UUID) (*RecordingMetadata, error) {
	base, err := c.RecordingURL(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.fetchMetadata(ctx, base)
}

// RecordingGaze downloads the gaze samples of a recording, one JSON record
// per sample.
func (c *G3Client) RecordingGaze(ctx context.Context, id uuid.UUID) ([]json.RawMessage, error) {
	return c.recordingRecords(ctx, id, func(m *RecordingMetadata) string { return m.Gaze.File })
}

// RecordingEvents downloads the events of a recording.
func (c *G3Client) RecordingEvents(ctx context.Context, id uuid.UUID) ([]json.RawMessage, error) {
	return c.recordingRecords(ctx, id, func(m *RecordingMetadata) string { return m.Events.File })
}

// RecordingIMU downloads the IMU samples of a recording.
func (c *G3Client) RecordingIMU(ctx context.Context, id uuid.UUID) ([]json.RawMessage, error) {
	return c.recordingRecords(ctx, id, func(m *RecordingMetadata) string { return m.IMU.File })
}

func (c *G3Client) recordingRecords(ctx context.Context, id uuid.UUID, file func(*RecordingMetadata) string) ([]json.RawMessage, error) {
	base, err := c.RecordingURL(ctx, id)
	if err != nil {
		return nil, err
	}
	meta, err := c.fetchMetadata(ctx, base)
	if err != nil {
		return nil, err
	}

	name := file(meta)
	if name == "" {
		return nil, &ProtocolError{Path: base, Msg: "recording metadata names no file"}
	}

	u, err := url.Parse(base + "/" + name)
	if err != nil {
		return nil, fmt.Errorf("invalid recording url: %w", err)
	}
	q := u.Query()
	q.Set("use-content-encoding", "true")
	u.RawQuery = q.Encode()

	body, err := c.httpGet(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return readRecords(body, u.String())
}

func (c *G3Client) fetchMetadata(ctx context.Context, base string) (*RecordingMetadata, error) {
	body, err := c.httpGet(ctx, base)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording metadata: %w", err)
	}

	var meta RecordingMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &ProtocolError{Path: base, Msg: "invalid recording metadata", Err: err}
	}
	meta.Raw = data
	return &meta, nil
}

func (c *G3Client) httpGet(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Path: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &ResponseError{
			Path:    rawURL,
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(fmt.Sprintf("%s %s", resp.Status, msg)),
		}
	}
	return resp.Body, nil
}

// readRecords splits newline delimited JSON, skipping blank lines.
func readRecords(r io.Reader, source string) ([]json.RawMessage, error) {
	var records []json.RawMessage

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)
	for line := 1; scanner.Scan(); line++ {
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return nil, &ProtocolError{Path: source, Msg: fmt.Sprintf("line %d is not valid JSON", line)}
		}
		records = append(records, append(json.RawMessage(nil), b...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return records, nil
}
