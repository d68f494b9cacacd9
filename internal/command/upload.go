package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/capture"
	"github.com/normanking/cortexlink/internal/events"
)

// uploadPath is the backend endpoint that accepts a recorded utterance when
// streaming was off for the session.
const uploadPath = "/api/voice/upload"

// Uploader posts a finished recording to the backend as a WAV file and
// returns the command response the backend derives from it.
type Uploader struct {
	baseURL    string
	sampleRate int
	channels   int
	client     *http.Client
	logger     zerolog.Logger
}

// NewUploader creates an uploader for the given backend base URL.
func NewUploader(baseURL string, sampleRate, channels int, logger zerolog.Logger) *Uploader {
	return &Uploader{
		baseURL:    baseURL,
		sampleRate: sampleRate,
		channels:   channels,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "upload").Logger(),
	}
}

// SetTimeout overrides the HTTP client timeout for slow backends.
func (u *Uploader) SetTimeout(d time.Duration) {
	if d > 0 {
		u.client.Timeout = d
	}
}

// Upload wraps the PCM buffer in a WAV container and posts it as the "audio"
// multipart field. The backend replies with a command response.
func (u *Uploader) Upload(ctx context.Context, pcm []byte) (*events.CommandResponse, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty recording")
	}

	wavPath, err := u.writeWAV(pcm)
	if err != nil {
		return nil, err
	}
	defer os.Remove(wavPath)

	body, contentType, err := buildForm(wavPath)
	if err != nil {
		return nil, err
	}

	endpoint, err := url.JoinPath(u.baseURL, uploadPath)
	if err != nil {
		return nil, fmt.Errorf("build upload url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	u.logger.Debug().Int("bytes", len(pcm)).Str("url", endpoint).Msg("Uploading recording")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upload rejected: %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result events.CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	u.logger.Info().Str("status", result.Status).Msg("Recording uploaded")
	return &result, nil
}

// writeWAV stores the PCM buffer as a 16-bit WAV in a temp file and returns
// its path. The encoder needs a seekable writer, so an in-memory buffer will
// not do.
func (u *Uploader) writeWAV(pcm []byte) (string, error) {
	if len(pcm)%2 != 0 {
		return "", fmt.Errorf("pcm payload not aligned")
	}

	file, err := os.CreateTemp("", "cortexlink_upload_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}

	samples := capture.DecodePCM(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: u.channels, SampleRate: u.sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, u.sampleRate, 16, u.channels, 1)
	if err := enc.Write(buffer); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("close wav encoder: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return file.Name(), nil
}

// buildForm reads the WAV file into a multipart body under the "audio" field.
func buildForm(wavPath string) (*bytes.Buffer, string, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return nil, "", fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("copy wav: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
