// Package logging wires up the logrus logger every other package logs
// through, with an optional hook that pushes entries to a Loki-compatible
// endpoint via its /api/v1/push wire format, driven by logrus's Fire
// hook so structured fields set via WithFields flow straight into
// Loki's label/line shape.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/delta10/ogcprovider/internal/config"
)

// New builds a logrus.Logger at the configured level, with a LokiHook
// attached if cfg.Loki is set.
func New(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Loki != nil && cfg.Loki.BaseURL != "" {
		log.AddHook(NewLokiHook(cfg.Loki.BaseURL, &http.Client{Timeout: 5 * time.Second}))
	}
	return log
}

// LokiHook pushes every fired entry to a Loki push API endpoint.
type LokiHook struct {
	baseURL string
	client  *http.Client
}

// NewLokiHook returns a hook that POSTs to baseURL + "/api/v1/push".
func NewLokiHook(baseURL string, client *http.Client) *LokiHook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &LokiHook{baseURL: baseURL, client: client}
}

func (h *LokiHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *LokiHook) Fire(entry *logrus.Entry) error {
	labels := map[string]string{"level": entry.Level.String()}
	line := map[string]string{"message": entry.Message}
	for k, v := range entry.Data {
		line[k] = fmt.Sprint(v)
	}
	return h.push(labels, line, entry.Time)
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]any            `json:"values"`
}

type lokiBody struct {
	Streams []lokiStream `json:"streams"`
}

func (h *LokiHook) push(labels map[string]string, line map[string]string, at time.Time) error {
	parsedURL, err := url.Parse(h.baseURL)
	if err != nil {
		return err
	}
	parsedURL = parsedURL.JoinPath("/api/v1/push")

	marshalledLine, err := json.Marshal(line)
	if err != nil {
		return err
	}

	body := lokiBody{
		Streams: []lokiStream{
			{
				Stream: labels,
				Values: [][]any{{fmt.Sprint(at.UnixNano()), string(marshalledLine)}},
			},
		},
	}
	marshalled, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, parsedURL.String(), bytes.NewReader(marshalled))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return errors.New("loki push: unexpected response status")
	}
	return nil
}

// WithFetch returns a logrus.Entry pre-populated with the fields
// fetch.Coordinator error logging attaches: generation, tile index,
// retry count, and the request URL.
func WithFetch(log *logrus.Entry, generation uint64, tileIndex, retryCount int, url string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"generation": generation,
		"tileIndex":  tileIndex,
		"retryCount": retryCount,
		"url":        url,
	})
}
