package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://translation.googleapis.com"
	translatePath  = "/language/translate/v2"
	maxErrorBody   = 4 << 10
)

var (
	ErrEmptyResult = errors.New("translation returned no text")
	ErrNoTarget    = errors.New("target language is required")
)

// Google calls the Cloud Translation v2 REST API.
type Google struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGoogle(baseURL, apiKey string, timeout time.Duration) *Google {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Google{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage"`
		} `json:"translations"`
	} `json:"data"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Google) Translate(ctx context.Context, text, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrNoTarget
	}

	form := url.Values{
		"q":      {text},
		"target": {target},
		"format": {"text"},
	}
	endpoint := g.baseURL + translatePath
	if g.apiKey != "" {
		endpoint += "?" + url.Values{"key": {g.apiKey}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("translate api %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("translate api returned %d", resp.StatusCode)
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Data.Translations) == 0 || out.Data.Translations[0].TranslatedText == "" {
		return "", ErrEmptyResult
	}
	return out.Data.Translations[0].TranslatedText, nil
}
