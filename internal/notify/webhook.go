package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"dnspick/internal/domain"
)

type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	if url == "" {
		return nil
	}
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	RunID       string   `json:"run_id"`
	Domains     int      `json:"domains"`
	Ranked      int      `json:"ranked"`
	Failures    int      `json:"failures"`
	BestAddress string   `json:"best_address,omitempty"`
	Suspect     []string `json:"suspect_domains,omitempty"`
	ElapsedMS   int64    `json:"elapsed_ms"`
}

func (w *Webhook) RunCompleted(ctx context.Context, run *domain.Run) error {
	if w == nil || w.URL == "" {
		return errors.New("webhook disabled")
	}
	p := webhookPayload{
		RunID:     string(run.ID),
		Domains:   len(run.Domains),
		Ranked:    len(run.Results),
		Failures:  len(run.Failures),
		Suspect:   run.Suspect,
		ElapsedMS: run.Elapsed.Milliseconds(),
	}
	if len(run.Results) > 0 {
		p.BestAddress = run.Results[0].Candidate.Address
	}
	body, _ := json.Marshal(p)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.New("webhook non-2xx")
	}
	return nil
}
