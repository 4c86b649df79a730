// Package twitter implements the X mentions chat source. It polls the
// recent-mentions endpoint with a static bearer token and a since-id
// cursor. The first fetch only primes the cursor, so a fresh coordinator
// never replays old mentions into the stream.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/crawdtv/crawd/internal/bus"
	"github.com/crawdtv/crawd/internal/chat"
)

// DefaultAPIBase is the X API v2 root.
const DefaultAPIBase = "https://api.twitter.com"

const (
	sourceName          = "twitter"
	defaultPollInterval = 30 * time.Second
	maxConsecutiveFails = 3
)

// Config holds the X connection parameters.
type Config struct {
	APIBase        string
	BearerToken    string
	UserID         string
	PollIntervalMs int64
}

// Adapter is the X mentions source.
type Adapter struct {
	cfg    Config
	sink   chat.Sink
	client *http.Client

	mu        sync.Mutex
	cancel    context.CancelFunc
	connected bool
	wg        sync.WaitGroup
}

// New creates a disconnected adapter.
func New(cfg Config, sink chat.Sink) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	return &Adapter{
		cfg:    cfg,
		sink:   sink,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *Adapter) Name() string           { return sourceName }
func (a *Adapter) Platform() bus.Platform { return bus.PlatformTwitter }

// Connected reports whether the poll loop is live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect primes the since-id cursor with one synchronous fetch, then
// starts the poll loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.cfg.BearerToken == "" || a.cfg.UserID == "" {
		return fmt.Errorf("twitter: bearer token and user id required")
	}

	prime, err := a.fetchMentions(ctx, "")
	if err != nil {
		return fmt.Errorf("twitter: prime cursor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.connected = true

	a.wg.Add(1)
	go a.pollLoop(runCtx, prime.Meta.NewestID)

	slog.Info("twitter mentions connected", "user", a.cfg.UserID)
	return nil
}

// Disconnect stops the poll loop. Idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return nil
}

type mentionsResponse struct {
	Data []struct {
		ID        string    `json:"id"`
		Text      string    `json:"text"`
		AuthorID  string    `json:"author_id"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID              string `json:"id"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

func (a *Adapter) pollLoop(ctx context.Context, sinceID string) {
	defer a.wg.Done()

	interval := defaultPollInterval
	if a.cfg.PollIntervalMs > 0 {
		interval = time.Duration(a.cfg.PollIntervalMs) * time.Millisecond
	}
	fails := 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := a.fetchMentions(ctx, sinceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fails++
			slog.Warn("twitter poll failed", "error", err, "consecutive", fails)
			if fails >= maxConsecutiveFails {
				a.markDisconnected(err)
				return
			}
			continue
		}
		fails = 0

		users := make(map[string]struct {
			Username  string
			AvatarURL string
		}, len(resp.Includes.Users))
		for _, u := range resp.Includes.Users {
			users[u.ID] = struct {
				Username  string
				AvatarURL string
			}{u.Username, u.ProfileImageURL}
		}

		// The API returns newest first; deliver in arrival order.
		for i := len(resp.Data) - 1; i >= 0; i-- {
			tw := resp.Data[i]
			author := users[tw.AuthorID]
			username := author.Username
			if username == "" {
				username = tw.AuthorID
			}
			a.sink.HandleMessage(bus.ChatMessage{
				ID:         tw.ID,
				ShortID:    bus.NewShortID(),
				Platform:   bus.PlatformTwitter,
				Username:   username,
				Text:       tw.Text,
				ReceivedAt: tw.CreatedAt.UnixMilli(),
				Meta:       bus.ChatMeta{AvatarURL: author.AvatarURL},
			})
		}

		if resp.Meta.NewestID != "" {
			sinceID = resp.Meta.NewestID
		}
	}
}

func (a *Adapter) fetchMentions(ctx context.Context, sinceID string) (*mentionsResponse, error) {
	q := url.Values{}
	q.Set("tweet.fields", "created_at,author_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username,profile_image_url")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	endpoint := fmt.Sprintf("%s/2/users/%s/mentions?%s", a.cfg.APIBase, a.cfg.UserID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}

	var out mentionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) markDisconnected(cause error) {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()
	if wasConnected {
		a.sink.HandleDisconnect(sourceName, cause)
	}
}
