// Package youtube implements the YouTube live chat source. It resolves the
// active live chat id from a video id, then polls the liveChat/messages
// endpoint with an API key, honoring the server-suggested polling interval.
// A rolling dedupe window absorbs the overlap between successive pages.
package youtube

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

// DefaultAPIBase is the YouTube Data API v3 root.
const DefaultAPIBase = "https://www.googleapis.com/youtube/v3"

const (
	sourceName          = "youtube"
	defaultPollInterval = 5 * time.Second
	minPollInterval     = time.Second
	dedupeWindow        = 500
	maxConsecutiveFails = 3
)

// Config holds the YouTube connection parameters. PollIntervalMs sets the
// interval used until the server suggests one; zero means the default.
type Config struct {
	APIBase        string
	APIKey         string
	VideoID        string
	PollIntervalMs int64
}

// Adapter is the YouTube live chat source.
type Adapter struct {
	cfg    Config
	sink   chat.Sink
	client *http.Client

	mu         sync.Mutex
	liveChatID string
	cancel     context.CancelFunc
	connected  bool
	wg         sync.WaitGroup
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
func (a *Adapter) Platform() bus.Platform { return bus.PlatformYouTube }

// Connected reports whether the poll loop is live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect resolves the active live chat id for the configured video and
// starts the poll loop. Resolution failures surface synchronously.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.cfg.APIKey == "" || a.cfg.VideoID == "" {
		return fmt.Errorf("youtube: api key and video id required")
	}

	chatID, err := a.resolveLiveChatID(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.liveChatID = chatID
	a.cancel = cancel
	a.connected = true

	a.wg.Add(1)
	go a.pollLoop(runCtx, chatID)

	slog.Info("youtube chat connected", "video", a.cfg.VideoID, "liveChatId", chatID)
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

type videosResponse struct {
	Items []struct {
		LiveStreamingDetails struct {
			ActiveLiveChatID string `json:"activeLiveChatId"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

type liveChatResponse struct {
	NextPageToken         string         `json:"nextPageToken"`
	PollingIntervalMillis int64          `json:"pollingIntervalMillis"`
	OfflineAt             string         `json:"offlineAt"`
	Items                 []liveChatItem `json:"items"`
}

type liveChatItem struct {
	ID      string `json:"id"`
	Snippet struct {
		DisplayMessage   string    `json:"displayMessage"`
		PublishedAt      time.Time `json:"publishedAt"`
		SuperChatDetails *struct {
			AmountDisplayString string `json:"amountDisplayString"`
			Tier                int    `json:"tier"`
		} `json:"superChatDetails"`
	} `json:"snippet"`
	AuthorDetails struct {
		DisplayName     string `json:"displayName"`
		ProfileImageURL string `json:"profileImageUrl"`
		IsChatModerator bool   `json:"isChatModerator"`
		IsChatSponsor   bool   `json:"isChatSponsor"`
	} `json:"authorDetails"`
}

func (a *Adapter) resolveLiveChatID(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("part", "liveStreamingDetails")
	q.Set("id", a.cfg.VideoID)
	q.Set("key", a.cfg.APIKey)

	var resp videosResponse
	if err := a.getJSON(ctx, a.cfg.APIBase+"/videos?"+q.Encode(), &resp); err != nil {
		return "", fmt.Errorf("youtube: resolve live chat: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("youtube: video %s not found", a.cfg.VideoID)
	}
	chatID := resp.Items[0].LiveStreamingDetails.ActiveLiveChatID
	if chatID == "" {
		return "", fmt.Errorf("youtube: video %s has no active live chat", a.cfg.VideoID)
	}
	return chatID, nil
}

func (a *Adapter) pollLoop(ctx context.Context, chatID string) {
	defer a.wg.Done()

	seen := bus.NewDedupeCache(0, dedupeWindow)
	pageToken := ""
	interval := defaultPollInterval
	if a.cfg.PollIntervalMs > 0 {
		interval = time.Duration(a.cfg.PollIntervalMs) * time.Millisecond
	}
	fails := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		resp, err := a.fetchMessages(ctx, chatID, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fails++
			slog.Warn("youtube poll failed", "error", err, "consecutive", fails)
			if fails >= maxConsecutiveFails {
				a.markDisconnected(err)
				return
			}
			timer.Reset(interval)
			continue
		}
		fails = 0

		if resp.OfflineAt != "" {
			a.markDisconnected(fmt.Errorf("youtube: live chat ended at %s", resp.OfflineAt))
			return
		}

		for _, item := range resp.Items {
			if item.Snippet.DisplayMessage == "" || seen.IsDuplicate(item.ID) {
				continue
			}
			a.sink.HandleMessage(normalize(item))
		}

		pageToken = resp.NextPageToken
		if resp.PollingIntervalMillis > 0 {
			interval = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
			if interval < minPollInterval {
				interval = minPollInterval
			}
		}
		timer.Reset(interval)
	}
}

func (a *Adapter) fetchMessages(ctx context.Context, chatID, pageToken string) (*liveChatResponse, error) {
	q := url.Values{}
	q.Set("liveChatId", chatID)
	q.Set("part", "snippet,authorDetails")
	q.Set("key", a.cfg.APIKey)
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var resp liveChatResponse
	if err := a.getJSON(ctx, a.cfg.APIBase+"/liveChat/messages?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
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

// superChatColors maps YouTube super chat tiers to their overlay colors.
var superChatColors = map[int]string{
	1: "#1565C0",
	2: "#00B8D4",
	3: "#00BFA5",
	4: "#FFB300",
	5: "#F57C00",
	6: "#E91E63",
	7: "#E62117",
}

func normalize(item liveChatItem) bus.ChatMessage {
	meta := bus.ChatMeta{
		AvatarURL: item.AuthorDetails.ProfileImageURL,
		Moderator: item.AuthorDetails.IsChatModerator,
		Member:    item.AuthorDetails.IsChatSponsor,
	}
	if sc := item.Snippet.SuperChatDetails; sc != nil {
		meta.SuperChatAmount = sc.AmountDisplayString
		meta.SuperChatColor = superChatColors[sc.Tier]
	}

	return bus.ChatMessage{
		ID:         item.ID,
		ShortID:    bus.NewShortID(),
		Platform:   bus.PlatformYouTube,
		Username:   item.AuthorDetails.DisplayName,
		Text:       item.Snippet.DisplayMessage,
		ReceivedAt: item.Snippet.PublishedAt.UnixMilli(),
		Meta:       meta,
	}
}
