package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultRequestTimeout = 20 * time.Second
	maxEventBytes         = 8 << 20
	maxErrorBodyBytes     = 4 << 10

	opFrontier  = "frontier"
	opFetchPage = "fetch_page"
	opSubscribe = "subscribe"
	opReceive   = "receive"
)

// HTTPFeedConfig configures the HTTP/websocket source adapter.
type HTTPFeedConfig struct {
	BaseURL    string
	StreamURL  string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPFeed reads history over HTTP and live messages over a websocket.
type HTTPFeed struct {
	baseURL    string
	streamURL  string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPFeed validates configuration and constructs an HTTPFeed. StreamURL defaults to BaseURL
// with a ws or wss scheme.
func NewHTTPFeed(cfg HTTPFeedConfig) (*HTTPFeed, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("source: base url is required")
	}
	streamURL := strings.TrimRight(strings.TrimSpace(cfg.StreamURL), "/")
	if streamURL == "" {
		switch {
		case strings.HasPrefix(baseURL, "https://"):
			streamURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
		case strings.HasPrefix(baseURL, "http://"):
			streamURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
		default:
			return nil, fmt.Errorf("source: cannot derive stream url from %q", baseURL)
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFeed{
		baseURL:    baseURL,
		streamURL:  streamURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (f *HTTPFeed) Frontier(ctx context.Context, channelID string) (int64, error) {
	var frontier wireFrontier
	endpoint := f.baseURL + "/channels/" + url.PathEscape(channelID) + "/frontier"
	if err := f.getJSON(ctx, opFrontier, channelID, endpoint, &frontier); err != nil {
		return 0, err
	}
	return frontier.Sequence, nil
}

func (f *HTTPFeed) FetchPage(ctx context.Context, channelID string, r Range) ([]messages.Message, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatInt(r.Low, 10))
	query.Set("to", strconv.FormatInt(r.High, 10))
	endpoint := f.baseURL + "/channels/" + url.PathEscape(channelID) + "/messages?" + query.Encode()

	var page wirePage
	if err := f.getJSON(ctx, opFetchPage, channelID, endpoint, &page); err != nil {
		return nil, err
	}
	out := make([]messages.Message, 0, len(page.Messages))
	for _, raw := range page.Messages {
		message, err := DecodeMessage(channelID, raw)
		if err != nil {
			f.logger.Warn("skipping malformed history message",
				zap.String("channel_id", channelID),
				zap.Error(err))
			continue
		}
		out = append(out, message)
	}
	return out, nil
}

func (f *HTTPFeed) Subscribe(ctx context.Context, channelID string) (Subscription, error) {
	endpoint := f.streamURL + "/channels/" + url.PathEscape(channelID) + "/stream"
	options := &websocket.DialOptions{}
	if f.token != "" {
		options.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + f.token}}
	}
	conn, response, err := websocket.Dial(ctx, endpoint, options)
	if err != nil {
		if response != nil && response.StatusCode != http.StatusSwitchingProtocols {
			return nil, classifyStatus(opSubscribe, channelID, response.StatusCode, err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, Transient(opSubscribe, channelID, err)
	}
	conn.SetReadLimit(maxEventBytes)
	return &websocketSubscription{channelID: channelID, conn: conn, logger: f.logger}, nil
}

func (f *HTTPFeed) getJSON(ctx context.Context, operation, channelID, endpoint string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Permanent(operation, channelID, err)
	}
	request.Header.Set("Accept", "application/json")
	if f.token != "" {
		request.Header.Set("Authorization", "Bearer "+f.token)
	}
	response, err := f.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(operation, channelID, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return classifyStatus(operation, channelID, response.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return Transient(operation, channelID, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type websocketSubscription struct {
	channelID string
	conn      *websocket.Conn
	logger    *zap.Logger
}

func (s *websocketSubscription) Recv(ctx context.Context) (messages.Message, error) {
	for {
		_, payload, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return messages.Message{}, ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData:
				return messages.Message{}, Permanent(opReceive, s.channelID, err)
			default:
				return messages.Message{}, Transient(opReceive, s.channelID, err)
			}
		}
		message, err := DecodeMessage(s.channelID, payload)
		if err != nil {
			s.logger.Warn("skipping malformed live message",
				zap.String("channel_id", s.channelID),
				zap.Error(err))
			continue
		}
		return message, nil
	}
}

func (s *websocketSubscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
