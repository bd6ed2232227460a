package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"consult-chat/internal/models"

	"github.com/gorilla/websocket"
)

// Kind names a transport. It is exposed for diagnostics only.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindPolling   Kind = "polling"
)

var ErrSessionGone = errors.New("transport session gone")

// link is one open transport. Read blocks until at least one envelope
// arrives or the link fails; a polling link may return an empty batch.
type link interface {
	Kind() Kind
	SessionID() string
	Read(ctx context.Context) ([]models.Envelope, error)
	Write(ctx context.Context, envs []models.Envelope) error
	Close() error
}

type wsLink struct {
	conn *websocket.Conn
	sid  string
	wmu  sync.Mutex
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, endpoint string, query url.Values) (*wsLink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = query.Encode()

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &wsLink{conn: conn, sid: query.Get("sid")}, nil
}

func (l *wsLink) Kind() Kind        { return KindWebSocket }
func (l *wsLink) SessionID() string { return l.sid }

func (l *wsLink) Read(_ context.Context) ([]models.Envelope, error) {
	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		return []models.Envelope{env}, nil
	}
}

func (l *wsLink) Write(_ context.Context, envs []models.Envelope) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	for _, env := range envs {
		if err := l.conn.WriteJSON(env); err != nil {
			return err
		}
	}
	return nil
}

func (l *wsLink) Close() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.conn.Close()
}

type pollLink struct {
	client *http.Client
	base   string
	sid    string
	once   sync.Once
}

func openPolling(ctx context.Context, client *http.Client, endpoint string, query url.Values) (*pollLink, error) {
	base := strings.TrimRight(endpoint, "/") + "/poll"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open polling session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("open polling session: unexpected status %d", resp.StatusCode)
	}
	var info models.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode polling session: %w", err)
	}
	if info.SID == "" {
		return nil, errors.New("open polling session: empty sid")
	}

	return &pollLink{client: client, base: base + "/" + url.PathEscape(info.SID), sid: info.SID}, nil
}

func (l *pollLink) Kind() Kind        { return KindPolling }
func (l *pollLink) SessionID() string { return l.sid }

func (l *pollLink) Read(ctx context.Context) ([]models.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone, http.StatusNotFound:
		return nil, ErrSessionGone
	default:
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var envs []models.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		return nil, fmt.Errorf("decode poll batch: %w", err)
	}
	return envs, nil
}

func (l *pollLink) Write(ctx context.Context, envs []models.Envelope) error {
	body, err := json.Marshal(envs)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrSessionGone
	default:
		return fmt.Errorf("push: unexpected status %d", resp.StatusCode)
	}
}

// Close ends the server session. A session already taken over by an upgrade
// answers 404, which is ignored.
func (l *pollLink) Close() error {
	var err error
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, rerr := http.NewRequestWithContext(ctx, http.MethodDelete, l.base, nil)
		if rerr != nil {
			err = rerr
			return
		}
		resp, rerr := l.client.Do(req)
		if rerr != nil {
			err = rerr
			return
		}
		resp.Body.Close()
	})
	return err
}
